package proximity

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcloughlin/geohash"

	"github.com/example/homeserve/internal/dispatch/domain"
)

const (
	maxCellPrecision = 6
	shardCount       = 32
	metersPerDegree  = 111320.0
)

type shard struct {
	mu        sync.RWMutex
	providers map[uuid.UUID]domain.ProviderLocationState
	// cells[p] maps a geohash of precision p to the providers inside it.
	cells [maxCellPrecision + 1]map[string]map[uuid.UUID]struct{}
}

// MemoryIndex buckets providers by geohash cell at every precision up to
// maxCellPrecision, then filters the 3x3 block around the query by exact
// haversine distance. Providers are sharded so writers for different
// providers rarely share a lock.
type MemoryIndex struct {
	shards [shardCount]*shard
	cfg    Config
	clock  domain.Clock
}

func NewMemoryIndex(cfg Config, clock domain.Clock) *MemoryIndex {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	idx := &MemoryIndex{cfg: cfg.withDefaults(), clock: clock}
	for i := range idx.shards {
		s := &shard{providers: make(map[uuid.UUID]domain.ProviderLocationState)}
		for p := range s.cells {
			s.cells[p] = make(map[string]map[uuid.UUID]struct{})
		}
		idx.shards[i] = s
	}
	return idx
}

func (m *MemoryIndex) shardFor(id uuid.UUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return m.shards[h.Sum32()%shardCount]
}

func (m *MemoryIndex) Upsert(_ context.Context, state domain.ProviderLocationState) error {
	if err := state.Position.Validate(); err != nil {
		return err
	}
	state.Categories = append([]string(nil), state.Categories...)
	s := m.shardFor(state.ProviderID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(state)
	return nil
}

func (m *MemoryIndex) UpdatePosition(_ context.Context, providerID uuid.UUID, point domain.GeoPoint, at time.Time) error {
	if err := point.Validate(); err != nil {
		return err
	}
	s := m.shardFor(providerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.providers[providerID]
	if !ok {
		state = domain.ProviderLocationState{ProviderID: providerID, Availability: domain.AvailabilityOffline}
	} else if at.Before(state.UpdatedAt) {
		return domain.ErrStaleSample
	}
	state.Position = point
	state.UpdatedAt = at
	s.put(state)
	return nil
}

func (m *MemoryIndex) SetAvailability(_ context.Context, providerID uuid.UUID, availability domain.Availability) error {
	if !availability.Valid() {
		return fmt.Errorf("%w: availability %q", domain.ErrValidation, availability)
	}
	s := m.shardFor(providerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.providers[providerID]
	if !ok {
		return fmt.Errorf("provider %s: %w", providerID, domain.ErrNotFound)
	}
	state.Availability = availability
	s.providers[providerID] = state
	return nil
}

func (m *MemoryIndex) CompareAndSetAvailability(_ context.Context, providerID uuid.UUID, from, to domain.Availability) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: availability %q", domain.ErrValidation, to)
	}
	s := m.shardFor(providerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.providers[providerID]
	if !ok {
		return false, fmt.Errorf("provider %s: %w", providerID, domain.ErrNotFound)
	}
	if state.Availability != from {
		return false, nil
	}
	state.Availability = to
	s.providers[providerID] = state
	return true, nil
}

func (m *MemoryIndex) SetProfile(_ context.Context, providerID uuid.UUID, availability domain.Availability, categories []string) error {
	if !availability.Valid() {
		return fmt.Errorf("%w: availability %q", domain.ErrValidation, availability)
	}
	s := m.shardFor(providerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.providers[providerID]
	state.ProviderID = providerID
	state.Availability = availability
	if categories != nil {
		state.Categories = append([]string(nil), categories...)
	}
	if ok {
		s.providers[providerID] = state
		return nil
	}
	s.put(state)
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, providerID uuid.UUID) (domain.ProviderLocationState, error) {
	s := m.shardFor(providerID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.providers[providerID]
	if !ok {
		return domain.ProviderLocationState{}, fmt.Errorf("provider %s: %w", providerID, domain.ErrNotFound)
	}
	state.Categories = append([]string(nil), state.Categories...)
	return state, nil
}

func (m *MemoryIndex) FindCandidates(_ context.Context, point domain.GeoPoint, radiusMeters float64, category string, limit int) ([]domain.Candidate, error) {
	start := time.Now()
	if err := point.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters <= 0 {
		return nil, fmt.Errorf("%w: radius must be positive", domain.ErrValidation)
	}
	now := m.clock.Now()
	precision := cellPrecision(point, radiusMeters)
	cells := make(map[string]struct{}, 9)
	if precision > 0 {
		center := geohash.EncodeWithPrecision(point.Lat, point.Lng, uint(precision))
		cells[center] = struct{}{}
		// near the poles neighbours can repeat
		for _, n := range geohash.Neighbors(center) {
			cells[n] = struct{}{}
		}
	}

	var candidates []domain.Candidate
	consider := func(state domain.ProviderLocationState) {
		if !eligible(state, category, now, m.cfg.StaleAfter) {
			return
		}
		d := domain.DistanceMeters(point, state.Position)
		if d > radiusMeters {
			return
		}
		candidates = append(candidates, domain.Candidate{ProviderID: state.ProviderID, Position: state.Position, DistanceMeters: d})
	}
	for _, s := range m.shards {
		s.mu.RLock()
		if precision == 0 {
			for _, state := range s.providers {
				consider(state)
			}
		} else {
			for cell := range cells {
				for id := range s.cells[precision][cell] {
					consider(s.providers[id])
				}
			}
		}
		s.mu.RUnlock()
	}
	candidates = rank(candidates, limit)
	observe(start, len(candidates), nil)
	if candidates == nil {
		candidates = []domain.Candidate{}
	}
	return candidates, nil
}

// put must be called with the shard lock held.
func (s *shard) put(state domain.ProviderLocationState) {
	if old, ok := s.providers[state.ProviderID]; ok {
		s.unlinkCells(old)
	}
	s.providers[state.ProviderID] = state
	hash := geohash.EncodeWithPrecision(state.Position.Lat, state.Position.Lng, maxCellPrecision)
	for p := 1; p <= maxCellPrecision; p++ {
		cell := hash[:p]
		members, ok := s.cells[p][cell]
		if !ok {
			members = make(map[uuid.UUID]struct{})
			s.cells[p][cell] = members
		}
		members[state.ProviderID] = struct{}{}
	}
}

func (s *shard) unlinkCells(state domain.ProviderLocationState) {
	hash := geohash.EncodeWithPrecision(state.Position.Lat, state.Position.Lng, maxCellPrecision)
	for p := 1; p <= maxCellPrecision; p++ {
		cell := hash[:p]
		delete(s.cells[p][cell], state.ProviderID)
		if len(s.cells[p][cell]) == 0 {
			delete(s.cells[p], cell)
		}
	}
}

// cellPrecision picks the finest geohash precision whose cells are at least as
// large as the search radius, so the center cell plus its eight neighbours
// cover the whole circle. Zero means the radius is too large and every
// provider must be scanned.
func cellPrecision(point domain.GeoPoint, radiusMeters float64) int {
	latSpan := radiusMeters / metersPerDegree
	maxLat := math.Min(89.0, math.Abs(point.Lat)+latSpan)
	lngSpan := radiusMeters / (metersPerDegree * math.Cos(maxLat*math.Pi/180))
	for p := maxCellPrecision; p >= 1; p-- {
		bits := 5 * p
		lngBits := (bits + 1) / 2
		latBits := bits / 2
		cellHeight := 180.0 / float64(uint64(1)<<latBits)
		cellWidth := 360.0 / float64(uint64(1)<<lngBits)
		if cellHeight >= latSpan && cellWidth >= lngSpan {
			return p
		}
	}
	return 0
}
