package tracking

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/example/homeserve/internal/dispatch/domain"
)

// DefaultTrailSize is how many samples a request trail keeps.
const DefaultTrailSize = 20

// Store keeps the bounded per-request trail of location samples. Append
// ignores samples whose timestamp is not after the newest entry.
type Store interface {
	Append(ctx context.Context, requestID uuid.UUID, sample domain.LocationSample) (bool, error)
	Trail(ctx context.Context, requestID uuid.UUID) ([]domain.LocationSample, error)
	Clear(ctx context.Context, requestID uuid.UUID) error
}

type trail struct {
	mu      sync.Mutex
	samples []domain.LocationSample
}

// MemoryStore holds trails in process.
type MemoryStore struct {
	mu     sync.RWMutex
	size   int
	trails map[uuid.UUID]*trail
}

func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = DefaultTrailSize
	}
	return &MemoryStore{size: size, trails: make(map[uuid.UUID]*trail)}
}

func (m *MemoryStore) trailFor(requestID uuid.UUID) *trail {
	m.mu.RLock()
	tr, ok := m.trails[requestID]
	m.mu.RUnlock()
	if ok {
		return tr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok = m.trails[requestID]; !ok {
		tr = &trail{}
		m.trails[requestID] = tr
	}
	return tr
}

func (m *MemoryStore) Append(_ context.Context, requestID uuid.UUID, sample domain.LocationSample) (bool, error) {
	tr := m.trailFor(requestID)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if n := len(tr.samples); n > 0 && !sample.Timestamp.After(tr.samples[n-1].Timestamp) {
		return false, nil
	}
	tr.samples = append(tr.samples, sample)
	if over := len(tr.samples) - m.size; over > 0 {
		tr.samples = append(tr.samples[:0:0], tr.samples[over:]...)
	}
	return true, nil
}

func (m *MemoryStore) Trail(_ context.Context, requestID uuid.UUID) ([]domain.LocationSample, error) {
	m.mu.RLock()
	tr, ok := m.trails[requestID]
	m.mu.RUnlock()
	if !ok {
		return []domain.LocationSample{}, nil
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]domain.LocationSample{}, tr.samples...), nil
}

func (m *MemoryStore) Clear(_ context.Context, requestID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trails, requestID)
	return nil
}
