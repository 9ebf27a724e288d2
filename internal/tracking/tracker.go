package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/homeserve/internal/dispatch/domain"
)

// PositionIndex receives every accepted sample so matching sees fresh positions.
type PositionIndex interface {
	UpdatePosition(ctx context.Context, providerID uuid.UUID, point domain.GeoPoint, at time.Time) error
}

type Config struct {
	// SpeedKmh is the flat average speed behind ETAs. No routing or traffic.
	SpeedKmh float64
	// StaleAfter without a sample marks the feed stale. The request is not touched.
	StaleAfter    time.Duration
	CheckInterval time.Duration
}

const DefaultSpeedKmh = 30.0

func (c Config) withDefaults() Config {
	if c.SpeedKmh <= 0 {
		c.SpeedKmh = DefaultSpeedKmh
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	return c
}

// Estimate is what the customer sees for each relayed sample.
type Estimate struct {
	RequestID      uuid.UUID       `json:"request_id"`
	ProviderID     uuid.UUID       `json:"provider_id"`
	Position       domain.GeoPoint `json:"position"`
	DistanceMeters float64         `json:"distance_meters"`
	ETAMinutes     float64         `json:"eta_minutes"`
	At             time.Time       `json:"at"`
	Stale          bool            `json:"stale"`
	// Tracking is false when the provider has no active session.
	Tracking bool `json:"tracking"`
	// Dropped is set when the sample was older than what is already stored.
	Dropped bool `json:"dropped,omitempty"`
}

type session struct {
	requestID  uuid.UUID
	providerID uuid.UUID
	anchor     domain.GeoPoint
	lastSample time.Time
	stale      bool
	last       *Estimate
}

// Tracker owns live tracking sessions, one per accepted request.
type Tracker struct {
	mu         sync.RWMutex
	sessions   map[uuid.UUID]*session
	byProvider map[uuid.UUID]uuid.UUID

	store     Store
	positions PositionIndex
	events    domain.EventPublisher
	clock     domain.Clock
	logger    *zap.Logger
	cfg       Config
	tracer    trace.Tracer
}

func NewTracker(store Store, positions PositionIndex, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger, cfg Config) *Tracker {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		sessions:   make(map[uuid.UUID]*session),
		byProvider: make(map[uuid.UUID]uuid.UUID),
		store:      store,
		positions:  positions,
		events:     events,
		clock:      clock,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		tracer:     otel.Tracer("dispatch.tracking"),
	}
}

// Start opens a session. Starting an already tracked request is a no-op.
func (t *Tracker) Start(_ context.Context, requestID, providerID uuid.UUID, anchor domain.GeoPoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[requestID]; ok {
		return nil
	}
	if other, busy := t.byProvider[providerID]; busy {
		return fmt.Errorf("%w: provider %s already tracked for %s", domain.ErrConflict, providerID, other)
	}
	t.sessions[requestID] = &session{
		requestID:  requestID,
		providerID: providerID,
		anchor:     anchor,
		lastSample: t.clock.Now(),
	}
	t.byProvider[providerID] = requestID
	activeSessions.Inc()
	return nil
}

// Stop tears the session down and drops its trail. Safe to call repeatedly.
func (t *Tracker) Stop(ctx context.Context, requestID uuid.UUID) {
	t.mu.Lock()
	s, ok := t.sessions[requestID]
	if ok {
		delete(t.sessions, requestID)
		if t.byProvider[s.providerID] == requestID {
			delete(t.byProvider, s.providerID)
		}
		activeSessions.Dec()
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := t.store.Clear(ctx, requestID); err != nil {
		t.logger.Warn("clear trail failed", zap.String("request_id", requestID.String()), zap.Error(err))
	}
}

// Active reports whether the request currently has a session.
func (t *Tracker) Active(requestID uuid.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[requestID]
	return ok
}

// ActiveRequest returns the request the provider is currently tracked for.
func (t *Tracker) ActiveRequest(providerID uuid.UUID) (uuid.UUID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	requestID, ok := t.byProvider[providerID]
	return requestID, ok
}

// ReportLocation ingests one provider sample. The position always reaches the
// proximity index; distance and ETA are computed only while the provider has
// an active session.
func (t *Tracker) ReportLocation(ctx context.Context, providerID uuid.UUID, point domain.GeoPoint, at time.Time) (Estimate, error) {
	ctx, span := t.tracer.Start(ctx, "tracking.report_location")
	defer span.End()

	if err := point.Validate(); err != nil {
		samplesTotal.WithLabelValues("invalid").Inc()
		return Estimate{}, err
	}
	if at.IsZero() {
		at = t.clock.Now()
	}
	est := Estimate{ProviderID: providerID, Position: point, At: at}

	stale := false
	if err := t.positions.UpdatePosition(ctx, providerID, point, at); err != nil {
		if !errors.Is(err, domain.ErrStaleSample) {
			samplesTotal.WithLabelValues("error").Inc()
			return Estimate{}, err
		}
		stale = true
	}

	t.mu.RLock()
	requestID, tracked := t.byProvider[providerID]
	var anchor domain.GeoPoint
	if tracked {
		anchor = t.sessions[requestID].anchor
	}
	t.mu.RUnlock()
	if !tracked {
		est.Dropped = stale
		samplesTotal.WithLabelValues("untracked").Inc()
		return est, nil
	}

	est.Tracking = true
	est.RequestID = requestID
	est.DistanceMeters = domain.DistanceMeters(point, anchor)
	est.ETAMinutes = domain.ETAMinutes(est.DistanceMeters, t.cfg.SpeedKmh)
	if stale {
		est.Dropped = true
		samplesTotal.WithLabelValues("stale").Inc()
		return est, nil
	}

	rid := requestID
	appended, err := t.store.Append(ctx, requestID, domain.LocationSample{
		ProviderID: providerID,
		RequestID:  &rid,
		Position:   point,
		Timestamp:  at,
	})
	if err != nil {
		samplesTotal.WithLabelValues("error").Inc()
		return Estimate{}, err
	}
	if !appended {
		est.Dropped = true
		samplesTotal.WithLabelValues("duplicate").Inc()
		return est, nil
	}

	t.mu.Lock()
	s, live := t.sessions[requestID]
	if live {
		s.lastSample = t.clock.Now()
		s.stale = false
		copied := est
		s.last = &copied
	}
	t.mu.Unlock()
	if !live {
		// Stop ran while the sample was being appended
		if err := t.store.Clear(ctx, requestID); err != nil {
			t.logger.Warn("clear trail failed", zap.String("request_id", requestID.String()), zap.Error(err))
		}
		est.Tracking = false
		samplesTotal.WithLabelValues("untracked").Inc()
		return est, nil
	}

	samplesTotal.WithLabelValues("relayed").Inc()
	t.publish(ctx, domain.RequestEvent{
		Type:      domain.EventLocationUpdated,
		RequestID: requestID,
		Payload: map[string]any{
			"provider_id":     providerID.String(),
			"lat":             point.Lat,
			"lng":             point.Lng,
			"distance_meters": est.DistanceMeters,
			"eta_minutes":     est.ETAMinutes,
		},
		OccurredAt: at,
	})
	return est, nil
}

// Latest returns the last relayed estimate for a request.
func (t *Tracker) Latest(requestID uuid.UUID) (Estimate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[requestID]
	if !ok {
		return Estimate{}, fmt.Errorf("tracking session %s: %w", requestID, domain.ErrNotFound)
	}
	if s.last == nil {
		return Estimate{}, fmt.Errorf("no location yet for %s: %w", requestID, domain.ErrNotFound)
	}
	est := *s.last
	est.Stale = s.stale
	return est, nil
}

// Trail returns the bounded sample history used for resync after reconnects.
func (t *Tracker) Trail(ctx context.Context, requestID uuid.UUID) ([]domain.LocationSample, error) {
	return t.store.Trail(ctx, requestID)
}

// Run marks silent sessions stale until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.CheckStale(ctx)
		}
	}
}

// CheckStale flags every session silent for longer than StaleAfter and
// publishes one location_stale event per newly stale feed.
func (t *Tracker) CheckStale(ctx context.Context) {
	now := t.clock.Now()
	var flagged []session
	t.mu.Lock()
	for _, s := range t.sessions {
		if s.stale || now.Sub(s.lastSample) <= t.cfg.StaleAfter {
			continue
		}
		s.stale = true
		flagged = append(flagged, *s)
	}
	t.mu.Unlock()

	for _, s := range flagged {
		staleFeeds.Inc()
		t.logger.Info("provider feed stale",
			zap.String("request_id", s.requestID.String()),
			zap.String("provider_id", s.providerID.String()),
			zap.Duration("silent_for", now.Sub(s.lastSample)))
		t.publish(ctx, domain.RequestEvent{
			Type:      domain.EventLocationStale,
			RequestID: s.requestID,
			Payload: map[string]any{
				"provider_id":    s.providerID.String(),
				"last_sample_at": s.lastSample,
			},
			OccurredAt: now,
		})
	}
}

func (t *Tracker) publish(ctx context.Context, ev domain.RequestEvent) {
	if t.events == nil {
		return
	}
	if err := t.events.Publish(ctx, ev); err != nil {
		t.logger.Warn("publish tracking event failed",
			zap.String("type", string(ev.Type)),
			zap.String("request_id", ev.RequestID.String()),
			zap.Error(err))
	}
}
