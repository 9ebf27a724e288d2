package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/example/homeserve/internal/dispatch/domain"
)

type snapshot struct {
	req    domain.ServiceRequest
	fanout domain.Fanout
}

// entry serialises writers for one request. Readers load the committed
// snapshot without taking the lock.
type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
type MemoryRepository struct {
	entries sync.Map // uuid.UUID -> *entry

	mu     sync.Mutex
	events []domain.RequestEvent
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// CreateRequest stores the request with an empty fanout.
func (m *MemoryRepository) CreateRequest(_ context.Context, req domain.ServiceRequest) (domain.ServiceRequest, error) {
	e := &entry{}
	e.snap.Store(&snapshot{req: req, fanout: domain.Fanout{RequestID: req.ID}})
	if _, loaded := m.entries.LoadOrStore(req.ID, e); loaded {
		return domain.ServiceRequest{}, fmt.Errorf("%w: request %s already exists", domain.ErrValidation, req.ID)
	}
	return req, nil
}

// GetRequest retrieves a request.
func (m *MemoryRepository) GetRequest(_ context.Context, id uuid.UUID) (domain.ServiceRequest, error) {
	e, err := m.lookup(id)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	return e.snap.Load().req, nil
}

// GetFanout retrieves the offer bookkeeping for a request.
func (m *MemoryRepository) GetFanout(_ context.Context, id uuid.UUID) (domain.Fanout, error) {
	e, err := m.lookup(id)
	if err != nil {
		return domain.Fanout{}, err
	}
	return e.snap.Load().fanout.Clone(), nil
}

// Mutate applies fn under the request's lock and publishes the result as the new snapshot.
func (m *MemoryRepository) Mutate(_ context.Context, id uuid.UUID, fn domain.MutateFunc) (domain.ServiceRequest, domain.Fanout, error) {
	e, err := m.lookup(id)
	if err != nil {
		return domain.ServiceRequest{}, domain.Fanout{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.snap.Load()
	req := current.req
	fanout := current.fanout.Clone()
	events, err := fn(&req, &fanout)
	if err != nil {
		return current.req, current.fanout.Clone(), err
	}
	if current.req.Status.IsTerminal() {
		return current.req, current.fanout.Clone(), domain.Conflict(domain.ReasonWrongStatus, current.req.Status)
	}
	req.Version = current.req.Version + 1
	e.snap.Store(&snapshot{req: req, fanout: fanout})

	if len(events) > 0 {
		m.mu.Lock()
		m.events = append(m.events, events...)
		m.mu.Unlock()
	}
	return req, fanout.Clone(), nil
}

// Events returns committed events (for tests).
func (m *MemoryRepository) Events() []domain.RequestEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RequestEvent(nil), m.events...)
}

func (m *MemoryRepository) lookup(id uuid.UUID) (*entry, error) {
	v, ok := m.entries.Load(id)
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	return v.(*entry), nil
}
