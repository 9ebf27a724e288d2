package events

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/homeserve/internal/dispatch/domain"
)

var droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "event_broker_dropped_total",
	Help: "Events dropped because a subscriber was not keeping up.",
}, []string{"type"})

// Subscription receives events for one request until Close.
type Subscription struct {
	C <-chan domain.RequestEvent

	once   sync.Once
	cancel func()
}

func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

type subscriber struct {
	ch chan domain.RequestEvent
}

// Broker fans request events out to in-process subscribers keyed by request
// id. Publish never blocks: a subscriber with a full buffer misses the event
// and is expected to resync from the request and its trail.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*subscriber]struct{}
	buffer int
	logger *zap.Logger
}

func NewBroker(buffer int, logger *zap.Logger) *Broker {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{subs: make(map[uuid.UUID]map[*subscriber]struct{}), buffer: buffer, logger: logger}
}

func (b *Broker) Subscribe(requestID uuid.UUID) *Subscription {
	sub := &subscriber{ch: make(chan domain.RequestEvent, b.buffer)}
	b.mu.Lock()
	set, ok := b.subs[requestID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[requestID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[requestID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(b.subs, requestID)
				}
			}
			close(sub.ch)
		},
	}
}

// Publish satisfies domain.EventPublisher.
func (b *Broker) Publish(_ context.Context, ev domain.RequestEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[ev.RequestID] {
		select {
		case sub.ch <- ev:
		default:
			droppedEvents.WithLabelValues(string(ev.Type)).Inc()
			b.logger.Debug("subscriber full, event dropped",
				zap.String("request_id", ev.RequestID.String()),
				zap.String("type", string(ev.Type)))
		}
	}
	return nil
}

// Subscribers reports how many listeners a request has.
func (b *Broker) Subscribers(requestID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[requestID])
}

// Multi publishes to every publisher and joins the failures.
type Multi []domain.EventPublisher

func (m Multi) Publish(ctx context.Context, ev domain.RequestEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
