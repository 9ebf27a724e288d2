package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/homeserve/internal/dispatch/domain"
)

var sentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "provider_notifications_total",
	Help: "Provider notifications by kind and result.",
}, []string{"kind", "result"})

const (
	kindOffer = "offer"
	kindTaken = "taken"
)

type publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSNotifier pushes offers to provider.<id>.offers and withdrawals to
// provider.<id>.taken. Provider apps (or the push gateway) subscribe per id.
type NATSNotifier struct {
	conn   publisher
	clock  domain.Clock
	logger *zap.Logger
}

func NewNATSNotifier(conn *nats.Conn, clock domain.Clock, logger *zap.Logger) *NATSNotifier {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSNotifier{conn: conn, clock: clock, logger: logger}
}

type offerMessage struct {
	Kind   string                `json:"kind"`
	Offer  domain.RequestSummary `json:"offer"`
	SentAt time.Time             `json:"sent_at"`
}

type takenMessage struct {
	Kind      string    `json:"kind"`
	RequestID uuid.UUID `json:"request_id"`
	SentAt    time.Time `json:"sent_at"`
}

func OfferSubject(providerID uuid.UUID) string {
	return fmt.Sprintf("provider.%s.offers", providerID)
}

func TakenSubject(providerID uuid.UUID) string {
	return fmt.Sprintf("provider.%s.taken", providerID)
}

func (n *NATSNotifier) NotifyOffer(ctx context.Context, providerID uuid.UUID, summary domain.RequestSummary) error {
	return n.send(ctx, kindOffer, OfferSubject(providerID), summary.RequestID, offerMessage{
		Kind:   kindOffer,
		Offer:  summary,
		SentAt: n.clock.Now(),
	})
}

func (n *NATSNotifier) NotifyTaken(ctx context.Context, providerID, requestID uuid.UUID) error {
	return n.send(ctx, kindTaken, TakenSubject(providerID), requestID, takenMessage{
		Kind:      kindTaken,
		RequestID: requestID,
		SentAt:    n.clock.Now(),
	})
}

func (n *NATSNotifier) send(ctx context.Context, kind, subject string, requestID uuid.UUID, body any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", kind, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("x-request-id", requestID.String())
	if err := n.conn.PublishMsg(msg); err != nil {
		sentTotal.WithLabelValues(kind, "error").Inc()
		n.logger.Warn("notification failed", zap.String("subject", subject), zap.Error(err))
		return domain.Unavailable("notify "+kind, err)
	}
	sentTotal.WithLabelValues(kind, "ok").Inc()
	return nil
}

// LogNotifier only logs. Used when no bus is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) NotifyOffer(_ context.Context, providerID uuid.UUID, summary domain.RequestSummary) error {
	sentTotal.WithLabelValues(kindOffer, "logged").Inc()
	l.logger.Info("offer",
		zap.String("provider_id", providerID.String()),
		zap.String("request_id", summary.RequestID.String()),
		zap.String("category", summary.Category),
		zap.Float64("distance_m", summary.DistanceMeters))
	return nil
}

func (l *LogNotifier) NotifyTaken(_ context.Context, providerID, requestID uuid.UUID) error {
	sentTotal.WithLabelValues(kindTaken, "logged").Inc()
	l.logger.Info("offer withdrawn",
		zap.String("provider_id", providerID.String()),
		zap.String("request_id", requestID.String()))
	return nil
}
