package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/homeserve/internal/dispatch/domain"
)

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes request events straight to NATS, one subject per event type
// under the configured prefix. Used for events that never pass through the
// database outbox, such as location updates.
type Publisher struct {
	conn   msgPublisher
	prefix string
}

// NewPublisher builds a Publisher. A nil connection makes Publish a no-op.
func NewPublisher(conn *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = "dispatch"
	}
	p := &Publisher{prefix: prefix}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.RequestEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(event.Subject(p.prefix))
	msg.Data = payload
	msg.Header.Set("x-event-type", string(event.Type))
	msg.Header.Set("x-request-id", event.RequestID.String())
	if id := traceIDFromContext(ctx); id != "" {
		msg.Header.Set("x-trace-id", id)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return domain.Unavailable("nats publish", err)
	}
	return nil
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
