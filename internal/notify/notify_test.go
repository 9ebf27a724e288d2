package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/homeserve/internal/dispatch/domain"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type sink struct {
	msgs []*nats.Msg
	err  error
}

func (s *sink) PublishMsg(msg *nats.Msg) error {
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func TestNATSNotifierOffer(t *testing.T) {
	out := &sink{}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	n := &NATSNotifier{conn: out, clock: fixedClock{now}, logger: zap.NewNop()}

	provider, request := uuid.New(), uuid.New()
	err := n.NotifyOffer(context.Background(), provider, domain.RequestSummary{RequestID: request, Category: "plumber", DistanceMeters: 420})
	require.NoError(t, err)
	require.Len(t, out.msgs, 1)
	require.Equal(t, "provider."+provider.String()+".offers", out.msgs[0].Subject)
	require.Equal(t, request.String(), out.msgs[0].Header.Get("x-request-id"))

	var got offerMessage
	require.NoError(t, json.Unmarshal(out.msgs[0].Data, &got))
	require.Equal(t, "offer", got.Kind)
	require.Equal(t, request, got.Offer.RequestID)
	require.True(t, got.SentAt.Equal(now))
}

func TestNATSNotifierTaken(t *testing.T) {
	out := &sink{}
	n := &NATSNotifier{conn: out, clock: domain.SystemClock{}, logger: zap.NewNop()}
	provider, request := uuid.New(), uuid.New()

	require.NoError(t, n.NotifyTaken(context.Background(), provider, request))
	require.Equal(t, TakenSubject(provider), out.msgs[0].Subject)
}

func TestNATSNotifierFailureIsUnavailable(t *testing.T) {
	n := &NATSNotifier{conn: &sink{err: errors.New("no responders")}, clock: domain.SystemClock{}, logger: zap.NewNop()}
	err := n.NotifyTaken(context.Background(), uuid.New(), uuid.New())
	require.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(nil)
	require.NoError(t, n.NotifyOffer(context.Background(), uuid.New(), domain.RequestSummary{}))
	require.NoError(t, n.NotifyTaken(context.Background(), uuid.New(), uuid.New()))
}
