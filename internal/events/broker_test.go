package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/homeserve/internal/dispatch/domain"
	"github.com/example/homeserve/internal/events"
)

func TestBrokerDeliversOnlyToRequestSubscribers(t *testing.T) {
	b := events.NewBroker(4, nil)
	mine, other := uuid.New(), uuid.New()
	sub := b.Subscribe(mine)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, domain.RequestEvent{Type: domain.EventLocationUpdated, RequestID: other}))
	require.NoError(t, b.Publish(ctx, domain.RequestEvent{Type: domain.EventRequestStatusChanged, RequestID: mine}))

	select {
	case ev := <-sub.C:
		require.Equal(t, mine, ev.RequestID)
		require.Equal(t, domain.EventRequestStatusChanged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
	require.Empty(t, sub.C)
}

func TestBrokerDropsWhenSubscriberIsFull(t *testing.T) {
	b := events.NewBroker(1, nil)
	id := uuid.New()
	sub := b.Subscribe(id)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_ = b.Publish(context.Background(), domain.RequestEvent{Type: domain.EventLocationUpdated, RequestID: id})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	require.Len(t, sub.C, 1)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	b := events.NewBroker(1, nil)
	id := uuid.New()
	sub := b.Subscribe(id)
	require.Equal(t, 1, b.Subscribers(id))
	sub.Close()
	sub.Close()
	require.Equal(t, 0, b.Subscribers(id))

	_, open := <-sub.C
	require.False(t, open)
	require.NoError(t, b.Publish(context.Background(), domain.RequestEvent{RequestID: id}))
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, domain.RequestEvent) error { return f.err }

func TestMultiJoinsErrorsAndKeepsPublishing(t *testing.T) {
	b := events.NewBroker(1, nil)
	id := uuid.New()
	sub := b.Subscribe(id)
	defer sub.Close()

	boom := errors.New("boom")
	m := events.Multi{failingPublisher{err: boom}, b, nil}
	err := m.Publish(context.Background(), domain.RequestEvent{RequestID: id})
	require.ErrorIs(t, err, boom)
	require.Len(t, sub.C, 1)
}
