package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/homeserve/internal/dispatch/domain"
	"github.com/example/homeserve/internal/dispatch/repository"
)

type flakyPublisher struct {
	base    natsPublisher
	failFor int32
	calls   int32
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	atomic.AddInt32(&f.calls, 1)
	if atomic.LoadInt32(&f.failFor) > 0 {
		atomic.AddInt32(&f.failFor, -1)
		return errors.New("simulated nats outage")
	}
	if f.base == nil {
		return nil
	}
	return f.base.PublishMsg(msg)
}

type capture struct{ msgs []*nats.Msg }

func (c *capture) PublishMsg(msg *nats.Msg) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestPublishWithRetryRecovers(t *testing.T) {
	sink := &capture{}
	pub := &flakyPublisher{base: sink, failFor: 2}
	w := NewWorker(nil, nil, zap.NewNop(), WorkerConfig{RetryMax: 3})
	w.publisher = pub

	err := w.publishWithRetry(context.Background(), record{ID: 7, Topic: "dispatch.request_status_changed", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&pub.calls))
	require.Len(t, sink.msgs, 1)
	require.Equal(t, "outbox-7", sink.msgs[0].Header.Get(nats.MsgIdHdr))
}

func TestPublishWithRetryGivesUp(t *testing.T) {
	w := NewWorker(nil, nil, zap.NewNop(), WorkerConfig{RetryMax: 2})
	w.publisher = &flakyPublisher{failFor: 10}

	err := w.publishWithRetry(context.Background(), record{ID: 1, Topic: "dispatch.request_status_changed"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "publish outbox 1")
}

func TestPublishRejectsMissingTopic(t *testing.T) {
	w := NewWorker(nil, nil, zap.NewNop(), WorkerConfig{})
	w.publisher = &capture{}
	require.Error(t, w.publishWithRetry(context.Background(), record{ID: 3}))
}

func TestRunRequiresDependencies(t *testing.T) {
	w := NewWorker(nil, nil, nil, WorkerConfig{})
	require.Error(t, w.Run(context.Background()))
}

func TestWorkerRelaysCommittedTransitions(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	nc := startNATS(t, ctx)

	msgCh := make(chan *nats.Msg, 4)
	_, err := nc.Subscribe("dispatch.>", func(msg *nats.Msg) { msgCh <- msg })
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	requestID := commitTransition(t, ctx, db)

	worker := NewWorker(db, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 10, RetryMax: 5})
	ctxWorker, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = worker.Run(ctxWorker) }()

	select {
	case <-time.After(10 * time.Second):
		t.Fatal("expected outbox message")
	case msg := <-msgCh:
		require.Equal(t, "dispatch.request_status_changed", msg.Subject)
		var ev domain.RequestEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		require.Equal(t, requestID, ev.RequestID)
	}

	require.Eventually(t, func() bool { return pendingRows(t, ctx, db) == 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestWorkerKeepsRowsUntilPublished(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	commitTransition(t, ctx, db)

	worker := NewWorker(db, nil, zap.NewNop(), WorkerConfig{BatchSize: 5, RetryMax: 1})
	worker.publisher = &flakyPublisher{failFor: 1}

	_, err := worker.ProcessOnce(ctx)
	require.Error(t, err)
	require.Equal(t, 1, pendingRows(t, ctx, db))

	n, err := worker.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 0, pendingRows(t, ctx, db))
}

func commitTransition(t *testing.T, ctx context.Context, db *sql.DB) uuid.UUID {
	t.Helper()
	repo := repository.NewPostgresRepository(db, "dispatch")
	require.NoError(t, repo.Migrate(ctx))

	now := time.Now().UTC()
	req := domain.ServiceRequest{
		ID:           uuid.New(),
		CustomerID:   uuid.New(),
		Category:     "plumber",
		Anchor:       domain.GeoPoint{Lat: 24.8607, Lng: 67.0011},
		RadiusMeters: 5000,
		Status:       domain.StatusPendingNotification,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	_, err := repo.CreateRequest(ctx, req)
	require.NoError(t, err)
	_, _, err = repo.Mutate(ctx, req.ID, func(r *domain.ServiceRequest, _ *domain.Fanout) ([]domain.RequestEvent, error) {
		from := r.Status
		r.Status = domain.StatusNoProviderFound
		return []domain.RequestEvent{domain.StatusChanged(*r, from, domain.EventNoCandidates, nil, now)}, nil
	})
	require.NoError(t, err)
	return req.ID
}

func pendingRows(t *testing.T, ctx context.Context, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE published = false`).Scan(&n))
	return n
}

func startPostgres(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	if os.Getenv("DISPATCH_INTEGRATION") == "" {
		t.Skip("set DISPATCH_INTEGRATION=1 to run container tests")
	}
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("homeserve"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pg.Terminate(ctx))
	})
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func startNATS(t *testing.T, ctx context.Context) *nats.Conn {
	t.Helper()
	container, err := natscontainer.Run(ctx, "nats:2")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })
	return nc
}
