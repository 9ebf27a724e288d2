package repository_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/homeserve/internal/dispatch/domain"
	"github.com/example/homeserve/internal/dispatch/repository"
)

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

func TestPostgresRepositoryConcurrentAcceptHasOneWinner(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	repo := repository.NewPostgresRepository(db, "dispatch")
	require.NoError(t, repo.Migrate(ctx))

	req := newRequest()
	_, err := repo.CreateRequest(ctx, req)
	require.NoError(t, err)

	providers := make([]uuid.UUID, 8)
	for i := range providers {
		providers[i] = uuid.New()
	}
	_, _, err = repo.Mutate(ctx, req.ID, func(r *domain.ServiceRequest, f *domain.Fanout) ([]domain.RequestEvent, error) {
		r.Status = domain.StatusNotifiedMultiple
		for _, p := range providers {
			f.Entries = append(f.Entries, domain.FanoutEntry{ProviderID: p, Response: domain.OfferPending})
		}
		return nil, nil
	})
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, p := range providers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := repo.Mutate(ctx, req.ID, func(r *domain.ServiceRequest, f *domain.Fanout) ([]domain.RequestEvent, error) {
				if r.AcceptedProviderID != nil {
					return nil, domain.Conflict(domain.ReasonAlreadyTaken, r.Status)
				}
				from := r.Status
				r.Status = domain.StatusAccepted
				r.AcceptedProviderID = &p
				return []domain.RequestEvent{domain.StatusChanged(*r, from, domain.EventProviderAccepted, &p, r.UpdatedAt)}, nil
			})
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			require.ErrorIs(t, err, domain.ErrConflict)
		}()
	}
	close(start)
	wg.Wait()
	require.Equal(t, int32(1), wins)

	got, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, got.Status)
	require.NotNil(t, got.AcceptedProviderID)
	require.Equal(t, int64(3), got.Version)

	var outboxRows int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE topic = 'dispatch.request_status_changed'`).Scan(&outboxRows))
	require.Equal(t, 1, outboxRows)

	fanout, err := repo.GetFanout(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, fanout.Entries, len(providers))
}
