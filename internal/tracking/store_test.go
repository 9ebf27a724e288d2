package tracking_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/homeserve/internal/dispatch/domain"
	"github.com/example/homeserve/internal/tracking"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client
}

func eachStore(t *testing.T, size int, fn func(t *testing.T, store tracking.Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, tracking.NewMemoryStore(size)) })
	t.Run("redis", func(t *testing.T) { fn(t, tracking.NewRedisStore(newRedisClient(t), size, time.Hour)) })
}

func sampleAt(provider uuid.UUID, ts time.Time, lat float64) domain.LocationSample {
	return domain.LocationSample{ProviderID: provider, Position: domain.GeoPoint{Lat: lat, Lng: 67.0}, Timestamp: ts}
}

func TestTrailIsBoundedAndOrdered(t *testing.T) {
	eachStore(t, tracking.DefaultTrailSize, func(t *testing.T, store tracking.Store) {
		ctx := context.Background()
		requestID := uuid.New()
		provider := uuid.New()
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		for i := 0; i < 35; i++ {
			ok, err := store.Append(ctx, requestID, sampleAt(provider, base.Add(time.Duration(i)*time.Second), 24.0+float64(i)*0.001))
			require.NoError(t, err)
			require.True(t, ok)
		}

		trail, err := store.Trail(ctx, requestID)
		require.NoError(t, err)
		require.Len(t, trail, tracking.DefaultTrailSize)
		for i := 1; i < len(trail); i++ {
			require.True(t, trail[i].Timestamp.After(trail[i-1].Timestamp))
		}
		require.True(t, trail[len(trail)-1].Timestamp.Equal(base.Add(34*time.Second)))
		require.True(t, trail[0].Timestamp.Equal(base.Add(15*time.Second)))
	})
}

func TestTrailIgnoresDuplicateAndOlderSamples(t *testing.T) {
	eachStore(t, 5, func(t *testing.T, store tracking.Store) {
		ctx := context.Background()
		requestID := uuid.New()
		provider := uuid.New()
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		ok, err := store.Append(ctx, requestID, sampleAt(provider, base, 24.1))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.Append(ctx, requestID, sampleAt(provider, base, 24.2))
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = store.Append(ctx, requestID, sampleAt(provider, base.Add(-time.Second), 24.3))
		require.NoError(t, err)
		require.False(t, ok)

		trail, err := store.Trail(ctx, requestID)
		require.NoError(t, err)
		require.Len(t, trail, 1)
		require.InDelta(t, 24.1, trail[0].Position.Lat, 1e-9)
	})
}

func TestTrailClear(t *testing.T) {
	eachStore(t, 5, func(t *testing.T, store tracking.Store) {
		ctx := context.Background()
		requestID := uuid.New()
		_, err := store.Append(ctx, requestID, sampleAt(uuid.New(), time.Now(), 24.1))
		require.NoError(t, err)
		require.NoError(t, store.Clear(ctx, requestID))

		trail, err := store.Trail(ctx, requestID)
		require.NoError(t, err)
		require.Empty(t, trail)
	})
}
