package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/homeserve/internal/auth"
)

func newLimiter(t *testing.T, read, write RateConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRateLimiter(client, read, write, nil)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	return l, mr
}

func asActor(r *http.Request, id uuid.UUID) *http.Request {
	return r.WithContext(auth.WithActor(r.Context(), auth.Actor{ID: id, Role: auth.RoleProvider}))
}

func TestRateLimiterRejectsAfterBurst(t *testing.T) {
	l, _ := newLimiter(t, RateConfig{Rate: 10, Burst: 10}, RateConfig{Rate: 1, Burst: 2})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	provider := uuid.New()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, asActor(httptest.NewRequest(http.MethodPost, "/v1/providers/me/location", nil), provider))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asActor(httptest.NewRequest(http.MethodPost, "/v1/providers/me/location", nil), provider))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	// reads have their own bucket
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, asActor(httptest.NewRequest(http.MethodGet, "/v1/requests/x", nil), provider))
	require.Equal(t, http.StatusNoContent, rec.Code)

	// and so does every other actor
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, asActor(httptest.NewRequest(http.MethodPost, "/v1/providers/me/location", nil), uuid.New()))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	l, mr := newLimiter(t, RateConfig{Rate: 1, Burst: 1}, RateConfig{Rate: 1, Burst: 1})
	mr.Close()
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientIdentifier(t *testing.T) {
	id := uuid.New()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:5123"
	require.Equal(t, "10.0.0.7", clientIdentifier(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientIdentifier(r))

	require.Equal(t, "actor:"+id.String(), clientIdentifier(asActor(r, id)))
}

func TestNilLimiterPassesThrough(t *testing.T) {
	var client *redis.Client
	l := NewRateLimiter(client, RateConfig{Rate: 20, Burst: 40}, RateConfig{Rate: 5, Burst: 10}, nil)
	require.Nil(t, l)

	called := 0
	h := l.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called++ }))
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := httptest.NewRecorder()
		require.NotPanics(t, func() { h.ServeHTTP(rec, httptest.NewRequest(method, "/v1/requests", nil)) })
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, 2, called)
}
