package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthzReportsFailingChecks(t *testing.T) {
	router := MetricsRouter(
		Check{Name: "postgres", Probe: func(context.Context) error { return nil }},
		Check{Name: "redis", Probe: func(context.Context) error { return errors.New("dial tcp: refused") }},
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "refused")
}

func TestHealthzWithoutChecks(t *testing.T) {
	rec := httptest.NewRecorder()
	MetricsRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	MetricsRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSetupLoggerFallsBackToInfo(t *testing.T) {
	require.NotNil(t, SetupLogger("dispatchd", "not-a-level"))
}
