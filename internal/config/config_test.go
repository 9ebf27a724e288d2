package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, ":9090", cfg.GRPCAddr)
	require.Equal(t, 10, cfg.Dispatch.FanoutSize)
	require.Equal(t, 30*time.Second, cfg.Proximity.StaleAfter)
	require.Equal(t, 2*time.Minute, cfg.Dispatch.OfferTTL)
	require.Empty(t, cfg.Dispatch.Categories)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_URL", "postgres://dispatch@db/dispatch")
	t.Setenv("FANOUT_SIZE", "3")
	t.Setenv("OFFER_TTL", "45s")
	t.Setenv("CATEGORIES", "plumbing, electrical,,locksmith")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "postgres://dispatch@db/dispatch", cfg.PostgresDSN)
	require.Equal(t, 3, cfg.Dispatch.FanoutSize)
	require.Equal(t, 45*time.Second, cfg.Dispatch.OfferTTL)
	require.Equal(t, []string{"plumbing", "electrical", "locksmith"}, cfg.Dispatch.Categories)
}

func TestLoadCollectsEveryError(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("FANOUT_SIZE", "many")
	t.Setenv("OFFER_TTL", "soon")

	_, err := Load()
	require.Error(t, err)
	require.ErrorContains(t, err, "JWT_SECRET is required")
	require.ErrorContains(t, err, "FANOUT_SIZE")
	require.ErrorContains(t, err, "OFFER_TTL")
}
