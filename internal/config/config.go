// Package config loads dispatchd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/homeserve/internal/dispatch/service"
	"github.com/example/homeserve/internal/http/middleware"
	"github.com/example/homeserve/internal/outbox"
	"github.com/example/homeserve/internal/proximity"
	"github.com/example/homeserve/internal/tracking"
)

type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	PostgresDSN string
	RedisAddr   string
	NATSURL     string
	JWTSecret   string
	LogLevel    string
	// EventPrefix is the NATS subject prefix for request events.
	EventPrefix string

	IdempotencyTTL time.Duration
	TrailSize      int
	TrailTTL       time.Duration

	Dispatch  service.Config
	Proximity proximity.Config
	Tracking  tracking.Config
	Outbox    outbox.WorkerConfig
	ReadRate  middleware.RateConfig
	WriteRate middleware.RateConfig
}

// Load reads the environment. Every malformed value is reported, not just the
// first one.
func Load() (Config, error) {
	var errs []error
	env := &reader{errs: &errs}

	cfg := Config{
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:       getenv("GRPC_ADDR", ":9090"),
		PostgresDSN:    firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		NATSURL:        os.Getenv("NATS_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		EventPrefix:    getenv("EVENT_SUBJECT_PREFIX", "dispatch"),
		IdempotencyTTL: env.duration("IDEMPOTENCY_TTL", 24*time.Hour),
		TrailSize:      env.int("TRAIL_SIZE", 500),
		TrailTTL:       env.duration("TRAIL_TTL", 24*time.Hour),
		Dispatch: service.Config{
			FanoutSize:          env.int("FANOUT_SIZE", service.DefaultFanoutSize),
			DefaultRadiusMeters: env.float("DEFAULT_RADIUS_METERS", service.DefaultRadiusMeters),
			MaxRadiusMeters:     env.float("MAX_RADIUS_METERS", service.DefaultMaxRadius),
			OfferTTL:            env.duration("OFFER_TTL", service.DefaultOfferTTL),
			Categories:          splitList(os.Getenv("CATEGORIES")),
		},
		Proximity: proximity.Config{
			StaleAfter: env.duration("PROVIDER_STALE_AFTER", proximity.DefaultStaleAfter),
		},
		Tracking: tracking.Config{
			SpeedKmh:      env.float("ETA_SPEED_KMH", tracking.DefaultSpeedKmh),
			StaleAfter:    env.duration("TRACKING_STALE_AFTER", time.Minute),
			CheckInterval: env.duration("TRACKING_CHECK_INTERVAL", 10*time.Second),
		},
		Outbox: outbox.WorkerConfig{
			PollInterval: env.duration("OUTBOX_POLL", 200*time.Millisecond),
			BatchSize:    env.int("OUTBOX_BATCH", 100),
			RetryMax:     env.int("OUTBOX_RETRY_MAX", 3),
		},
		ReadRate: middleware.RateConfig{
			Rate:  env.float("RATE_READ_PER_SEC", 20),
			Burst: env.float("RATE_READ_BURST", 40),
		},
		WriteRate: middleware.RateConfig{
			Rate:  env.float("RATE_WRITE_PER_SEC", 5),
			Burst: env.float("RATE_WRITE_BURST", 10),
		},
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.Dispatch.FanoutSize < 1 {
		errs = append(errs, fmt.Errorf("FANOUT_SIZE must be positive, got %d", cfg.Dispatch.FanoutSize))
	}
	if cfg.Dispatch.MaxRadiusMeters < cfg.Dispatch.DefaultRadiusMeters {
		errs = append(errs, errors.New("MAX_RADIUS_METERS is below DEFAULT_RADIUS_METERS"))
	}
	return cfg, errors.Join(errs...)
}

type reader struct {
	errs *[]error
}

func (r *reader) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return parsed
}

func (r *reader) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return parsed
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return parsed
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
