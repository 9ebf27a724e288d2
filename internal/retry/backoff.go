package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/example/homeserve/internal/dispatch/domain"
)

// Config controls the exponential backoff.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
	Retryable  func(error) bool
}

// DefaultConfig retries backend outages only.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2,
		Jitter:     true,
		Retryable:  Unavailable,
	}
}

// Unavailable reports whether err is a transient backend failure.
func Unavailable(err error) bool {
	return errors.Is(err, domain.ErrUnavailable)
}

// Retrier wraps idempotent calls. Never hand it a state-changing operation:
// Mutate callers own their own conflict handling.
type Retrier struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Retrier {
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Retryable == nil {
		cfg.Retryable = Unavailable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{cfg: cfg, logger: logger}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the budget
// is spent. The last error is wrapped so errors.Is still sees it.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("succeeded after retry", zap.String("op", op), zap.Int("attempts", attempt+1))
			}
			return nil
		}
		lastErr = err
		if !r.cfg.Retryable(err) {
			return err
		}
		if attempt == r.cfg.MaxRetries {
			break
		}
		delay := r.delay(attempt)
		r.logger.Debug("retrying", zap.String("op", op), zap.Error(err),
			zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	r.logger.Warn("retries exhausted", zap.String("op", op), zap.Error(lastErr))
	return fmt.Errorf("%s: %d attempts: %w", op, r.cfg.MaxRetries+1, lastErr)
}

func (r *Retrier) delay(attempt int) time.Duration {
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Multiplier, float64(attempt))
	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	if r.cfg.Jitter {
		d += d * 0.1 * rand.Float64()
	}
	return time.Duration(d)
}
