package proximity

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/homeserve/internal/dispatch/domain"
)

// Index finds eligible providers near a point and keeps their latest state.
// Implementations return candidates nearest first, ties broken by provider id.
type Index interface {
	domain.ProximityIndex
	// Upsert replaces the provider's state wholesale.
	Upsert(ctx context.Context, state domain.ProviderLocationState) error
	// UpdatePosition moves a provider. Samples older than the stored one
	// return domain.ErrStaleSample and change nothing.
	UpdatePosition(ctx context.Context, providerID uuid.UUID, point domain.GeoPoint, at time.Time) error
	Get(ctx context.Context, providerID uuid.UUID) (domain.ProviderLocationState, error)
	// CompareAndSetAvailability moves the provider to `to` only while it is
	// still `from`, reporting whether it did.
	CompareAndSetAvailability(ctx context.Context, providerID uuid.UUID, from, to domain.Availability) (bool, error)
	// SetProfile writes availability and, when categories is non-nil, the
	// category list without touching position or freshness. Unknown
	// providers are created without a position.
	SetProfile(ctx context.Context, providerID uuid.UUID, availability domain.Availability, categories []string) error
}

type Config struct {
	// StaleAfter is how old a position may be before the provider stops matching.
	StaleAfter time.Duration
}

const DefaultStaleAfter = 30 * time.Second

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

func eligible(s domain.ProviderLocationState, category string, now time.Time, staleAfter time.Duration) bool {
	if s.Availability != domain.AvailabilityOnline {
		return false
	}
	if !s.ServesCategory(category) {
		return false
	}
	return now.Sub(s.UpdatedAt) <= staleAfter
}

func rank(candidates []domain.Candidate, limit int) []domain.Candidate {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DistanceMeters != candidates[j].DistanceMeters {
			return candidates[i].DistanceMeters < candidates[j].DistanceMeters
		}
		return candidates[i].ProviderID.String() < candidates[j].ProviderID.String()
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

func observe(start time.Time, n int, err error) {
	result := "found"
	switch {
	case err != nil:
		result = "error"
	case n == 0:
		result = "empty"
	}
	matchingDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	if err == nil {
		candidatesReturned.Observe(float64(n))
	}
}
