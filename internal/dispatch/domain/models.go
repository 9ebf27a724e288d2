package domain

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects coordinates outside the WGS84 range.
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("%w: coordinates must be finite", ErrValidation)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: lat %.6f out of range", ErrValidation, p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: lng %.6f out of range", ErrValidation, p.Lng)
	}
	return nil
}

// ServiceRequest is one customer job moving through the dispatch lifecycle.
type ServiceRequest struct {
	ID                 uuid.UUID  `json:"id"`
	CustomerID         uuid.UUID  `json:"customer_id"`
	Category           string     `json:"category"`
	Anchor             GeoPoint   `json:"anchor"`
	Details            string     `json:"details,omitempty"`
	Address            string     `json:"address,omitempty"`
	RadiusMeters       float64    `json:"radius_meters"`
	Status             Status     `json:"status"`
	AcceptedProviderID *uuid.UUID `json:"accepted_provider_id,omitempty"`
	CancelReason       string     `json:"cancel_reason,omitempty"`
	CancelledBy        *uuid.UUID `json:"cancelled_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Version            int64      `json:"version"`
}

// IsParticipant reports whether actor may act on the request as customer or accepted provider.
func (r ServiceRequest) IsParticipant(actor uuid.UUID) bool {
	if r.CustomerID == actor {
		return true
	}
	return r.AcceptedProviderID != nil && *r.AcceptedProviderID == actor
}

type OfferResponse string

const (
	OfferPending  OfferResponse = "pending"
	OfferAccepted OfferResponse = "accepted"
	OfferRejected OfferResponse = "rejected"
	OfferExpired  OfferResponse = "expired"
)

type FanoutEntry struct {
	ProviderID     uuid.UUID     `json:"provider_id"`
	DistanceMeters float64       `json:"distance_meters"`
	Response       OfferResponse `json:"response"`
	NotifiedAt     time.Time     `json:"notified_at"`
	RespondedAt    *time.Time    `json:"responded_at,omitempty"`
}

// Fanout records which providers were offered a request and how each answered.
// Entries keep candidate order (nearest first).
type Fanout struct {
	RequestID uuid.UUID     `json:"request_id"`
	Entries   []FanoutEntry `json:"entries"`
}

func (f Fanout) Clone() Fanout {
	out := Fanout{RequestID: f.RequestID}
	if f.Entries != nil {
		out.Entries = append([]FanoutEntry(nil), f.Entries...)
	}
	return out
}

// Find returns the index of the provider's entry.
func (f Fanout) Find(providerID uuid.UUID) (int, bool) {
	for i, e := range f.Entries {
		if e.ProviderID == providerID {
			return i, true
		}
	}
	return -1, false
}

func (f Fanout) PendingCount() int {
	n := 0
	for _, e := range f.Entries {
		if e.Response == OfferPending {
			n++
		}
	}
	return n
}

// ExpirePending marks every pending entry expired and returns the affected providers.
func (f *Fanout) ExpirePending(now time.Time) []uuid.UUID {
	var expired []uuid.UUID
	for i := range f.Entries {
		if f.Entries[i].Response != OfferPending {
			continue
		}
		at := now
		f.Entries[i].Response = OfferExpired
		f.Entries[i].RespondedAt = &at
		expired = append(expired, f.Entries[i].ProviderID)
	}
	return expired
}

func (f Fanout) ProviderIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(f.Entries))
	for _, e := range f.Entries {
		ids = append(ids, e.ProviderID)
	}
	return ids
}

type Availability string

const (
	AvailabilityOnline  Availability = "online"
	AvailabilityBusy    Availability = "busy"
	AvailabilityOffline Availability = "offline"
)

func (a Availability) Valid() bool {
	switch a {
	case AvailabilityOnline, AvailabilityBusy, AvailabilityOffline:
		return true
	}
	return false
}

// ProviderLocationState is the latest known position and availability of a provider.
type ProviderLocationState struct {
	ProviderID   uuid.UUID    `json:"provider_id"`
	Position     GeoPoint     `json:"position"`
	Availability Availability `json:"availability"`
	Categories   []string     `json:"categories"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (s ProviderLocationState) ServesCategory(category string) bool {
	for _, c := range s.Categories {
		if c == category {
			return true
		}
	}
	return false
}

type LocationSample struct {
	ProviderID uuid.UUID  `json:"provider_id"`
	RequestID  *uuid.UUID `json:"request_id,omitempty"`
	Position   GeoPoint   `json:"position"`
	Timestamp  time.Time  `json:"ts"`
}

// Candidate is an eligible provider returned by a proximity query.
type Candidate struct {
	ProviderID     uuid.UUID `json:"provider_id"`
	Position       GeoPoint  `json:"position"`
	DistanceMeters float64   `json:"distance_meters"`
}

// RequestSummary is what a provider sees in an offer.
type RequestSummary struct {
	RequestID      uuid.UUID `json:"request_id"`
	Category       string    `json:"category"`
	Anchor         GeoPoint  `json:"anchor"`
	Details        string    `json:"details,omitempty"`
	Address        string    `json:"address,omitempty"`
	DistanceMeters float64   `json:"distance_meters"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// MutateFunc edits a request and its fanout in place. Returned events are
// committed together with the change. Returning an error leaves both untouched.
type MutateFunc func(req *ServiceRequest, fanout *Fanout) ([]RequestEvent, error)

// Repository is the authoritative request store. Mutate must apply fn atomically
// against the latest committed state and return that state even when fn fails.
type Repository interface {
	CreateRequest(ctx context.Context, req ServiceRequest) (ServiceRequest, error)
	GetRequest(ctx context.Context, id uuid.UUID) (ServiceRequest, error)
	GetFanout(ctx context.Context, id uuid.UUID) (Fanout, error)
	Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (ServiceRequest, Fanout, error)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

// ProximityIndex answers "who can serve this point" and tracks provider availability.
type ProximityIndex interface {
	FindCandidates(ctx context.Context, point GeoPoint, radiusMeters float64, category string, limit int) ([]Candidate, error)
	SetAvailability(ctx context.Context, providerID uuid.UUID, availability Availability) error
}

// Notifier delivers offers to providers. Delivery is best effort.
type Notifier interface {
	NotifyOffer(ctx context.Context, providerID uuid.UUID, summary RequestSummary) error
	NotifyTaken(ctx context.Context, providerID, requestID uuid.UUID) error
}

// TrackingSessions starts and stops live tracking for accepted requests.
type TrackingSessions interface {
	Start(ctx context.Context, requestID, providerID uuid.UUID, anchor GeoPoint) error
	Stop(ctx context.Context, requestID uuid.UUID)
	// ActiveRequest reports the request a provider is being tracked for.
	ActiveRequest(providerID uuid.UUID) (uuid.UUID, bool)
}

type EventPublisher interface {
	Publish(ctx context.Context, event RequestEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
