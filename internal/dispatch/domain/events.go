package domain

import (
	"time"

	"github.com/google/uuid"
)

type RequestEventType string

const (
	EventRequestStatusChanged RequestEventType = "request_status_changed"
	EventLocationUpdated      RequestEventType = "location_updated"
	EventLocationStale        RequestEventType = "location_stale"
)

// RequestEvent is published for every committed status change and every relayed
// location sample. Consumers must tolerate duplicates.
type RequestEvent struct {
	Type       RequestEventType `json:"type"`
	RequestID  uuid.UUID        `json:"request_id"`
	Version    int64            `json:"version,omitempty"`
	Payload    map[string]any   `json:"payload,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Subject is the bus subject the event is routed to.
func (e RequestEvent) Subject(prefix string) string {
	return prefix + "." + string(e.Type)
}

// StatusChanged builds the event for a committed transition. Version is the
// version the request will carry after the write.
func StatusChanged(req ServiceRequest, from Status, ev Event, actor *uuid.UUID, at time.Time) RequestEvent {
	payload := map[string]any{
		"from":  string(from),
		"to":    string(req.Status),
		"event": string(ev),
	}
	if actor != nil {
		payload["actor_id"] = actor.String()
	}
	if req.AcceptedProviderID != nil {
		payload["provider_id"] = req.AcceptedProviderID.String()
	}
	return RequestEvent{
		Type:       EventRequestStatusChanged,
		RequestID:  req.ID,
		Version:    req.Version + 1,
		Payload:    payload,
		OccurredAt: at,
	}
}
