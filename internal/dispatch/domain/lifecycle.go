package domain

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPendingNotification Status = "pending_notification"
	StatusNotifiedMultiple    Status = "notified_multiple"
	StatusAccepted            Status = "accepted"
	StatusArriving            Status = "arriving"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusRejected            Status = "rejected"
	StatusCancelled           Status = "cancelled"
	StatusNoProviderFound     Status = "no_provider_found"
	StatusError               Status = "error"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusNoProviderFound, StatusError:
		return true
	}
	return false
}

// HasProvider reports whether a request in this status carries an accepted provider.
func (s Status) HasProvider() bool {
	switch s {
	case StatusAccepted, StatusArriving, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Tracked reports whether provider location is relayed to the customer.
func (s Status) Tracked() bool {
	switch s {
	case StatusAccepted, StatusArriving, StatusInProgress:
		return true
	}
	return false
}

// Event is a lifecycle input.
type Event string

const (
	EventCandidatesFound  Event = "candidates_found"
	EventNoCandidates     Event = "no_candidates"
	EventProviderAccepted Event = "provider_accepted"
	EventAllDeclined      Event = "all_declined"
	EventOffersExpired    Event = "offers_expired"
	EventProviderArriving Event = "provider_arriving"
	EventWorkStarted      Event = "work_started"
	EventWorkCompleted    Event = "work_completed"
	EventProviderDeclined Event = "provider_declined"
	EventCancelled        Event = "cancelled"
	EventDispatchFailed   Event = "dispatch_failed"
)

var ErrInvalidTransition = errors.New("invalid request state transition")

var transitions = map[Status]map[Event]Status{
	StatusPendingNotification: {
		EventCandidatesFound: StatusNotifiedMultiple,
		EventNoCandidates:    StatusNoProviderFound,
		EventDispatchFailed:  StatusError,
	},
	StatusNotifiedMultiple: {
		EventProviderAccepted: StatusAccepted,
		EventAllDeclined:      StatusNoProviderFound,
		EventOffersExpired:    StatusNoProviderFound,
		EventDispatchFailed:   StatusError,
	},
	StatusAccepted: {
		EventProviderArriving: StatusArriving,
		EventWorkStarted:      StatusInProgress,
		EventProviderDeclined: StatusRejected,
	},
	StatusArriving: {
		EventWorkStarted: StatusInProgress,
	},
	StatusInProgress: {
		EventWorkCompleted: StatusCompleted,
	},
}

// Transition is the only way a request changes status.
func Transition(from Status, ev Event) (Status, error) {
	if from.IsTerminal() {
		return from, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if ev == EventCancelled {
		return StatusCancelled, nil
	}
	next, ok := transitions[from][ev]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	return next, nil
}
