package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("actor not allowed")
	// ErrNoProvider marks the no_provider_found outcome. It is never returned
	// from CreateRequest; callers read it off the request status.
	ErrNoProvider  = errors.New("no provider found")
	ErrUnavailable = errors.New("collaborator unavailable")
	ErrStaleSample = errors.New("stale location sample")
	// ErrUnchanged tells a repository the mutation was a no-op.
	ErrUnchanged = errors.New("unchanged")
)

type ConflictReason string

const (
	ReasonAlreadyTaken ConflictReason = "already_taken"
	ReasonNotNotified  ConflictReason = "not_notified"
	ReasonExpired      ConflictReason = "expired"
	ReasonWrongStatus  ConflictReason = "wrong_status"
)

// ConflictError is an expected race or guard outcome. Callers re-fetch and proceed.
type ConflictError struct {
	Reason ConflictReason
	Status Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s (status %s)", e.Reason, e.Status)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func Conflict(reason ConflictReason, status Status) error {
	return &ConflictError{Reason: reason, Status: status}
}

// ReasonOf extracts the conflict reason, treating an invalid transition as wrong_status.
func ReasonOf(err error) (ConflictReason, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	if errors.Is(err, ErrInvalidTransition) {
		return ReasonWrongStatus, true
	}
	return "", false
}

// Unavailable wraps a collaborator failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
