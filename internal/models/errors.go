package models

import (
	"context"
	"errors"
)

// Store errors.
var (
	// ErrNotFound indicates no mention exists for the identity.
	ErrNotFound = errors.New("mention not found")

	// ErrStateConflict indicates the stored state or version moved underneath a write.
	ErrStateConflict = errors.New("mention state conflict")
)

// Decision errors.
var (
	// ErrDecisionConflict indicates a different decision was already recorded,
	// or the mention is not awaiting one.
	ErrDecisionConflict = errors.New("decision conflict")
)

// Adapter errors. Adapters wrap one of these so callers can classify failures.
var (
	// ErrTransient covers network failures, timeouts and 5xx responses.
	ErrTransient = errors.New("transient adapter error")

	// ErrRateLimited indicates the backend asked us to slow down.
	ErrRateLimited = errors.New("rate limited")

	// ErrMalformedOutput indicates a backend returned something we could not use.
	ErrMalformedOutput = errors.New("malformed adapter output")

	// ErrPermanent covers misconfiguration and rejected requests.
	ErrPermanent = errors.New("permanent adapter error")

	// ErrAuth indicates credentials were rejected.
	ErrAuth = errors.New("authentication failed")

	// ErrFetch indicates a cycle could not collect candidate items.
	ErrFetch = errors.New("fetch failed")

	// ErrNotConfigured indicates an adapter has no usable backend configured.
	ErrNotConfigured = errors.New("not configured")

	// ErrOutcomeUnknown indicates a non-idempotent call failed after the
	// request may already have been applied.
	ErrOutcomeUnknown = errors.New("outcome unknown")
)

// IsPermanent reports whether retrying err is unlikely to help
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, ErrAuth) || errors.Is(err, ErrNotConfigured)
}

// IsTransient reports whether err is expected to clear on retry
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrMalformedOutput) ||
		errors.Is(err, context.DeadlineExceeded)
}
