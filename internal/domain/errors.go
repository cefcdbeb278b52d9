package domain

import "errors"

var (
	// Webhook authentication failures. None of these ever touch storage and
	// the platform must not retry them.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleRequest     = errors.New("stale webhook request")
	ErrMalformedHeader  = errors.New("missing or malformed signature header")

	// ErrAlreadyProcessed means the event identity already has a ledger row.
	// Expected steady-state behavior under webhook redelivery, not a failure.
	ErrAlreadyProcessed = errors.New("event already processed")

	// ErrVersionConflict means another event for the same user committed
	// first. Handled by a bounded reload-and-retry loop in the dispatcher.
	ErrVersionConflict = errors.New("conversation state version conflict")
)

// IsAuthError reports whether err is a webhook authentication failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrStaleRequest) ||
		errors.Is(err, ErrMalformedHeader)
}
