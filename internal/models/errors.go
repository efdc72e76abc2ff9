package models

import "errors"

// Failure taxonomy. Callers wrap these with context and match with errors.Is.
var (
	// ErrCapacityExceeded is returned when a job or browser slot cannot be acquired.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalidTransition is returned when a status change is not a legal edge.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleVersion is returned when an update carries an outdated job version.
	ErrStaleVersion = errors.New("stale job version")

	// ErrDriverFailure is returned when the automation driver fails an operation.
	ErrDriverFailure = errors.New("automation driver failure")

	// ErrTimeout is returned when a job exceeds its wall-clock limit.
	ErrTimeout = errors.New("job timed out")

	// ErrCancelled is returned when a job is cancelled by request.
	ErrCancelled = errors.New("job cancelled")

	// ErrDeliveryFailure is returned when webhook delivery exhausts all attempts.
	ErrDeliveryFailure = errors.New("webhook delivery failure")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
)
