package fleet

import "errors"

// Sentinel errors shared by stores and services. Callers branch on them with
// errors.Is; every layer wraps with context.
var (
	// ErrNotFound indicates the requested task, worker, or token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input rejected before business logic.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates the record changed state underneath the caller.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition indicates a worker status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnauthorized indicates a missing or unknown worker token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotConnected indicates the worker has no live session to deliver to.
	ErrNotConnected = errors.New("worker not connected")
)
