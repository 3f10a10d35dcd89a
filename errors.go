package main

import "errors"

// Error taxonomy per spec §7. Handlers wrap a sentinel with context via
// fmt.Errorf("%w: ...", ErrX), so callers can test the kind with errors.Is.
// The dispatcher sends every error as the same error response, with
// err.Error() (led by the sentinel's text) as the message.
var (
	// ErrValidation covers malformed requests, forbidden git flags, invalid
	// task ids, and missing required fields.
	ErrValidation = errors.New("validation error")

	// ErrNotFound covers unknown task ids and unknown commands.
	ErrNotFound = errors.New("not found")

	// ErrOwnership covers a worker completing a task it does not own.
	ErrOwnership = errors.New("ownership error")

	// ErrDAG covers a cycle or dangling dependency at plan import or save.
	ErrDAG = errors.New("dag error")

	// ErrCapability is fatal at daemon startup: a required binary or
	// container runtime is unavailable.
	ErrCapability = errors.New("capability error")

	// ErrContention is fatal for a second daemon instance attempting to
	// bind the same socket.
	ErrContention = errors.New("contention error")
)
