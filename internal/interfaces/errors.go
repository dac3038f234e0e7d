package interfaces

import (
	"errors"
)

var (
	// ErrNotFound is returned when an entity does not exist or is not owned
	// by the caller.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a state change is not allowed by
	// the job lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTerminalState is returned when an operation targets a job already in
	// a terminal state.
	ErrTerminalState = errors.New("job is in a terminal state")

	// ErrRetryExhausted is returned when a retry is requested but the retry
	// budget is spent.
	ErrRetryExhausted = errors.New("retry limit exhausted")

	// ErrVersionConflict is returned by the state store when an update
	// carries a stale version. Exactly one of two racing writers sees it.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStoreUnavailable wraps state or ephemeral store I/O failures.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrQueueEmpty is returned when a dequeue finds no ready entry.
	ErrQueueEmpty = errors.New("no entries in queue")

	// ErrKeyNotFound is returned by the ephemeral store for missing keys.
	// Absence of a live record never implies the job does not exist.
	ErrKeyNotFound = errors.New("key not found")
)
