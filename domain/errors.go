package domain

import "errors"

var (
	// ErrConcurrencyConflict indicates that the underlying storage rejected a
	// position write because a newer version of an item is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrConflict is returned to callers when a position mutation could not be
	// committed after bounded retries. Clients should re-fetch and retry.
	ErrConflict = errors.New("conflict: container is being modified concurrently")

	// ErrNotFound is returned when a referenced item or container no longer exists.
	ErrNotFound = errors.New("not found")

	// ErrInconsistent marks a position write that was only partially applied.
	ErrInconsistent = errors.New("container positions are inconsistent")

	// ErrInvalidInput is returned when a mutation is malformed.
	ErrInvalidInput = errors.New("invalid input")
)
