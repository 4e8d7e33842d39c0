// Package sentinel defines the errors stores report about resource state.
// Stores return these (optionally wrapped) and services translate them
// into domain errors at the boundary.
package sentinel

import "errors"

// These represent factual states about stored entities, not validation
// failures; for bad input use pkg/domain-errors directly.
var (
	// ErrNotFound: the entity does not exist in the store.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a uniqueness or concurrency constraint was violated.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState: the entity is in the wrong state for the operation,
	// such as appending to an archived thread.
	ErrInvalidState = errors.New("invalid state")
)
