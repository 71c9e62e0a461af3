// Package scherr defines the sentinel error taxonomy every scheduler
// component returns through, checked with errors.Is at call sites per
// spec §7.
package scherr

import "errors"

var (
	// ErrValidation means the caller-supplied data failed a recognized-key
	// or value-shape check (unknown key, missing required key, malformed
	// field).
	ErrValidation = errors.New("scherr: validation failed")

	// ErrNotFound means a referenced entity (request, summary, run
	// result, chunk) does not exist.
	ErrNotFound = errors.New("scherr: not found")

	// ErrAuthMismatch means the caller is not authorized for the entity
	// or action (e.g. a bot acting on a task it does not own).
	ErrAuthMismatch = errors.New("scherr: authorization mismatch")

	// ErrConflict means an optimistic-concurrency check detected the
	// entity changed between read and write; callers retry via
	// internal/resilience.Retry a bounded number of times.
	ErrConflict = errors.New("scherr: commit conflict")

	// ErrIDExhausted means key allocation could not find a free id after
	// its bounded number of retries.
	ErrIDExhausted = errors.New("scherr: id space exhausted")

	// ErrInvalidState means the requested transition does not apply to
	// the entity's current state (e.g. reaping an already-completed run).
	ErrInvalidState = errors.New("scherr: invalid state transition")
)
