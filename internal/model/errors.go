package model

import "errors"

// Error taxonomy for the ingestion and retrieval paths. Callers match with
// errors.Is; wrapped context travels via fmt.Errorf("%w").
var (
	// ErrValidation marks a structurally invalid canonical event.
	// Drop and log; never retried.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicate marks an idempotency-key collision. Treated as success.
	ErrDuplicate = errors.New("duplicate observation")

	// ErrBelowThreshold is the non-error skip outcome of the significance gate.
	ErrBelowThreshold = errors.New("below significance threshold")

	// ErrNotFound marks an unresolvable workspace/record at ingestion.
	ErrNotFound = errors.New("not found")

	// ErrDependencyUnavailable marks a vector/embedding/rating service outage.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrRaceConflict marks a unique-constraint violation on concurrent
	// create. The caller re-reads and uses the competing writer's row.
	ErrRaceConflict = errors.New("concurrent create conflict")
)
