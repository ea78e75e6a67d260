package domain

import "errors"

// Sentinel errors shared across the data-access layer, engine and task inbox.
var (
	// ErrConcurrentModification means the execution projection advanced
	// since the caller read it; re-read and retry the node transition.
	ErrConcurrentModification = errors.New("execution modified concurrently")

	// ErrInvalidState rejects a lifecycle transition the state machine does
	// not allow (claiming a non-pending task, advancing a cancelled
	// execution, and so on).
	ErrInvalidState = errors.New("invalid state for requested transition")

	// ErrMissingTenant is returned by every repository when the tenant
	// identifier is empty. Tenancy is enforced here, not in engine logic.
	ErrMissingTenant = errors.New("tenant identifier is required")

	// ErrNotFound wraps sql.ErrNoRows at the repository boundary.
	ErrNotFound = errors.New("not found")
)
