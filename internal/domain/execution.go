package domain

import (
	"database/sql"
	"time"
)

// Execution statuses. Terminal statuses are immutable once written.
const (
	ExecutionActive    = "active"
	ExecutionPaused    = "paused"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

func IsTerminalStatus(status string) bool {
	return status == ExecutionCompleted || status == ExecutionFailed || status == ExecutionCancelled
}

// WorkflowExecution is the projection row for one workflow instance. The
// ledger in workflow_events is the source of truth; this row is a cache kept
// transactionally in sync by the event store append.
type WorkflowExecution struct {
	ID                 string // UUID
	Tenant             string
	DefinitionName     string
	DefinitionVersion  int
	Status             string
	CurrentState       string         // opaque graph cursor
	ContextData        sql.NullString // JSON variables
	WaitEvents         sql.NullString // JSON list of awaited event names while suspended
	WaitDeadline       sql.NullTime   // wait timeout, sweeper synthesizes the timeout event past it
	BusinessKey        sql.NullString
	Created            time.Time
	Modified           time.Time
}
