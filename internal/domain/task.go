package domain

import (
	"database/sql"
	"time"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskClaimed   = "claimed"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
	TaskExpired   = "expired"
)

// TaskDefinition is unique per (tenant, task_type) and carries the defaults
// applied when an EventWait node instantiates a task.
type TaskDefinition struct {
	ID               int64
	Tenant           string
	TaskType         string
	FormDefinitionID sql.NullInt64
	DefaultPriority  int
	DefaultSLADays   int
	AllowAnyAssignee bool // any listed assignee may complete, not only the claimer
	Created          time.Time
}

// Task is one human work item created by an EventWait node.
type Task struct {
	ID               string // UUID
	Tenant           string
	ExecutionID      string
	TaskDefinitionID int64
	TaskType         string
	Status           string
	Priority         int
	DueDate          sql.NullTime
	AssignedRoles    sql.NullString // JSON list
	AssignedUsers    sql.NullString // JSON list
	ClaimedBy        sql.NullString
	CompletionEvent  string // event published to the execution stream on completion
	ContextData      sql.NullString
	ResponseData     sql.NullString
	Created          time.Time
	Modified         time.Time
}

// TaskHistory is the append-only audit trail of task status transitions.
// Rows are written by every task mutation and never edited.
type TaskHistory struct {
	ID         int64
	Tenant     string
	TaskID     string
	Action     string
	FromStatus string
	ToStatus   string
	UserID     sql.NullString
	DateTime   time.Time
}
