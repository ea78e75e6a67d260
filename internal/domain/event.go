package domain

import (
	"database/sql"
	"time"
)

// Ledger event types appended by the engine and controller.
const (
	EventStarted           = "started"
	EventActionCompleted   = "action_completed"
	EventTransitioned      = "transitioned"
	EventEmitted           = "event_emitted"
	EventReceived          = "event_received"
	EventParallelCompleted = "parallel_completed"
	EventWaitStarted       = "wait_started"
	EventTaskCreated       = "task_created"
	EventTaskCompleted     = "task_completed"
	EventTimeout           = "timeout"
	EventPaused            = "paused"
	EventResumed           = "resumed"
	EventCancelled         = "cancelled"
	EventCompleted         = "completed"
	EventError             = "error"
	EventFailed            = "failed"
)

// WorkflowEvent is one immutable row of the execution ledger, ordered by
// (tenant, execution_id, created_at). Replaying an execution's events in
// order reproduces its cursor and context exactly.
type WorkflowEvent struct {
	ID          string // UUID
	ExecutionID string
	Tenant      string
	EventName   string
	EventType   string
	FromState   string
	ToState     string
	Payload     sql.NullString // JSON: context patch under "vars", node result, original event payload
	UserID      sql.NullString // set when a human actor triggered the transition
	MessageID   sql.NullString // stream message that produced this event, for idempotent re-apply
	Created     time.Time
}
