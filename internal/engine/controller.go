package engine

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/internal/repository"
	"github.com/tallyworks/flowline/pkg/flowline/core"
)

// Controller exposes the execution lifecycle operations. Every flip is a
// ledger append with the same optimistic cursor guard as engine transitions,
// so a controller op racing an engine advance loses cleanly instead of
// corrupting state. All three operations return (false, nil) when the
// execution is already terminal.
type Controller struct {
	executions ExecutionRepo
	events     EventLedger
	engine     *Engine
	inbox      Inbox
	clock      core.Clock
}

func NewController(executions ExecutionRepo, events EventLedger, engine *Engine, inbox Inbox, clock core.Clock) *Controller {
	return &Controller{
		executions: executions,
		events:     events,
		engine:     engine,
		inbox:      inbox,
		clock:      clock,
	}
}

// Pause flips an active execution to paused. In-flight stream messages stay
// pending and unacked; they redeliver after Resume.
func (c *Controller) Pause(ctx context.Context, tenant, executionID, userID string) (bool, error) {
	ex, err := c.executions.FindByID(ctx, tenant, executionID)
	if err != nil {
		return false, err
	}
	if domain.IsTerminalStatus(ex.Status) || ex.Status == domain.ExecutionPaused {
		return false, nil
	}
	if err := c.appendLifecycle(ctx, ex, domain.EventPaused, domain.ExecutionPaused, userID); err != nil {
		return false, err
	}
	slog.InfoContext(ctx, "Paused execution", "execution_id", executionID, "tenant", tenant, "user_id", userID)
	return true, nil
}

// Resume flips a paused execution back to active and kicks the continuation,
// which is a no-op when the execution is suspended at a wait.
func (c *Controller) Resume(ctx context.Context, tenant, executionID, userID string) (bool, error) {
	ex, err := c.executions.FindByID(ctx, tenant, executionID)
	if err != nil {
		return false, err
	}
	if domain.IsTerminalStatus(ex.Status) || ex.Status != domain.ExecutionPaused {
		return false, nil
	}
	if err := c.appendLifecycle(ctx, ex, domain.EventResumed, domain.ExecutionActive, userID); err != nil {
		return false, err
	}
	slog.InfoContext(ctx, "Resumed execution", "execution_id", executionID, "tenant", tenant, "user_id", userID)

	ex.Status = domain.ExecutionActive
	if err := c.engine.Resume(ctx, ex); err != nil {
		slog.WarnContext(ctx, "Continuation after resume failed, will retry on redelivery",
			"execution_id", executionID, "error", err)
	}
	return true, nil
}

// Cancel terminates an execution irreversibly and withdraws its open tasks.
// Any later transition attempt sees a terminal status and refuses.
func (c *Controller) Cancel(ctx context.Context, tenant, executionID, userID string) (bool, error) {
	ex, err := c.executions.FindByID(ctx, tenant, executionID)
	if err != nil {
		return false, err
	}
	if domain.IsTerminalStatus(ex.Status) {
		return false, nil
	}
	if err := c.appendLifecycle(ctx, ex, domain.EventCancelled, domain.ExecutionCancelled, userID); err != nil {
		return false, err
	}
	if err := c.inbox.CancelForExecution(ctx, tenant, executionID); err != nil {
		slog.WarnContext(ctx, "Failed to cancel open tasks", "execution_id", executionID, "error", err)
	}
	slog.InfoContext(ctx, "Cancelled execution", "execution_id", executionID, "tenant", tenant, "user_id", userID)
	return true, nil
}

// appendLifecycle journals a status flip without moving the cursor. The wait
// bookkeeping passes through unchanged so a paused wait still times out and
// resumes correctly afterwards.
func (c *Controller) appendLifecycle(ctx context.Context, ex *domain.WorkflowExecution,
	eventType, status, userID string) error {
	ev := &domain.WorkflowEvent{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ExecutionID: ex.ID,
		Tenant:      ex.Tenant,
		EventName:   eventType,
		EventType:   eventType,
		FromState:   ex.CurrentState,
		ToState:     ex.CurrentState,
		UserID:      sql.NullString{String: userID, Valid: userID != ""},
		Created:     c.clock.Now(),
	}
	upd := repository.ProjectionUpdate{
		Status:       status,
		ContextData:  ex.ContextData,
		WaitEvents:   ex.WaitEvents,
		WaitDeadline: ex.WaitDeadline,
	}
	_, err := c.events.Append(ctx, ev, ex.CurrentState, upd)
	return err
}
