package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/pkg/flowline/core"
)

const EVENT_COLUMNS = ` id, execution_id, tenant, event_name, event_type,
		       from_state, to_state, payload, user_id, message_id, created `

// EventStore appends to the immutable workflow_events ledger and keeps the
// workflow_executions projection in the same transaction. The ledger is the
// source of truth; the projection row is a cache and the two never diverge.
type EventStore struct {
	db    *sql.DB
	clock core.Clock
}

func NewEventStore(db *sql.DB, clock core.Clock) *EventStore {
	return &EventStore{db: db, clock: clock}
}

// ProjectionUpdate carries the projection changes committed together with an
// appended event.
type ProjectionUpdate struct {
	Status       string // empty = keep current status
	ContextData  sql.NullString
	WaitEvents   sql.NullString
	WaitDeadline sql.NullTime
}

// Append inserts one ledger event and advances the execution projection,
// guarded by an optimistic check on the projection's current cursor and on
// the status still being non-terminal. When the cursor moved since the caller
// read it, or the execution reached a terminal status meanwhile (lifecycle
// events keep the cursor in place, so a cancel does not move it), the
// transaction rolls back with ErrConcurrentModification; the caller must
// re-read and retry.
func (s *EventStore) Append(ctx context.Context, ev *domain.WorkflowEvent, expectedState string, upd ProjectionUpdate) (string, error) {
	if ev.Tenant == "" {
		return "", domain.ErrMissingTenant
	}
	if ev.Created.IsZero() {
		ev.Created = s.clock.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	vals := []interface{}{ev.ID, ev.ExecutionID, ev.Tenant, ev.EventName, ev.EventType,
		ev.FromState, ev.ToState, ev.Payload, ev.UserID, ev.MessageID, formatDateInDatabase(ev.Created)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	insert := `INSERT INTO workflow_events (
		id, execution_id, tenant, event_name, event_type,
		from_state, to_state, payload, user_id, message_id, created
	) VALUES (` + strings.Join(pps, ", ") + `)`
	if _, err := tx.ExecContext(ctx, insert, vals...); err != nil {
		return "", err
	}

	set := []string{
		"current_state = " + placeholder(1),
		"context_data = " + placeholder(2),
		"wait_events = " + placeholder(3),
		"wait_deadline = " + placeholder(4),
		"modified = " + nowFunc(s.clock),
	}
	args := []interface{}{ev.ToState, upd.ContextData, upd.WaitEvents, formatDateInDatabaseNull(upd.WaitDeadline)}
	if upd.Status != "" {
		args = append(args, upd.Status)
		set = append(set, "status = "+placeholder(len(args)))
	}
	args = append(args, ev.Tenant, ev.ExecutionID, expectedState)
	update := `
		UPDATE workflow_executions
		SET ` + strings.Join(set, ", ") + `
		WHERE tenant = ` + placeholder(len(args)-2) + `
		  AND id = ` + placeholder(len(args)-1) + `
		  AND current_state = ` + placeholder(len(args)) + `
		  AND status IN ('` + domain.ExecutionActive + `', '` + domain.ExecutionPaused + `')
	`
	result, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return "", err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected != 1 {
		slog.WarnContext(ctx, "Concurrent modification on event append",
			"execution_id", ev.ExecutionID, "expected_state", expectedState, "event_type", ev.EventType)
		return "", domain.ErrConcurrentModification
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// Replay walks the execution's ledger in order, in batches, invoking fn per
// event. It is restartable: pass the created stamp and id of the last event
// already seen to resume mid-stream.
func (s *EventStore) Replay(ctx context.Context, tenant, executionID string, fn func(*domain.WorkflowEvent) error) error {
	if tenant == "" {
		return domain.ErrMissingTenant
	}
	const batch = 200
	var afterCreated string
	var afterID string
	for {
		query := `
			SELECT ` + EVENT_COLUMNS + `
			FROM workflow_events
			WHERE tenant = ` + placeholder(1) + ` AND execution_id = ` + placeholder(2) + `
		`
		args := []interface{}{tenant, executionID}
		if afterID != "" {
			args = append(args, afterCreated, afterCreated, afterID)
			query += ` AND (created > ` + placeholder(3) + ` OR (created = ` + placeholder(4) + ` AND id > ` + placeholder(5) + `))`
		}
		query += `
			ORDER BY created ASC, id ASC
			LIMIT ` + fmt.Sprint(batch)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n := 0
		for rows.Next() {
			var ev domain.WorkflowEvent
			if err := rows.Scan(
				&ev.ID,
				&ev.ExecutionID,
				&ev.Tenant,
				&ev.EventName,
				&ev.EventType,
				&ev.FromState,
				&ev.ToState,
				&ev.Payload,
				&ev.UserID,
				&ev.MessageID,
				&ev.Created,
			); err != nil {
				rows.Close()
				return err
			}
			if err := fn(&ev); err != nil {
				rows.Close()
				return err
			}
			afterCreated = formatDateInDatabase(ev.Created)
			afterID = ev.ID
			n++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if n < batch {
			return nil
		}
	}
}

// ReplayedState is the deterministic fold of a full ledger replay.
type ReplayedState struct {
	CurrentState string
	Status       string
	Context      map[string]any
	EventCount   int
}

// ReplayState rebuilds cursor, status and context from the ledger alone. It is
// the recovery path after a crash and the check behind replay determinism.
func (s *EventStore) ReplayState(ctx context.Context, tenant, executionID string) (*ReplayedState, error) {
	state := &ReplayedState{Status: domain.ExecutionActive, Context: map[string]any{}}
	err := s.Replay(ctx, tenant, executionID, func(ev *domain.WorkflowEvent) error {
		state.CurrentState = ev.ToState
		state.EventCount++
		switch ev.EventType {
		case domain.EventCompleted:
			state.Status = domain.ExecutionCompleted
		case domain.EventFailed:
			state.Status = domain.ExecutionFailed
		case domain.EventCancelled:
			state.Status = domain.ExecutionCancelled
		case domain.EventPaused:
			state.Status = domain.ExecutionPaused
		case domain.EventResumed, domain.EventStarted:
			state.Status = domain.ExecutionActive
		}
		if !ev.Payload.Valid || ev.Payload.String == "" {
			return nil
		}
		var payload struct {
			Vars map[string]any `json:"vars"`
		}
		if err := json.Unmarshal([]byte(ev.Payload.String), &payload); err != nil {
			return fmt.Errorf("ledger event %s has malformed payload: %w", ev.ID, err)
		}
		for k, v := range payload.Vars {
			state.Context[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// HasMessage reports whether a stream message was already applied to this
// execution, making re-delivery idempotent.
func (s *EventStore) HasMessage(ctx context.Context, tenant, executionID, messageID string) (bool, error) {
	if tenant == "" {
		return false, domain.ErrMissingTenant
	}
	query := `
		SELECT 1 FROM workflow_events
		WHERE tenant = ` + placeholder(1) + ` AND execution_id = ` + placeholder(2) + ` AND message_id = ` + placeholder(3) + `
		LIMIT 1
	`
	var one int
	err := s.db.QueryRowContext(ctx, query, tenant, executionID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MessageAppliedToDefinition reports whether a stream message already
// produced a ledger event in an execution of the given definition. The
// trigger router checks per bound definition, so a redelivery after a partial
// fan-out starts only the bindings that are still missing.
func (s *EventStore) MessageAppliedToDefinition(ctx context.Context, tenant, messageID, definitionName string) (bool, error) {
	if tenant == "" {
		return false, domain.ErrMissingTenant
	}
	query := `
		SELECT 1 FROM workflow_events e
		JOIN workflow_executions x ON x.tenant = e.tenant AND x.id = e.execution_id
		WHERE e.tenant = ` + placeholder(1) + ` AND e.message_id = ` + placeholder(2) + `
		  AND x.definition_name = ` + placeholder(3) + `
		LIMIT 1
	`
	var one int
	err := s.db.QueryRowContext(ctx, query, tenant, messageID, definitionName).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListEvents returns the ledger slice for the read API, newest last.
func (s *EventStore) ListEvents(ctx context.Context, tenant, executionID string, limit int) (*[]domain.WorkflowEvent, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + EVENT_COLUMNS + `
		FROM workflow_events
		WHERE tenant = ` + placeholder(1) + ` AND execution_id = ` + placeholder(2) + `
		ORDER BY created ASC, id ASC
		LIMIT ` + placeholder(3)
	rows, err := s.db.QueryContext(ctx, query, tenant, executionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.WorkflowEvent
	for rows.Next() {
		var ev domain.WorkflowEvent
		if err := rows.Scan(
			&ev.ID,
			&ev.ExecutionID,
			&ev.Tenant,
			&ev.EventName,
			&ev.EventType,
			&ev.FromState,
			&ev.ToState,
			&ev.Payload,
			&ev.UserID,
			&ev.MessageID,
			&ev.Created,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return &events, nil
}
