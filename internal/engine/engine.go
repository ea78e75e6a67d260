package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/internal/repository"
	"github.com/tallyworks/flowline/internal/retry"
	"github.com/tallyworks/flowline/internal/stream"
	"github.com/tallyworks/flowline/pkg/flowline/core"
	"github.com/tallyworks/flowline/pkg/flowline/graph"
)

// TimeoutEvent is the reserved event name the sweeper synthesizes when an
// EventWait deadline expires. The engine treats it like any awaited event, so
// there is no separate timeout code path past the wait node.
const TimeoutEvent = "flowline.timeout"

// loopCounterPrefix namespaces the per-loop iteration counters the
// interpreter keeps inside execution context.
const loopCounterPrefix = "flowline.loop."

// ErrExecutionPaused tells the consumer to leave the message pending: a
// paused execution neither processes nor loses messages, they redeliver once
// it resumes.
var ErrExecutionPaused = errors.New("execution is paused")

// Engine interprets workflow definitions against execution state. It is
// single threaded per execution: the transport partitions messages by
// execution stream, and the event store CAS rejects the losing writer if that
// assumption is ever violated.
type Engine struct {
	executions  ExecutionRepo
	events      EventLedger
	definitions DefinitionRepo
	inbox       Inbox
	streams     StreamClient
	actions     *ActionRegistry
	clock       core.Clock
	policy      retry.Policy
}

func NewEngine(executions ExecutionRepo, events EventLedger, definitions DefinitionRepo,
	inbox Inbox, streams StreamClient, actions *ActionRegistry, clock core.Clock, policy retry.Policy) *Engine {
	return &Engine{
		executions:  executions,
		events:      events,
		definitions: definitions,
		inbox:       inbox,
		streams:     streams,
		actions:     actions,
		clock:       clock,
		policy:      policy,
	}
}

// StartExecution creates an execution of the latest published version of a
// definition, appends the started ledger event and runs the graph until it
// suspends or terminates. messageID is the triggering stream message, kept on
// the started event for idempotent redelivery.
func (e *Engine) StartExecution(ctx context.Context, tenant, definitionName, businessKey string,
	vars map[string]any, messageID string) (*domain.WorkflowExecution, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	def, err := e.definitions.FindLatest(ctx, tenant, definitionName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &retry.PermanentError{Err: err}
		}
		return nil, err
	}
	nodes, err := graph.Parse([]byte(def.Graph))
	if err != nil {
		return nil, &retry.PermanentError{Err: fmt.Errorf("definition %s v%d: %w", def.Name, def.Version, err)}
	}
	if vars == nil {
		vars = map[string]any{}
	}

	start := graph.Start()
	ex := &domain.WorkflowExecution{
		ID:                uuid.New().String(),
		Tenant:            tenant,
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		Status:            domain.ExecutionActive,
		CurrentState:      start.String(),
		ContextData:       marshalVars(vars),
		BusinessKey:       sql.NullString{String: businessKey, Valid: businessKey != ""},
		Created:           e.clock.Now(),
	}
	if err := e.executions.Save(ctx, ex); err != nil {
		return nil, err
	}

	r := &run{ex: ex, nodes: nodes, vars: vars, patch: copyVars(vars), cursor: start, state: start.String(), messageID: messageID}
	if err := e.journal(ctx, r, domain.EventStarted, domain.EventStarted, start.String(), nil, projectionFor(r)); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Started execution",
		"execution_id", ex.ID, "tenant", tenant, "definition", def.Name, "version", def.Version)

	if err := e.advance(ctx, r); err != nil {
		return ex, err
	}
	return ex, nil
}

// HandleMessage applies one stream message to its execution: delivery of an
// awaited event resumes the suspended graph, a redelivered message that is
// already in the ledger only resumes the deterministic continuation, and
// messages for terminal executions are dropped.
func (e *Engine) HandleMessage(ctx context.Context, msg stream.Message) error {
	ex, err := e.executions.FindByID(ctx, msg.Tenant, msg.ExecutionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &retry.PermanentError{Err: err}
		}
		return err
	}
	if domain.IsTerminalStatus(ex.Status) {
		slog.InfoContext(ctx, "Dropping message for terminal execution",
			"execution_id", ex.ID, "status", ex.Status, "event", msg.EventName)
		return nil
	}
	if ex.Status == domain.ExecutionPaused {
		return ErrExecutionPaused
	}

	if msg.MessageID != "" {
		applied, err := e.events.HasMessage(ctx, msg.Tenant, msg.ExecutionID, msg.MessageID)
		if err != nil {
			return err
		}
		if applied {
			slog.InfoContext(ctx, "Message already applied, resuming continuation",
				"execution_id", ex.ID, "message_id", msg.MessageID)
			return e.Resume(ctx, ex)
		}
	}

	r, err := e.newRun(ex)
	if err != nil {
		return err
	}
	if r.cursor == nil {
		// Ledger already ran past the end; nothing left to apply.
		return nil
	}
	node, err := graph.Resolve(r.nodes, r.cursor)
	if err != nil {
		return &retry.PermanentError{Err: err}
	}
	if node.Type != graph.NodeEventWait || !awaited(ex, msg.EventName) {
		slog.WarnContext(ctx, "Dropping unawaited event",
			"execution_id", ex.ID, "event", msg.EventName, "cursor", r.state)
		return nil
	}
	if err := e.applyArrival(ctx, r, node.Wait, msg); err != nil {
		return err
	}
	return e.advance(ctx, r)
}

// Resume continues an execution from its projection: a no-op while suspended
// at a wait, otherwise it picks the deterministic continuation back up. Used
// after redelivery, unpause and crash recovery.
func (e *Engine) Resume(ctx context.Context, ex *domain.WorkflowExecution) error {
	if domain.IsTerminalStatus(ex.Status) || ex.Status == domain.ExecutionPaused {
		return nil
	}
	r, err := e.newRun(ex)
	if err != nil {
		return err
	}
	return e.advance(ctx, r)
}

// applyArrival journals the awaited event: the cursor moves past the wait
// node, the wait bookkeeping clears, and the message payload folds into
// context.
func (e *Engine) applyArrival(ctx context.Context, r *run, wait *graph.EventWaitNode, msg stream.Message) error {
	payload := map[string]any{}
	if msg.Payload != "" {
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			return &retry.PermanentError{Err: fmt.Errorf("malformed payload on event %q: %w", msg.EventName, err)}
		}
	}
	if wait.CaptureVar != "" {
		r.setVar(wait.CaptureVar, payload)
	}
	if vars, ok := payload["vars"].(map[string]any); ok {
		for k, v := range vars {
			r.setVar(k, v)
		}
	}

	eventType := domain.EventReceived
	switch {
	case msg.EventName == TimeoutEvent:
		eventType = domain.EventTimeout
	case wait.Task != nil && msg.EventName == wait.Task.CompletionEvent:
		eventType = domain.EventTaskCompleted
	}

	next, done, err := graph.Successor(r.nodes, r.cursor)
	if err != nil {
		return &retry.PermanentError{Err: err}
	}
	toState := graph.CursorEnd
	if !done {
		toState = next.String()
	}
	r.messageID = msg.MessageID
	if err := e.journal(ctx, r, msg.EventName, eventType, toState, nil, projectionFor(r)); err != nil {
		return err
	}
	r.messageID = ""
	r.waiting = false
	if done {
		r.cursor = nil
	} else {
		r.cursor = next
	}
	return nil
}

// newRun rebuilds interpreter state from the execution projection. The
// projection is itself a fold of the ledger, so this is equivalent to a full
// replay without rereading every event.
func (e *Engine) newRun(ex *domain.WorkflowExecution) (*run, error) {
	def, err := e.definitions.FindByNameVersion(context.Background(), ex.Tenant, ex.DefinitionName, ex.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	nodes, err := graph.Parse([]byte(def.Graph))
	if err != nil {
		return nil, &retry.PermanentError{Err: err}
	}
	vars := map[string]any{}
	if ex.ContextData.Valid && ex.ContextData.String != "" {
		if err := json.Unmarshal([]byte(ex.ContextData.String), &vars); err != nil {
			return nil, &retry.PermanentError{Err: fmt.Errorf("execution %s has malformed context: %w", ex.ID, err)}
		}
	}
	cursor, err := graph.ParseCursor(ex.CurrentState)
	if err != nil {
		return nil, &retry.PermanentError{Err: err}
	}
	return &run{
		ex:      ex,
		nodes:   nodes,
		vars:    vars,
		patch:   map[string]any{},
		cursor:  cursor,
		state:   ex.CurrentState,
		waiting: ex.WaitEvents.Valid && ex.WaitEvents.String != "",
	}, nil
}

// journal appends one ledger event with the accumulated context patch and
// advances the run's committed position. ErrConcurrentModification surfaces
// unchanged; the classifier treats it as recoverable.
func (e *Engine) journal(ctx context.Context, r *run, eventName, eventType, toState string,
	extra map[string]any, upd repository.ProjectionUpdate) error {
	payload := map[string]any{}
	for k, v := range extra {
		payload[k] = v
	}
	if len(r.patch) > 0 {
		payload["vars"] = r.patch
	}
	var payloadJSON sql.NullString
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(b), Valid: true}
	}
	// v7 ids are time-ordered, so the ledger's (created, id) sort stays
	// stable when two events share a timestamp.
	ev := &domain.WorkflowEvent{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ExecutionID: r.ex.ID,
		Tenant:      r.ex.Tenant,
		EventName:   eventName,
		EventType:   eventType,
		FromState:   r.state,
		ToState:     toState,
		Payload:     payloadJSON,
		MessageID:   sql.NullString{String: r.messageID, Valid: r.messageID != ""},
		Created:     e.clock.Now(),
	}
	if _, err := e.events.Append(ctx, ev, r.state, upd); err != nil {
		return err
	}
	r.state = toState
	r.ex.CurrentState = toState
	if upd.Status != "" {
		r.ex.Status = upd.Status
	}
	r.ex.ContextData = upd.ContextData
	r.ex.WaitEvents = upd.WaitEvents
	r.ex.WaitDeadline = upd.WaitDeadline
	r.patch = map[string]any{}
	return nil
}

// awaited reports whether the suspended execution is waiting for eventName.
// The reserved timeout event is accepted whenever a deadline was armed.
func awaited(ex *domain.WorkflowExecution, eventName string) bool {
	if !ex.WaitEvents.Valid || ex.WaitEvents.String == "" {
		return false
	}
	if eventName == TimeoutEvent {
		return ex.WaitDeadline.Valid
	}
	var events []string
	if err := json.Unmarshal([]byte(ex.WaitEvents.String), &events); err != nil {
		return false
	}
	for _, name := range events {
		if name == eventName {
			return true
		}
	}
	return false
}

// projectionFor builds the projection update for a normal (non waiting)
// journal append: context synced, wait bookkeeping clear.
func projectionFor(r *run) repository.ProjectionUpdate {
	return repository.ProjectionUpdate{ContextData: marshalVars(r.vars)}
}

func marshalVars(vars map[string]any) sql.NullString {
	if len(vars) == 0 {
		return sql.NullString{String: "{}", Valid: true}
	}
	b, _ := json.Marshal(vars)
	return sql.NullString{String: string(b), Valid: true}
}

func copyVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
