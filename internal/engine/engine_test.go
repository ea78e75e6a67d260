package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/internal/repository"
	"github.com/tallyworks/flowline/internal/retry"
	"github.com/tallyworks/flowline/internal/stream"
)

const approvalGraph = `[
  {"type": "event_wait", "name": "approval", "wait": {
    "events": ["approval.decided"],
    "task": {"task_type": "approve_request", "completion_event": "approval.decided"}
  }}
]`

func TestApprovalFlowLedger(t *testing.T) {
	h := newHarness()
	h.definitions.add("acme", "ApprovalFlow", approvalGraph)
	ctx := context.Background()

	ex, err := h.engine.StartExecution(ctx, "acme", "ApprovalFlow", "PO-42", map[string]any{"amount": 120}, "msg-start")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	if got := h.store.eventTypes(ex.ID); len(got) != 2 || got[0] != domain.EventStarted || got[1] != domain.EventTaskCreated {
		t.Fatalf("expected [started task_created], got %v", got)
	}
	if len(h.inbox.created) != 1 || h.inbox.created[0].TaskType != "approve_request" {
		t.Fatalf("expected one approve_request task, got %+v", h.inbox.created)
	}

	stored, _ := h.executions.FindByID(ctx, "acme", ex.ID)
	if stored.Status != domain.ExecutionActive {
		t.Fatalf("expected active while suspended, got %s", stored.Status)
	}
	if !stored.WaitEvents.Valid || !strings.Contains(stored.WaitEvents.String, "approval.decided") {
		t.Fatalf("wait events not armed: %+v", stored.WaitEvents)
	}

	msg := stream.Message{
		MessageID:   "msg-decided",
		Tenant:      "acme",
		ExecutionID: ex.ID,
		EventName:   "approval.decided",
		Payload:     `{"vars": {"approved": true}}`,
	}
	if err := h.engine.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	want := []string{domain.EventStarted, domain.EventTaskCreated, domain.EventTaskCompleted, domain.EventCompleted}
	got := h.store.eventTypes(ex.ID)
	if len(got) != len(want) {
		t.Fatalf("expected exactly %d ledger events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s (full: %v)", i, want[i], got[i], got)
		}
	}

	stored, _ = h.executions.FindByID(ctx, "acme", ex.ID)
	if stored.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.CurrentState != "end" {
		t.Fatalf("expected terminal cursor, got %q", stored.CurrentState)
	}
	if stored.WaitEvents.Valid {
		t.Fatalf("wait bookkeeping should be cleared, got %+v", stored.WaitEvents)
	}
	var vars map[string]any
	json.Unmarshal([]byte(stored.ContextData.String), &vars)
	if vars["approved"] != true {
		t.Fatalf("message vars not folded into context: %v", vars)
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	h := newHarness()
	h.definitions.add("acme", "ApprovalFlow", approvalGraph)
	ctx := context.Background()

	ex, err := h.engine.StartExecution(ctx, "acme", "ApprovalFlow", "", nil, "")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	msg := stream.Message{
		MessageID: "msg-1", Tenant: "acme", ExecutionID: ex.ID, EventName: "approval.decided",
	}
	if err := h.engine.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	before := len(h.store.eventsFor(ex.ID))

	// Same message again: the execution is terminal, nothing may change.
	if err := h.engine.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if after := len(h.store.eventsFor(ex.ID)); after != before {
		t.Fatalf("redelivery appended events: %d -> %d", before, after)
	}
}

func TestCrashBetweenArrivalAndCompletion(t *testing.T) {
	h := newHarness()
	h.definitions.add("acme", "ApprovalFlow", approvalGraph)
	ctx := context.Background()

	ex, err := h.engine.StartExecution(ctx, "acme", "ApprovalFlow", "", nil, "")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	// First delivery: the terminal append fails, as if the process died
	// mid-continuation.
	inner := &mockEventLedger{store: h.store}
	h.ledger.AppendFunc = func(ctx context.Context, ev *domain.WorkflowEvent, expectedState string, upd repository.ProjectionUpdate) (string, error) {
		if ev.EventType == domain.EventCompleted {
			return "", errors.New("connection reset")
		}
		return inner.Append(ctx, ev, expectedState, upd)
	}

	msg := stream.Message{MessageID: "msg-1", Tenant: "acme", ExecutionID: ex.ID, EventName: "approval.decided"}
	if err := h.engine.HandleMessage(ctx, msg); err == nil {
		t.Fatal("expected the interrupted continuation to error")
	}

	// Redelivery finds the message already applied and finishes the
	// deterministic continuation instead of re-applying it.
	h.ledger.AppendFunc = nil
	if err := h.engine.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	types := h.store.eventTypes(ex.ID)
	taskCompleted := 0
	for _, tp := range types {
		if tp == domain.EventTaskCompleted {
			taskCompleted++
		}
	}
	if taskCompleted != 1 {
		t.Fatalf("arrival event applied %d times: %v", taskCompleted, types)
	}
	stored, _ := h.executions.FindByID(ctx, "acme", ex.ID)
	if stored.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed after recovery, got %s", stored.Status)
	}
}

func TestUnawaitedEventIsDropped(t *testing.T) {
	h := newHarness()
	h.definitions.add("acme", "ApprovalFlow", approvalGraph)
	ctx := context.Background()

	ex, _ := h.engine.StartExecution(ctx, "acme", "ApprovalFlow", "", nil, "")
	before := len(h.store.eventsFor(ex.ID))

	msg := stream.Message{MessageID: "msg-x", Tenant: "acme", ExecutionID: ex.ID, EventName: "something.else"}
	if err := h.engine.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("expected drop without error, got %v", err)
	}
	if after := len(h.store.eventsFor(ex.ID)); after != before {
		t.Fatalf("unawaited event changed the ledger: %d -> %d", before, after)
	}
}

func TestPausedExecutionLeavesMessagePending(t *testing.T) {
	h := newHarness()
	h.definitions.add("acme", "ApprovalFlow", approvalGraph)
	ctx := context.Background()

	ex, _ := h.engine.StartExecution(ctx, "acme", "ApprovalFlow", "", nil, "")
	h.store.mu.Lock()
	h.store.executions[ex.ID].Status = domain.ExecutionPaused
	h.store.mu.Unlock()

	msg := stream.Message{MessageID: "msg-1", Tenant: "acme", ExecutionID: ex.ID, EventName: "approval.decided"}
	if err := h.engine.HandleMessage(ctx, msg); !errors.Is(err, ErrExecutionPaused) {
		t.Fatalf("expected ErrExecutionPaused, got %v", err)
	}
}

func TestWaitTimeoutEvent(t *testing.T) {
	h := newHarness()
	h.definitions.add("acme", "Timed", `[
	  {"type": "event_wait", "wait": {"events": ["reply"], "timeout": "2h"}},
	  {"type": "state_transition", "transition": {"set": {"timed_out": true}}}
	]`)
	ctx := context.Background()

	ex, err := h.engine.StartExecution(ctx, "acme", "Timed", "", nil, "")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	stored, _ := h.executions.FindByID(ctx, "acme", ex.ID)
	if !stored.WaitDeadline.Valid {
		t.Fatal("wait deadline was not armed")
	}
	wantDeadline := h.clock.Now().Add(2 * time.Hour)
	if !stored.WaitDeadline.Time.Equal(wantDeadline) {
		t.Fatalf("deadline %v, want %v", stored.WaitDeadline.Time, wantDeadline)
	}

	msg := stream.Message{MessageID: "msg-t", Tenant: "acme", ExecutionID: ex.ID, EventName: TimeoutEvent}
	if err := h.engine.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage(timeout): %v", err)
	}

	types := h.store.eventTypes(ex.ID)
	found := false
	for _, tp := range types {
		if tp == domain.EventTimeout {
			found = true
		}
	}
	if !found {
		t.Fatalf("no timeout event on the ledger: %v", types)
	}
	stored, _ = h.executions.FindByID(ctx, "acme", ex.ID)
	if stored.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed after timeout path, got %s", stored.Status)
	}
}

func TestTimeoutRejectedWithoutDeadline(t *testing.T) {
	h := newHarness()
	h.definitions.add("acme", "Forever", `[
	  {"type": "event_wait", "wait": {"events": ["reply"]}}
	]`)
	ctx := context.Background()

	ex, _ := h.engine.StartExecution(ctx, "acme", "Forever", "", nil, "")
	before := len(h.store.eventsFor(ex.ID))
	msg := stream.Message{MessageID: "msg-t", Tenant: "acme", ExecutionID: ex.ID, EventName: TimeoutEvent}
	if err := h.engine.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("expected drop, got %v", err)
	}
	if after := len(h.store.eventsFor(ex.ID)); after != before {
		t.Fatal("timeout without a deadline mutated the ledger")
	}
}

func TestActionConditionalAndLoop(t *testing.T) {
	h := newHarness()
	counted := 0
	h.actions.Register("count", func(ctx context.Context, args map[string]any) (any, error) {
		counted++
		return counted, nil
	})
	h.definitions.add("acme", "Looped", `[
	  {"type": "state_transition", "transition": {"set": {"limit": 3}}},
	  {"type": "loop", "loop": {"kind": "for", "count": 3, "body": [
	    {"type": "action", "action": {"handler": "count", "result_var": "n"}}
	  ]}},
	  {"type": "conditional", "conditional": {
	    "if": {"var": "n", "op": "gte", "value": 3},
	    "then": [{"type": "state_transition", "transition": {"set": {"verdict": "enough"}}}],
	    "else": [{"type": "state_transition", "transition": {"set": {"verdict": "short"}}}]
	  }}
	]`)
	ctx := context.Background()

	ex, err := h.engine.StartExecution(ctx, "acme", "Looped", "", nil, "")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if counted != 3 {
		t.Fatalf("loop body ran %d times, want 3", counted)
	}

	stored, _ := h.executions.FindByID(ctx, "acme", ex.ID)
	if stored.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	var vars map[string]any
	json.Unmarshal([]byte(stored.ContextData.String), &vars)
	if vars["verdict"] != "enough" {
		t.Fatalf("conditional took the wrong branch: %v", vars)
	}
	// The loop counter reset on exit so a later re-entry starts fresh.
	if n := vars[loopCounterPrefix+"1"]; n != float64(0) {
		t.Fatalf("loop counter not reset, got %v", n)
	}
}

func TestEmitPublishesBeforeJournal(t *testing.T) {
	h := newHarness()
	h.definitions.add("acme", "Emitter", `[
	  {"type": "event_emit", "emit": {"event": "order.shipped", "payload": {"key": "$business"}}}
	]`)
	ctx := context.Background()

	ex, err := h.engine.StartExecution(ctx, "acme", "Emitter", "", map[string]any{"business": "BK-1"}, "")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if len(h.streams.published) != 1 {
		t.Fatalf("expected one published message, got %d", len(h.streams.published))
	}
	msg := h.streams.published[0]
	if msg.EventName != "order.shipped" || msg.ExecutionID != ex.ID {
		t.Fatalf("unexpected published message %+v", msg)
	}
	var payload map[string]any
	json.Unmarshal([]byte(msg.Payload), &payload)
	if payload["key"] != "BK-1" || payload["source_execution_id"] != ex.ID {
		t.Fatalf("emit payload not resolved: %v", payload)
	}

	events := h.store.eventsFor(ex.ID)
	var emitted *domain.WorkflowEvent
	for i := range events {
		if events[i].EventType == domain.EventEmitted {
			emitted = &events[i]
		}
	}
	if emitted == nil {
		t.Fatalf("no emitted event on the ledger")
	}
	var evPayload map[string]any
	json.Unmarshal([]byte(emitted.Payload.String), &evPayload)
	if evPayload["published_message_id"] != msg.MessageID {
		t.Fatalf("ledger does not reference the published message: %v", evPayload)
	}
}

func TestGlobalEmitTargetsGlobalChannel(t *testing.T) {
	h := newHarness()
	h.definitions.add("acme", "Notifier", `[
	  {"type": "event_emit", "emit": {"event": "audit.done", "global": true}}
	]`)
	ctx := context.Background()

	if _, err := h.engine.StartExecution(ctx, "acme", "Notifier", "", nil, ""); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if got := h.streams.published[0].ExecutionID; got != stream.GlobalChannel {
		t.Fatalf("global emit targeted %q", got)
	}
}

func TestParallelBranchesMergeInOrder(t *testing.T) {
	h := newHarness()
	h.definitions.add("acme", "Fanout", `[
	  {"type": "parallel", "parallel": {"branches": [
	    [{"type": "state_transition", "transition": {"set": {"shared": "first", "a": 1}}}],
	    [{"type": "state_transition", "transition": {"set": {"shared": "second", "b": 2}}}]
	  ]}}
	]`)
	ctx := context.Background()

	ex, err := h.engine.StartExecution(ctx, "acme", "Fanout", "", nil, "")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	stored, _ := h.executions.FindByID(ctx, "acme", ex.ID)
	var vars map[string]any
	json.Unmarshal([]byte(stored.ContextData.String), &vars)
	if vars["a"] != float64(1) || vars["b"] != float64(2) {
		t.Fatalf("branch patches lost: %v", vars)
	}
	// Later branch wins on conflicting keys, deterministically.
	if vars["shared"] != "second" {
		t.Fatalf("merge order not deterministic: %v", vars)
	}
	types := h.store.eventTypes(ex.ID)
	if types[1] != domain.EventParallelCompleted {
		t.Fatalf("expected a single parallel_completed, got %v", types)
	}
}

func TestPermanentActionFailureFailsExecution(t *testing.T) {
	h := newHarness()
	h.actions.Register("explode", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, &retry.PermanentError{Err: errors.New("bad input")}
	})
	h.definitions.add("acme", "Fragile", `[
	  {"type": "action", "action": {"handler": "explode"}}
	]`)
	ctx := context.Background()

	ex, err := h.engine.StartExecution(ctx, "acme", "Fragile", "", nil, "")
	var pe *retry.PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	stored, _ := h.executions.FindByID(ctx, "acme", ex.ID)
	if stored.Status != domain.ExecutionFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	types := h.store.eventTypes(ex.ID)
	if types[len(types)-1] != domain.EventFailed {
		t.Fatalf("expected failed terminal event, got %v", types)
	}
}

func TestTransientActionFailurePropagatesForRetry(t *testing.T) {
	h := newHarness()
	h.actions.Register("flaky", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, &retry.TransientError{Err: errors.New("connection refused")}
	})
	h.definitions.add("acme", "Flaky", `[
	  {"type": "action", "action": {"handler": "flaky"}}
	]`)
	ctx := context.Background()

	ex, err := h.engine.StartExecution(ctx, "acme", "Flaky", "", nil, "")
	if err == nil {
		t.Fatal("expected the transient failure to propagate")
	}
	var pe *retry.PermanentError
	if errors.As(err, &pe) {
		t.Fatalf("transient failure misclassified as permanent: %v", err)
	}
	stored, _ := h.executions.FindByID(ctx, "acme", ex.ID)
	if stored.Status != domain.ExecutionActive {
		t.Fatalf("transient failure must not terminate the execution, got %s", stored.Status)
	}
}

func TestStartUnknownDefinitionIsPermanent(t *testing.T) {
	h := newHarness()
	_, err := h.engine.StartExecution(context.Background(), "acme", "Missing", "", nil, "")
	var pe *retry.PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("expected permanent error for unknown definition, got %v", err)
	}
}
