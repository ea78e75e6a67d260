package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/internal/repository"
	"github.com/tallyworks/flowline/internal/retry"
	"github.com/tallyworks/flowline/internal/stream"
	"github.com/tallyworks/flowline/pkg/flowline/graph"
)

// maxInlineIterations bounds loops executed inside a parallel branch, where
// no ledger append interleaves that would otherwise expose a runaway loop.
const maxInlineIterations = 10000

// run is the in-memory interpreter state for one advance pass. state tracks
// the last committed cursor and is the CAS expectation of the next append;
// patch accumulates context keys changed since that append.
type run struct {
	ex        *domain.WorkflowExecution
	nodes     []graph.Node
	vars      map[string]any
	patch     map[string]any
	cursor    graph.Cursor // nil = past the last node
	state     string
	waiting   bool
	messageID string
}

func (r *run) setVar(key string, value any) {
	r.vars[key] = value
	r.patch[key] = value
}

// advance runs the graph from the current cursor until the execution
// suspends at a wait, terminates, or a node fails. Control flow descent
// (conditionals, loop bounds) is deterministic from definition plus context
// and is not journaled; only meaningful transitions append ledger events.
func (e *Engine) advance(ctx context.Context, r *run) error {
	for {
		if r.cursor == nil {
			return e.complete(ctx, r)
		}
		node, err := graph.Resolve(r.nodes, r.cursor)
		if err != nil {
			return e.fail(ctx, r, err)
		}

		switch node.Type {
		case graph.NodeConditional:
			ok, err := node.Conditional.If.Eval(r.vars)
			if err != nil {
				return e.fail(ctx, r, err)
			}
			next, done, err := graph.EnterConditional(r.nodes, r.cursor, node.Conditional, ok)
			if err != nil {
				return e.fail(ctx, r, err)
			}
			r.cursor = cursorOrNil(next, done)

		case graph.NodeLoop:
			if err := e.stepLoop(r, node); err != nil {
				return e.fail(ctx, r, err)
			}

		case graph.NodeAction:
			if err := e.runAction(ctx, r, node); err != nil {
				return err
			}

		case graph.NodeStateTransition:
			for k, v := range node.Transition.Set {
				r.setVar(k, resolveValue(v, r.vars))
			}
			if err := e.journalStep(ctx, r, nodeEventName(node, "transition"), domain.EventTransitioned, nil); err != nil {
				return err
			}

		case graph.NodeEventEmit:
			if err := e.runEmit(ctx, r, node); err != nil {
				return err
			}

		case graph.NodeParallel:
			patch, err := e.execBranches(ctx, r.ex.Tenant, r.ex.ID, node.Parallel, r.vars)
			if err != nil {
				return e.failOrRetry(ctx, r, err)
			}
			for k, v := range patch {
				r.setVar(k, v)
			}
			if err := e.journalStep(ctx, r, nodeEventName(node, "parallel"), domain.EventParallelCompleted, nil); err != nil {
				return err
			}

		case graph.NodeEventWait:
			if r.waiting {
				// Already suspended here; nothing to do until an awaited
				// event arrives.
				return nil
			}
			return e.enterWait(ctx, r, node)

		default:
			return e.fail(ctx, r, fmt.Errorf("unknown node type %q at %s", node.Type, r.cursor))
		}
	}
}

// journalStep appends an event for the node at the cursor and moves the
// cursor to its successor.
func (e *Engine) journalStep(ctx context.Context, r *run, eventName, eventType string, extra map[string]any) error {
	next, done, err := graph.Successor(r.nodes, r.cursor)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	toState := graph.CursorEnd
	if !done {
		toState = next.String()
	}
	if err := e.journal(ctx, r, eventName, eventType, toState, extra, projectionFor(r)); err != nil {
		return err
	}
	r.cursor = cursorOrNil(next, done)
	return nil
}

func (e *Engine) runAction(ctx context.Context, r *run, node *graph.Node) error {
	fn, err := e.actions.Lookup(node.Action.Handler)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	args := resolveArgs(node.Action.Args, r.vars)
	result, err := fn(ctx, args)
	if err != nil {
		return e.failOrRetry(ctx, r, fmt.Errorf("action %q: %w", node.Action.Handler, err))
	}
	extra := map[string]any{"handler": node.Action.Handler}
	if node.Action.ResultVar != "" {
		r.setVar(node.Action.ResultVar, result)
	}
	return e.journalStep(ctx, r, nodeEventName(node, node.Action.Handler), domain.EventActionCompleted, extra)
}

// runEmit publishes before journaling: a crash in between means the emit is
// re-published on redelivery rather than lost, matching the transport's
// at-least-once contract.
func (e *Engine) runEmit(ctx context.Context, r *run, node *graph.Node) error {
	msg, err := e.buildEmit(r.ex.Tenant, r.ex.ID, node.Emit, r.vars)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	if _, err := e.streams.Publish(ctx, msg); err != nil {
		return err
	}
	extra := map[string]any{"event": node.Emit.Event, "published_message_id": msg.MessageID}
	return e.journalStep(ctx, r, node.Emit.Event, domain.EventEmitted, extra)
}

func (e *Engine) buildEmit(tenant, executionID string, emit *graph.EventEmitNode, vars map[string]any) (stream.Message, error) {
	payload := map[string]any{
		"source_execution_id": executionID,
	}
	resolved := resolveArgs(emit.Payload, vars)
	for k, v := range resolved {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return stream.Message{}, fmt.Errorf("marshal emit payload for %q: %w", emit.Event, err)
	}
	target := executionID
	if emit.Global {
		target = stream.GlobalChannel
	}
	return stream.Message{
		MessageID:   uuid.New().String(),
		Tenant:      tenant,
		ExecutionID: target,
		EventName:   emit.Event,
		Payload:     string(b),
		EmittedAt:   e.clock.Now(),
	}, nil
}

// enterWait suspends the execution at the wait node: arm the wait
// bookkeeping, create the inbox task when the node describes one, and append
// the suspension event with the cursor parked on the wait itself.
func (e *Engine) enterWait(ctx context.Context, r *run, node *graph.Node) error {
	wait := node.Wait
	eventType := domain.EventWaitStarted
	eventName := nodeEventName(node, "wait")
	extra := map[string]any{"wait_events": wait.Events}

	if wait.Task != nil {
		contextJSON := ""
		if s := marshalVars(r.vars); s.Valid {
			contextJSON = s.String
		}
		task, err := e.inbox.CreateForWait(ctx, r.ex.Tenant, r.ex.ID, wait.Task, contextJSON)
		if err != nil {
			return e.failOrRetry(ctx, r, err)
		}
		eventType = domain.EventTaskCreated
		eventName = wait.Task.TaskType
		extra["task_id"] = task.ID
	}

	waitEvents, _ := json.Marshal(wait.Events)
	upd := repository.ProjectionUpdate{
		ContextData: marshalVars(r.vars),
		WaitEvents:  sql.NullString{String: string(waitEvents), Valid: true},
	}
	if d, err := wait.TimeoutDuration(); err == nil && d > 0 {
		upd.WaitDeadline = sql.NullTime{Time: e.clock.Now().Add(d), Valid: true}
	}
	if err := e.journal(ctx, r, eventName, eventType, r.cursor.String(), extra, upd); err != nil {
		return err
	}
	r.waiting = true
	slog.InfoContext(ctx, "Execution suspended at wait",
		"execution_id", r.ex.ID, "cursor", r.state, "events", wait.Events)
	return nil
}

// stepLoop evaluates the loop at the cursor. The iteration counter lives in
// execution context under a reserved key so it survives crashes with the
// rest of the context; it resets on loop exit so a later re-entry starts
// fresh.
func (e *Engine) stepLoop(r *run, node *graph.Node) error {
	l := node.Loop
	key := loopCounterPrefix + r.cursor.String()
	n := intVar(r.vars[key])

	enter := false
	switch l.Kind {
	case graph.LoopFor:
		enter = n < l.Count
	case graph.LoopWhile:
		ok, err := l.While.Eval(r.vars)
		if err != nil {
			return err
		}
		enter = ok
	case graph.LoopDoWhile:
		if n == 0 {
			enter = true
		} else {
			ok, err := l.While.Eval(r.vars)
			if err != nil {
				return err
			}
			enter = ok
		}
	default:
		return fmt.Errorf("unknown loop kind %q at %s", l.Kind, r.cursor)
	}

	if enter {
		r.setVar(key, n+1)
		r.cursor = graph.EnterLoop(r.cursor)
		return nil
	}
	r.setVar(key, 0)
	next, done, err := graph.Successor(r.nodes, r.cursor)
	if err != nil {
		return err
	}
	r.cursor = cursorOrNil(next, done)
	return nil
}

// execBranches runs the branches of a parallel node concurrently, each
// against its own copy of the context, and merges the branch patches in
// branch order so the result is deterministic. join=all collects every
// branch error; join=first_error cancels the remaining branches as soon as
// one fails.
func (e *Engine) execBranches(ctx context.Context, tenant, executionID string, p *graph.ParallelNode, base map[string]any) (map[string]any, error) {
	branchCtx := ctx
	cancel := func() {}
	if p.Join == graph.JoinFirstError {
		branchCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	patches := make([]map[string]any, len(p.Branches))
	errs := make([]error, len(p.Branches))
	var wg sync.WaitGroup
	for i := range p.Branches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vars := copyVars(base)
			patch := map[string]any{}
			if err := e.runInline(branchCtx, tenant, executionID, p.Branches[i], vars, patch); err != nil {
				errs[i] = fmt.Errorf("branch %d: %w", i, err)
				if p.Join == graph.JoinFirstError {
					cancel()
				}
				return
			}
			patches[i] = patch
		}(i)
	}
	wg.Wait()

	var joined *multierror.Error
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			joined = multierror.Append(joined, err)
		}
	}
	if err := joined.ErrorOrNil(); err != nil {
		return nil, err
	}

	merged := map[string]any{}
	for _, patch := range patches {
		for k, v := range patch {
			merged[k] = v
		}
	}
	return merged, nil
}

// runInline interprets a node sequence inside a parallel branch: same
// semantics as the main loop minus journaling and waits (waits are rejected
// at validation time).
func (e *Engine) runInline(ctx context.Context, tenant, executionID string, seq []graph.Node, vars, patch map[string]any) error {
	for i := range seq {
		if err := ctx.Err(); err != nil {
			return err
		}
		node := &seq[i]
		switch node.Type {
		case graph.NodeAction:
			fn, err := e.actions.Lookup(node.Action.Handler)
			if err != nil {
				return err
			}
			result, err := fn(ctx, resolveArgs(node.Action.Args, vars))
			if err != nil {
				return fmt.Errorf("action %q: %w", node.Action.Handler, err)
			}
			if node.Action.ResultVar != "" {
				vars[node.Action.ResultVar] = result
				patch[node.Action.ResultVar] = result
			}
		case graph.NodeStateTransition:
			for k, v := range node.Transition.Set {
				resolved := resolveValue(v, vars)
				vars[k] = resolved
				patch[k] = resolved
			}
		case graph.NodeEventEmit:
			msg, err := e.buildEmit(tenant, executionID, node.Emit, vars)
			if err != nil {
				return err
			}
			if _, err := e.streams.Publish(ctx, msg); err != nil {
				return err
			}
		case graph.NodeConditional:
			ok, err := node.Conditional.If.Eval(vars)
			if err != nil {
				return err
			}
			branch := node.Conditional.Else
			if ok {
				branch = node.Conditional.Then
			}
			if err := e.runInline(ctx, tenant, executionID, branch, vars, patch); err != nil {
				return err
			}
		case graph.NodeLoop:
			if err := e.runInlineLoop(ctx, tenant, executionID, node.Loop, vars, patch); err != nil {
				return err
			}
		case graph.NodeParallel:
			nested, err := e.execBranches(ctx, tenant, executionID, node.Parallel, vars)
			if err != nil {
				return err
			}
			for k, v := range nested {
				vars[k] = v
				patch[k] = v
			}
		default:
			return fmt.Errorf("node type %q not allowed inside parallel", node.Type)
		}
	}
	return nil
}

func (e *Engine) runInlineLoop(ctx context.Context, tenant, executionID string, l *graph.LoopNode, vars, patch map[string]any) error {
	for n := 0; ; n++ {
		if n >= maxInlineIterations {
			return fmt.Errorf("loop exceeded %d iterations", maxInlineIterations)
		}
		switch l.Kind {
		case graph.LoopFor:
			if n >= l.Count {
				return nil
			}
		case graph.LoopWhile:
			ok, err := l.While.Eval(vars)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		case graph.LoopDoWhile:
			if n > 0 {
				ok, err := l.While.Eval(vars)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
		default:
			return fmt.Errorf("unknown loop kind %q", l.Kind)
		}
		if err := e.runInline(ctx, tenant, executionID, l.Body, vars, patch); err != nil {
			return err
		}
	}
}

// complete appends the terminal completed event.
func (e *Engine) complete(ctx context.Context, r *run) error {
	upd := projectionFor(r)
	upd.Status = domain.ExecutionCompleted
	if err := e.journal(ctx, r, domain.EventCompleted, domain.EventCompleted, graph.CursorEnd, nil, upd); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Execution completed", "execution_id", r.ex.ID, "tenant", r.ex.Tenant)
	return nil
}

// failOrRetry classifies a node failure: permanent errors terminate the
// execution as failed (and the caller routes the message to the DLQ);
// anything else propagates unchanged so the consumer retries the message and
// the advance resumes from the last committed event.
func (e *Engine) failOrRetry(ctx context.Context, r *run, cause error) error {
	cls := retry.Classify(cause, 0, e.policy)
	if cls.Category == retry.CategoryPermanent {
		return e.fail(ctx, r, cause)
	}
	return cause
}

// fail terminates the execution as failed with the cause on the ledger.
func (e *Engine) fail(ctx context.Context, r *run, cause error) error {
	slog.ErrorContext(ctx, "Execution failed",
		"execution_id", r.ex.ID, "cursor", r.state, "error", cause)
	upd := projectionFor(r)
	upd.Status = domain.ExecutionFailed
	extra := map[string]any{"error": cause.Error()}
	if err := e.journal(ctx, r, domain.EventError, domain.EventFailed, r.state, extra, upd); err != nil {
		return err
	}
	return &retry.PermanentError{Err: cause}
}

func nodeEventName(node *graph.Node, fallback string) string {
	if node.Name != "" {
		return node.Name
	}
	return fallback
}

func cursorOrNil(c graph.Cursor, done bool) graph.Cursor {
	if done {
		return nil
	}
	return c
}

// resolveValue substitutes "$name" strings with the named context variable;
// anything else passes through as a literal.
func resolveValue(v any, vars map[string]any) any {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return v
	}
	if resolved, ok := vars[s[1:]]; ok {
		return resolved
	}
	return nil
}

func resolveArgs(args map[string]any, vars map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = resolveValue(v, vars)
	}
	return out
}

func intVar(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
