package graph

import (
	"fmt"
)

// Validate checks a definition graph before it is published. It enforces the
// structural invariants the interpreter relies on: populated variant payloads,
// known loop kinds, resolvable conditions and no EventWait inside a Parallel
// block (branches run on one worker and must not suspend).
func Validate(nodes []Node) error {
	if len(nodes) == 0 {
		return fmt.Errorf("workflow graph has no nodes")
	}
	return validateSeq(nodes, "", false)
}

func validateSeq(nodes []Node, path string, insideParallel bool) error {
	for i := range nodes {
		n := &nodes[i]
		at := fmt.Sprintf("%s[%d]", path, i)
		if n.Name != "" {
			at = fmt.Sprintf("%s(%s)", at, n.Name)
		}
		v, err := n.variant()
		if err != nil {
			return fmt.Errorf("%s: %w", at, err)
		}
		switch node := v.(type) {
		case *ActionNode:
			if node.Handler == "" {
				return fmt.Errorf("%s: action handler name is required", at)
			}
		case *StateTransitionNode:
			if len(node.Set) == 0 {
				return fmt.Errorf("%s: state transition sets no variables", at)
			}
		case *EventWaitNode:
			if insideParallel {
				return fmt.Errorf("%s: event_wait is not allowed inside a parallel block", at)
			}
			if len(node.Events) == 0 {
				return fmt.Errorf("%s: event_wait needs at least one event name", at)
			}
			if _, err := node.TimeoutDuration(); err != nil {
				return fmt.Errorf("%s: invalid timeout: %w", at, err)
			}
			if t := node.Task; t != nil {
				if t.TaskType == "" {
					return fmt.Errorf("%s: task spec needs a task_type", at)
				}
				if t.CompletionEvent == "" {
					return fmt.Errorf("%s: task spec needs a completion_event", at)
				}
				found := false
				for _, e := range node.Events {
					if e == t.CompletionEvent {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("%s: completion_event %q is not among the awaited events", at, t.CompletionEvent)
				}
			}
		case *EventEmitNode:
			if node.Event == "" {
				return fmt.Errorf("%s: emit needs an event name", at)
			}
		case *ConditionalNode:
			if err := node.If.validate(at + ".if"); err != nil {
				return err
			}
			if len(node.Then) == 0 && len(node.Else) == 0 {
				return fmt.Errorf("%s: conditional has no branches", at)
			}
			if err := validateSeq(node.Then, at+".then", insideParallel); err != nil {
				return err
			}
			if err := validateSeq(node.Else, at+".else", insideParallel); err != nil {
				return err
			}
		case *LoopNode:
			switch node.Kind {
			case LoopFor:
				if node.Count <= 0 {
					return fmt.Errorf("%s: for loop needs a positive count", at)
				}
			case LoopWhile, LoopDoWhile:
				if node.While == nil {
					return fmt.Errorf("%s: %s loop needs a condition", at, node.Kind)
				}
				if err := node.While.validate(at + ".while"); err != nil {
					return err
				}
			default:
				return fmt.Errorf("%s: unknown loop kind %q", at, node.Kind)
			}
			if len(node.Body) == 0 {
				return fmt.Errorf("%s: loop body is empty", at)
			}
			if err := validateSeq(node.Body, at+".body", insideParallel); err != nil {
				return err
			}
		case *ParallelNode:
			if len(node.Branches) == 0 {
				return fmt.Errorf("%s: parallel block has no branches", at)
			}
			switch node.Join {
			case "", JoinAll, JoinFirstError:
			default:
				return fmt.Errorf("%s: unknown join policy %q", at, node.Join)
			}
			for b, branch := range node.Branches {
				if len(branch) == 0 {
					return fmt.Errorf("%s: parallel branch %d is empty", at, b)
				}
				if err := validateSeq(branch, fmt.Sprintf("%s.branch[%d]", at, b), true); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
