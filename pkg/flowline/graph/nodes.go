package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType tags the variant held by a Node.
type NodeType string

const (
	NodeAction          NodeType = "action"
	NodeStateTransition NodeType = "state_transition"
	NodeEventWait       NodeType = "event_wait"
	NodeEventEmit       NodeType = "event_emit"
	NodeConditional     NodeType = "conditional"
	NodeLoop            NodeType = "loop"
	NodeParallel        NodeType = "parallel"
)

// Node is a tagged variant: Type selects which of the pointer fields is set.
// Definitions are persisted as JSON of []Node, never as executable source text.
type Node struct {
	Type        NodeType             `json:"type"`
	Name        string               `json:"name,omitempty"`
	Action      *ActionNode          `json:"action,omitempty"`
	Transition  *StateTransitionNode `json:"transition,omitempty"`
	Wait        *EventWaitNode       `json:"wait,omitempty"`
	Emit        *EventEmitNode       `json:"emit,omitempty"`
	Conditional *ConditionalNode     `json:"conditional,omitempty"`
	Loop        *LoopNode            `json:"loop,omitempty"`
	Parallel    *ParallelNode        `json:"parallel,omitempty"`
}

// ActionNode invokes a named side-effecting operation registered with the
// engine. Argument values starting with "$" are resolved from execution
// context, everything else is passed as a literal.
type ActionNode struct {
	Handler   string         `json:"handler"`
	Args      map[string]any `json:"args,omitempty"`
	ResultVar string         `json:"result_var,omitempty"`
}

// StateTransitionNode mutates execution context explicitly.
type StateTransitionNode struct {
	Set map[string]any `json:"set"`
}

// EventWaitNode suspends the execution until one of Events arrives. An
// optional Task spec turns the wait into a human task: the inbox entry is
// created when the wait is entered and its completion publishes the awaited
// event. Timeout, when set, synthesizes the reserved TimeoutEvent.
type EventWaitNode struct {
	Events     []string  `json:"events"`
	Timeout    string    `json:"timeout,omitempty"` // Go duration string, empty = wait forever
	CaptureVar string    `json:"capture_var,omitempty"`
	Task       *TaskSpec `json:"task,omitempty"`
}

// TimeoutDuration parses the node's timeout; zero means no timeout.
func (n *EventWaitNode) TimeoutDuration() (time.Duration, error) {
	if n.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(n.Timeout)
}

// TaskSpec describes the human task created by an EventWait node.
type TaskSpec struct {
	TaskType        string   `json:"task_type"`
	CompletionEvent string   `json:"completion_event"`
	AssignedRoles   []string `json:"assigned_roles,omitempty"`
	AssignedUsers   []string `json:"assigned_users,omitempty"`
	DueInDays       int      `json:"due_in_days,omitempty"` // 0 = task definition default
}

// EventEmitNode publishes an event to the stream transport. Payload values
// starting with "$" are resolved from context.
type EventEmitNode struct {
	Event   string         `json:"event"`
	Global  bool           `json:"global,omitempty"` // publish on the tenant-wide channel
	Payload map[string]any `json:"payload,omitempty"`
}

// ConditionalNode branches on a condition over execution context.
type ConditionalNode struct {
	If   Condition `json:"if"`
	Then []Node    `json:"then"`
	Else []Node    `json:"else,omitempty"`
}

// LoopKind selects the loop flavor.
type LoopKind string

const (
	LoopFor     LoopKind = "for"      // fixed iteration count
	LoopWhile   LoopKind = "while"    // condition checked before each iteration
	LoopDoWhile LoopKind = "do_while" // condition checked after each iteration
)

type LoopNode struct {
	Kind  LoopKind   `json:"kind"`
	Count int        `json:"count,omitempty"` // for LoopFor
	While *Condition `json:"while,omitempty"` // for LoopWhile / LoopDoWhile
	Body  []Node     `json:"body"`
}

// JoinPolicy controls how a Parallel node joins its branches.
type JoinPolicy string

const (
	JoinAll        JoinPolicy = "all"         // wait for every branch, collect all errors
	JoinFirstError JoinPolicy = "first_error" // first failing branch cancels the rest
)

type ParallelNode struct {
	Branches [][]Node   `json:"branches"`
	Join     JoinPolicy `json:"join,omitempty"` // default JoinAll
}

// variant returns the populated variant pointer, or an error when the tag and
// payload disagree.
func (n *Node) variant() (any, error) {
	switch n.Type {
	case NodeAction:
		if n.Action == nil {
			return nil, fmt.Errorf("node %q: action payload missing", n.Name)
		}
		return n.Action, nil
	case NodeStateTransition:
		if n.Transition == nil {
			return nil, fmt.Errorf("node %q: transition payload missing", n.Name)
		}
		return n.Transition, nil
	case NodeEventWait:
		if n.Wait == nil {
			return nil, fmt.Errorf("node %q: wait payload missing", n.Name)
		}
		return n.Wait, nil
	case NodeEventEmit:
		if n.Emit == nil {
			return nil, fmt.Errorf("node %q: emit payload missing", n.Name)
		}
		return n.Emit, nil
	case NodeConditional:
		if n.Conditional == nil {
			return nil, fmt.Errorf("node %q: conditional payload missing", n.Name)
		}
		return n.Conditional, nil
	case NodeLoop:
		if n.Loop == nil {
			return nil, fmt.Errorf("node %q: loop payload missing", n.Name)
		}
		return n.Loop, nil
	case NodeParallel:
		if n.Parallel == nil {
			return nil, fmt.Errorf("node %q: parallel payload missing", n.Name)
		}
		return n.Parallel, nil
	default:
		return nil, fmt.Errorf("node %q: unknown type %q", n.Name, n.Type)
	}
}

// Parse decodes a persisted graph and validates it.
func Parse(data []byte) ([]Node, error) {
	var nodes []Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("decode workflow graph: %w", err)
	}
	if err := Validate(nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}
