package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// Cursor addresses the node an execution is about to run: a path of indexes
// into the (possibly nested) node sequence. Conditional nodes contribute two
// segments (node index, branch selector 0/1), loops contribute one segment per
// body position. The serialized form is the dotted path, e.g. "2.0.1".
type Cursor []int

// CursorEnd is the terminal cursor recorded once an execution ran past its
// last node.
const CursorEnd = "end"

func Start() Cursor { return Cursor{0} }

func (c Cursor) String() string {
	if len(c) == 0 {
		return CursorEnd
	}
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

func (c Cursor) Clone() Cursor {
	out := make(Cursor, len(c))
	copy(out, c)
	return out
}

func ParseCursor(s string) (Cursor, error) {
	if s == "" || s == CursorEnd {
		return nil, nil
	}
	parts := strings.Split(s, ".")
	c := make(Cursor, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid cursor %q", s)
		}
		c = append(c, v)
	}
	return c, nil
}

// Resolve returns the node the cursor addresses.
func Resolve(nodes []Node, c Cursor) (*Node, error) {
	seq := nodes
	k := 0
	for k < len(c) {
		i := c[k]
		if i >= len(seq) {
			return nil, fmt.Errorf("cursor %s out of range", c)
		}
		node := &seq[i]
		k++
		if k == len(c) {
			return node, nil
		}
		switch node.Type {
		case NodeConditional:
			branch := c[k]
			k++
			if branch == 0 {
				seq = node.Conditional.Then
			} else {
				seq = node.Conditional.Else
			}
		case NodeLoop:
			seq = node.Loop.Body
		default:
			return nil, fmt.Errorf("cursor %s descends into non-container node %q", c, node.Name)
		}
	}
	return nil, fmt.Errorf("empty cursor")
}

// sequenceAt returns the node sequence a prefix path addresses into.
func sequenceAt(nodes []Node, prefix Cursor) ([]Node, error) {
	seq := nodes
	k := 0
	for k < len(prefix) {
		i := prefix[k]
		if i >= len(seq) {
			return nil, fmt.Errorf("cursor prefix %s out of range", prefix)
		}
		node := &seq[i]
		k++
		switch node.Type {
		case NodeConditional:
			if k >= len(prefix) {
				return nil, fmt.Errorf("cursor prefix %s ends at a conditional without branch selector", prefix)
			}
			if prefix[k] == 0 {
				seq = node.Conditional.Then
			} else {
				seq = node.Conditional.Else
			}
			k++
		case NodeLoop:
			seq = node.Loop.Body
		default:
			return nil, fmt.Errorf("cursor prefix %s descends into non-container node %q", prefix, node.Name)
		}
	}
	return seq, nil
}

// Successor computes the position after completing the node at c. The result
// may address a loop node again (back edge); the interpreter re-evaluates the
// loop condition there. done is true when the execution ran past the last
// root-level node.
func Successor(nodes []Node, c Cursor) (next Cursor, done bool, err error) {
	if len(c) == 0 {
		return nil, true, nil
	}
	prefix := c[:len(c)-1]
	seq, err := sequenceAt(nodes, prefix)
	if err != nil {
		return nil, false, err
	}
	if n := c[len(c)-1] + 1; n < len(seq) {
		out := prefix.Clone()
		return append(out, n), false, nil
	}

	// Sequence exhausted: pop to the enclosing container.
	if len(prefix) == 0 {
		return nil, true, nil
	}
	// A loop body position is [loopIdx, bodyIdx], a conditional branch
	// position is [condIdx, branch, idx]; inspect the container node.
	containerPath := prefix
	container, err := Resolve(nodes, containerPath)
	if err == nil && container.Type == NodeLoop {
		return containerPath.Clone(), false, nil
	}
	// Conditional branches carry the selector segment; strip it to address
	// the conditional node itself, then continue past it.
	if len(prefix) >= 2 {
		condPath := prefix[:len(prefix)-1]
		cond, cerr := Resolve(nodes, condPath)
		if cerr == nil && cond.Type == NodeConditional {
			return Successor(nodes, condPath)
		}
	}
	return nil, false, fmt.Errorf("cursor %s has no valid container", c)
}

// EnterConditional returns the cursor for the first node of the chosen branch,
// or falls through past the conditional when the branch is empty.
func EnterConditional(nodes []Node, c Cursor, node *ConditionalNode, thenBranch bool) (Cursor, bool, error) {
	branch := node.Else
	sel := 1
	if thenBranch {
		branch = node.Then
		sel = 0
	}
	if len(branch) == 0 {
		return Successor(nodes, c)
	}
	out := c.Clone()
	return append(out, sel, 0), false, nil
}

// EnterLoop returns the cursor for the first node of the loop body.
func EnterLoop(c Cursor) Cursor {
	out := c.Clone()
	return append(out, 0)
}
