package graph

import (
	"fmt"
	"strings"
)

// Condition is a boolean expression over execution context. Either a single
// comparison (Var/Op/Value) or a combinator (All/Any) is set, not both.
type Condition struct {
	Var   string      `json:"var,omitempty"`
	Op    string      `json:"op,omitempty"`
	Value any         `json:"value,omitempty"`
	All   []Condition `json:"all,omitempty"`
	Any   []Condition `json:"any,omitempty"`
}

const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpExists   = "exists"
	OpContains = "contains"
)

// Eval evaluates the condition against context variables.
func (c *Condition) Eval(vars map[string]any) (bool, error) {
	if len(c.All) > 0 {
		for i := range c.All {
			ok, err := c.All[i].Eval(vars)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if len(c.Any) > 0 {
		for i := range c.Any {
			ok, err := c.Any[i].Eval(vars)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	val, present := vars[c.Var]
	switch c.Op {
	case OpExists:
		return present, nil
	case OpEq:
		return present && equal(val, c.Value), nil
	case OpNe:
		return !present || !equal(val, c.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false, nil
		}
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("condition on %q: %s requires numeric operands", c.Var, c.Op)
		}
		switch c.Op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpContains:
		s, sok := val.(string)
		sub, subok := c.Value.(string)
		if !present || !sok || !subok {
			return false, nil
		}
		return strings.Contains(s, sub), nil
	default:
		return false, fmt.Errorf("condition on %q: unknown operator %q", c.Var, c.Op)
	}
}

// equal compares with numeric coercion so that JSON-decoded float64 values
// match integer literals in definitions.
func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok2 := toFloat(b); ok2 {
			return af == bf
		}
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (c *Condition) validate(path string) error {
	combinators := 0
	if len(c.All) > 0 {
		combinators++
	}
	if len(c.Any) > 0 {
		combinators++
	}
	if combinators > 1 {
		return fmt.Errorf("%s: condition may not set both all and any", path)
	}
	if combinators == 1 {
		if c.Var != "" || c.Op != "" {
			return fmt.Errorf("%s: combinator condition may not also compare a variable", path)
		}
		for i := range c.All {
			if err := c.All[i].validate(fmt.Sprintf("%s.all[%d]", path, i)); err != nil {
				return err
			}
		}
		for i := range c.Any {
			if err := c.Any[i].validate(fmt.Sprintf("%s.any[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	}
	if c.Var == "" {
		return fmt.Errorf("%s: condition variable is required", path)
	}
	switch c.Op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpExists, OpContains:
		return nil
	default:
		return fmt.Errorf("%s: unknown operator %q", path, c.Op)
	}
}
