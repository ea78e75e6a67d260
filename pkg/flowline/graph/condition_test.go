package graph

import "testing"

func TestConditionComparisons(t *testing.T) {
	vars := map[string]any{
		"amount": float64(150),
		"count":  3,
		"name":   "alice smith",
		"flag":   true,
	}
	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq float vs int literal", Condition{Var: "amount", Op: OpEq, Value: 150}, true},
		{"eq string", Condition{Var: "name", Op: OpEq, Value: "alice smith"}, true},
		{"eq bool", Condition{Var: "flag", Op: OpEq, Value: true}, true},
		{"ne", Condition{Var: "amount", Op: OpNe, Value: 100}, true},
		{"ne absent var", Condition{Var: "ghost", Op: OpNe, Value: 1}, true},
		{"gt", Condition{Var: "amount", Op: OpGt, Value: 100}, true},
		{"gt false", Condition{Var: "amount", Op: OpGt, Value: 150}, false},
		{"gte boundary", Condition{Var: "amount", Op: OpGte, Value: 150}, true},
		{"lt int var", Condition{Var: "count", Op: OpLt, Value: float64(5)}, true},
		{"lte", Condition{Var: "count", Op: OpLte, Value: 3}, true},
		{"exists", Condition{Var: "flag", Op: OpExists}, true},
		{"exists absent", Condition{Var: "ghost", Op: OpExists}, false},
		{"contains", Condition{Var: "name", Op: OpContains, Value: "smith"}, true},
		{"contains miss", Condition{Var: "name", Op: OpContains, Value: "jones"}, false},
		{"numeric op on absent var", Condition{Var: "ghost", Op: OpGt, Value: 1}, false},
		{"eq on absent var", Condition{Var: "ghost", Op: OpEq, Value: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cond.Eval(vars)
			if err != nil {
				t.Fatalf("Eval: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Eval = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConditionCombinators(t *testing.T) {
	vars := map[string]any{"a": 1, "b": 2}
	all := Condition{All: []Condition{
		{Var: "a", Op: OpEq, Value: 1},
		{Var: "b", Op: OpGt, Value: 1},
	}}
	if ok, err := all.Eval(vars); err != nil || !ok {
		t.Fatalf("all = (%v, %v), want true", ok, err)
	}
	all.All[1].Value = 5
	if ok, _ := all.Eval(vars); ok {
		t.Fatal("all with one false member evaluated true")
	}

	any := Condition{Any: []Condition{
		{Var: "a", Op: OpEq, Value: 99},
		{Var: "b", Op: OpEq, Value: 2},
	}}
	if ok, err := any.Eval(vars); err != nil || !ok {
		t.Fatalf("any = (%v, %v), want true", ok, err)
	}
	any.Any[1].Value = 99
	if ok, _ := any.Eval(vars); ok {
		t.Fatal("any with no true member evaluated true")
	}
}

func TestConditionErrors(t *testing.T) {
	vars := map[string]any{"name": "alice"}
	if _, err := (&Condition{Var: "name", Op: OpGt, Value: 1}).Eval(vars); err == nil {
		t.Fatal("numeric op over a string evaluated without error")
	}
	if _, err := (&Condition{Var: "name", Op: "matches", Value: "x"}).Eval(vars); err == nil {
		t.Fatal("unknown operator accepted")
	}
}

func TestConditionContainsNonString(t *testing.T) {
	vars := map[string]any{"n": 5}
	ok, err := (&Condition{Var: "n", Op: OpContains, Value: "5"}).Eval(vars)
	if err != nil || ok {
		t.Fatalf("contains over non-string = (%v, %v), want false", ok, err)
	}
}
