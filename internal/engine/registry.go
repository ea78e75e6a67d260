package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ActionFunc is a side-effecting operation a workflow action node invokes.
// args are the node's arguments after context resolution; the returned value
// is stored under the node's result_var when one is set.
type ActionFunc func(ctx context.Context, args map[string]any) (any, error)

// ActionRegistry maps handler names to action functions. Handlers are
// registered at startup, before the engine starts consuming; lookups at run
// time are read-only.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionFunc
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionFunc)}
}

func (r *ActionRegistry) Register(name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

func (r *ActionRegistry) Lookup(name string) (ActionFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("action handler %q not registered", name)
	}
	return fn, nil
}

// Names returns the registered handler names, sorted.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
