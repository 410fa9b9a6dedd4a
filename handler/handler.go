// Package handler provides the step-handler registry and the built-in
// handler set. A Handler is dispatched by the interpreter, never
// called directly by the runner.
package handler

import (
	"context"
	"sync"

	"github.com/loomrun/loom/definition"
	"github.com/loomrun/loom/id"
)

// Status is the outcome of a handler invocation.
type Status string

const (
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Context is the execution context a handler receives: identity,
// accumulated state, and a log sink. Handlers never see the store.
type Context struct {
	ExecutionID id.ExecutionID
	Step        definition.Step
	State       []byte
	Log         func(level, message string)
}

// Result is a handler's pure outcome. Next, when non-empty, overrides
// the step's own Next successor on a completed result (used by
// condition's onTrue/onFalse branching). The runner does not read Next
// from a failed result, and it never routes to the step's OnError.
type Result struct {
	Status Status
	Output []byte
	Error  string
	Next   string
}

// Handler executes one step. It must be written defensively: when the
// context is cancelled (the interpreter's timeout fired), any in-flight
// work should wind down on its own; the interpreter does not wait for
// it.
type Handler func(ctx context.Context, hctx *Context) Result

// Registry is a process-wide, read-mostly mapping of step type to
// Handler. Registration after workers have started is permitted and
// need not be atomic with in-flight executions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for a step type.
func (r *Registry) Register(stepType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[stepType] = h
}

// Get returns the handler registered for stepType, or false if none is
// registered — the interpreter treats that as UnknownStepType.
func (r *Registry) Get(stepType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stepType]
	return h, ok
}

// Names returns all registered step types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// NewRegistryWithBuiltins creates a registry pre-seeded with the
// built-in handler set (log, http, transform, condition, delay).
func NewRegistryWithBuiltins() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}
