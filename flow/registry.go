package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// TaskHandler executes one automated pipeline step. It receives the
// step's configured input and returns an output recorded on the step.
// A non-nil error fails the step and transitions the workflow to
// FAILED.
type TaskHandler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// RollbackHandler compensates a previously completed task step. It
// receives the step's original input and recorded output. Registered
// per handler name; optional.
type RollbackHandler func(ctx context.Context, input, output json.RawMessage) error

// Registry maps task handler names to implementations. Handlers are
// registered at startup, before workflows referencing them are
// created; an unregistered name is a permanent step failure.
//
// Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]TaskHandler
	rollbacks map[string]RollbackHandler
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:     make(map[string]TaskHandler),
		rollbacks: make(map[string]RollbackHandler),
	}
}

// Register binds a task handler to a name, replacing any previous
// binding.
func (r *Registry) Register(name string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = h
}

// RegisterRollback binds a compensation handler to a task name. When
// an approval is rejected mid-pipeline, completed task steps run their
// rollback handlers in reverse order.
func (r *Registry) RegisterRollback(name string, h RollbackHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks[name] = h
}

// Task resolves a handler by name. Returns ErrUnknownHandler (wrapped
// with the name) when unregistered.
func (r *Registry) Task(name string) (TaskHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	return h, nil
}

// Rollback resolves a compensation handler by name, reporting whether
// one is registered.
func (r *Registry) Rollback(name string) (RollbackHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.rollbacks[name]
	return h, ok
}

// Names returns the registered task handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
