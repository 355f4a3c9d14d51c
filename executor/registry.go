package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler is the function signature every payload operation implements.
// payload is the whole JSON envelope, including its "op" field.
type Handler func(ctx *Context, payload json.RawMessage) error

// Registry maps op names to Handlers. Thread-safe for concurrent registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates op with h. Panics on duplicate registration.
func (r *Registry) Register(op string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[op]; exists {
		panic(fmt.Sprintf("executor: handler already registered for op %q", op))
	}
	r.handlers[op] = h
}

// Execute dispatches payload to the handler registered for op.
func (r *Registry) Execute(op string, ctx *Context, payload json.RawMessage) error {
	r.mu.RLock()
	h, ok := r.handlers[op]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("executor: no handler registered for op %q", op)
	}
	return h(ctx, payload)
}

// Ops returns the registered op names in sorted order.
func (r *Registry) Ops() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// globalRegistry is the package-level singleton that modules register into.
var globalRegistry = NewRegistry()

// Register adds a handler to the global registry.
// Modules call this from their init() functions.
func Register(op string, h Handler) {
	globalRegistry.Register(op, h)
}

// Ops lists the ops registered globally.
func Ops() []string {
	return globalRegistry.Ops()
}
