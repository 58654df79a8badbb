package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run is what a handler receives for one execution
type Run struct {
	JobID        uuid.UUID
	Organization uuid.UUID
	Scheduled    time.Time // The slot being executed, not the wall time
	ExecutionID  string
	Payload      []byte
}

// Handler executes one kind of job.
//
// Execute returns a short result summary for the execution record. The
// context carries the job timeout; handlers must watch ctx.Done() and
// return promptly when it closes.
type Handler interface {
	Name() string
	Execute(ctx context.Context, run Run) (string, error)
}

type handlerFunc struct {
	name string
	fn   func(ctx context.Context, run Run) (string, error)
}

// HandlerFunc adapts a function to the Handler interface
func HandlerFunc(name string, fn func(ctx context.Context, run Run) (string, error)) Handler {
	return &handlerFunc{name: name, fn: fn}
}

func (h *handlerFunc) Name() string { return h.name }

func (h *handlerFunc) Execute(ctx context.Context, run Run) (string, error) {
	return h.fn(ctx, run)
}

// Registry manages job handlers by name.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its name.
// Panics if a handler is already registered with that name.
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", name))
	}
	r.handlers[name] = handler
}

// Get returns the handler for name, nil if none is registered
func (r *Registry) Get(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Has checks if a handler is registered for name
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[name]
	return exists
}

// Names returns all registered handler names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
