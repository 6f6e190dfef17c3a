package jobs

import (
	"context"
	"fmt"
	"sync"
)

// Handler defines the interface for executing one job type.
// Handler packages implement this interface for their job types, allowing
// the engine to remain decoupled from the business logic.
//
// The manager wraps Execute with the config's timeout; a handler should
// honor ctx cancellation at its suspension points (rate-limit sleeps,
// external calls) and either return a structured result map or an error.
type Handler interface {
	// Execute runs one attempt of the job. The execution record is the
	// handler's to annotate (records processed/failed); status transitions
	// remain the manager's responsibility.
	Execute(ctx context.Context, cfg *JobConfig, exec *JobExecution) (map[string]any, error)

	// JobType returns the job type this handler serves
	JobType() JobType
}

// HandlerRegistry maps job types to handlers.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[JobType]Handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[JobType]Handler),
	}
}

// Register adds a handler for its job type.
// Panics if a handler is already registered for that type.
func (r *HandlerRegistry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobType := handler.JobType()
	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", jobType))
	}
	r.handlers[jobType] = handler
}

// Get retrieves the handler for a job type.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(jobType JobType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Has checks if a handler is registered for a job type
func (r *HandlerRegistry) Has(jobType JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[jobType]
	return exists
}

// Types returns all registered job types
func (r *HandlerRegistry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// HandlerFunc adapts a function to the Handler interface for tests and
// one-off job types
type HandlerFunc struct {
	Type JobType
	Fn   func(ctx context.Context, cfg *JobConfig, exec *JobExecution) (map[string]any, error)
}

// Execute implements Handler
func (h HandlerFunc) Execute(ctx context.Context, cfg *JobConfig, exec *JobExecution) (map[string]any, error) {
	return h.Fn(ctx, cfg, exec)
}

// JobType implements Handler
func (h HandlerFunc) JobType() JobType { return h.Type }
