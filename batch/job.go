package batch

import (
	"context"
	"fmt"
	"sync"
)

// Job is a unit of user work. Class names travel through queue payloads;
// the registry turns them back into instances on the worker side, which
// keeps the queue envelope language-agnostic.
type Job interface {
	Execute(ctx context.Context, args map[string]any) error
}

// ContextAware jobs receive the batch's accumulated context before
// Execute and may return an updated context afterwards. Used by chain
// steps to pass state to their successors.
type ContextAware interface {
	SetContext(ctx map[string]any)
	Context() map[string]any
}

// ResultAware jobs expose a structured result after Execute; it is
// persisted onto the job row and visible through GetBatchResults.
type ResultAware interface {
	Result() any
}

// Constructor builds a fresh Job instance per delivery.
type Constructor func() Job

// Registry maps job class names to constructors. Registration happens at
// startup; lookups happen on every delivery.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a class. Registering the same class twice is an error to
// prevent accidental overwrites.
func (r *Registry) Register(class string, c Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[class]; exists {
		return fmt.Errorf("job class %q already registered", class)
	}
	r.ctors[class] = c
	return nil
}

// Has reports whether the class is registered.
func (r *Registry) Has(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[class]
	return ok
}

// Resolve builds a fresh instance of the class.
func (r *Registry) Resolve(class string) (Job, error) {
	r.mu.RLock()
	c, ok := r.ctors[class]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownClassError{Class: class}
	}
	return c(), nil
}
