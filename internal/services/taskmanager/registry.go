package taskmanager

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bobmcallan/conveyor/internal/interfaces"
	"github.com/bobmcallan/conveyor/internal/models"
)

// Registry maps job types to handlers. Populated at startup and read-only
// afterwards; the mutex only defends against misuse during wiring.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]interfaces.Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]interfaces.Handler)}
}

// Register binds a handler to a job type. Re-registering a type is a wiring
// bug and returns an error.
func (r *Registry) Register(jobType string, h interfaces.Handler) error {
	if jobType == "" || h == nil {
		return fmt.Errorf("registry: type and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[jobType]; ok {
		return fmt.Errorf("registry: handler for %q already registered", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Resolve returns the handler for a job type.
func (r *Registry) Resolve(jobType string) (interfaces.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("type %q: %w", jobType, models.ErrUnknownJobType)
	}
	return h, nil
}

// Has reports whether a handler is registered for the type.
func (r *Registry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[jobType]
	return ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
