// Package pipeline routes operation descriptors through an ordered handler
// chain, sequentially or in concurrent groups.
package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the handler set for one pipeline. It is constructed at
// startup and passed in explicitly; there is no package-level registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Handler names must be unique; the name also
// fixes the handler's position in the chain, which runs in name order.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("handler is nil")
	}
	name := h.Name()
	if name == "" {
		return fmt.Errorf("handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler already registered: %s", name)
	}
	r.handlers[name] = h
	return nil
}

// Unregister removes a handler by name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; !exists {
		return false
	}
	delete(r.handlers, name)
	return true
}

// Chain returns the registered handlers sorted by name. The order is
// deterministic so repeated executions route identically.
func (r *Registry) Chain() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	chain := make([]Handler, 0, len(names))
	for _, name := range names {
		chain = append(chain, r.handlers[name])
	}
	return chain
}
