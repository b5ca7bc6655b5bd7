// Package provider defines the provider adapter registry.
package provider

import (
	"fmt"
	"sync"
)

// Registry manages the registration and lookup of provider adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string // maintains registration order
}

// NewRegistry creates a new empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		order:    make([]string, 0),
	}
}

// Register adds an adapter to the registry.
// If an adapter with the same name already exists, it will be replaced.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter cannot be nil")
	}
	name := adapter.Name()
	if name == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; !exists {
		r.order = append(r.order, name)
	}
	r.adapters[name] = adapter
	return nil
}

// Get retrieves an adapter by provider name.
// Returns nil if the adapter is not found.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// GetRequired retrieves an adapter by name, returning an error if not found.
func (r *Registry) GetRequired(name string) (Adapter, error) {
	adapter := r.Get(name)
	if adapter == nil {
		return nil, fmt.Errorf("no adapter registered for provider: %s", name)
	}
	return adapter, nil
}

// List returns all registered provider names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Remove removes an adapter from the registry.
// Returns true if the adapter was found and removed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; !exists {
		return false
	}
	delete(r.adapters, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Count returns the number of registered adapters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
