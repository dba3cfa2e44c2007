package adapters

import (
	"sort"
	"sync"

	"github.com/ternarybob/promulgo/internal/interfaces"
)

// Registry is a thread-safe adapter registry keyed by platform ID
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]interfaces.PlatformAdapter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]interfaces.PlatformAdapter)}
}

// Register adds or replaces the adapter for its platform
func (r *Registry) Register(adapter interfaces.PlatformAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
}

// Get resolves the adapter for a platform
func (r *Registry) Get(platformID string) (interfaces.PlatformAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[platformID]
	return adapter, ok
}

// Names lists the registered platforms, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
