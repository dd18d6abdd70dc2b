package channel

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds all registered channel adapters. It is constructed once at
// process start from configuration and injected into the gateway; adapters
// are never discovered through hidden global state.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Platform]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[Platform]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	p := normalizePlatform(adapter.Platform().String())
	if p == "" {
		return fmt.Errorf("platform is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[p]; exists {
		return fmt.Errorf("platform already registered: %s", p)
	}
	r.adapters[p] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given platform.
func (r *Registry) Get(platform Platform) (Adapter, bool) {
	p := normalizePlatform(platform.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[p]
	return adapter, ok
}

// List returns all registered adapters.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	return items
}

// ThreadPoster returns the ThreadPoster capability for the given platform,
// or false when the platform has no completion-routing path.
func (r *Registry) ThreadPoster(platform Platform) (ThreadPoster, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	poster, ok := adapter.(ThreadPoster)
	return poster, ok
}

func normalizePlatform(raw string) Platform {
	return Platform(strings.TrimSpace(strings.ToLower(raw)))
}
