// Package venue holds the order-entry adapters the execution coordinator
// talks to: a paper venue for simulation, a rate-limiting wrapper and a
// registry keyed by venue id.
package venue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Registry maps venue ids to adapters.
type Registry struct {
	adapters map[string]domain.VenueAdapter
	mu       sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]domain.VenueAdapter)}
}

// Register adds a under a.Name(), replacing any previous adapter.
func (r *Registry) Register(a domain.VenueAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for venue.
func (r *Registry) Get(venue string) (domain.VenueAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[venue]
	if !ok {
		return nil, fmt.Errorf("venue %q: %w", venue, domain.ErrNotFound)
	}
	return a, nil
}

// Names returns the registered venue ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Missing returns which of want have no adapter.
func (r *Registry) Missing(want []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, v := range want {
		if _, ok := r.adapters[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
