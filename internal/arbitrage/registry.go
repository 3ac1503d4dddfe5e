package arbitrage

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the scanners a detector pass runs, in registration order.
type Registry struct {
	scanners map[string]Scanner
	order    []string
	mu       sync.RWMutex
}

// NewRegistry returns an empty registry. Call Register to add scanners.
func NewRegistry() *Registry {
	return &Registry{scanners: make(map[string]Scanner)}
}

// Register adds a scanner under its name, replacing any previous one.
func (r *Registry) Register(s Scanner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scanners[s.Name()]; !ok {
		r.order = append(r.order, s.Name())
	}
	r.scanners[s.Name()] = s
}

// Get returns the scanner by name, or an error if not found.
func (r *Registry) Get(name string) (Scanner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scanners[name]
	if !ok {
		return nil, fmt.Errorf("arbitrage scanner %q not found", name)
	}
	return s, nil
}

// List returns all registered scanner names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Scanners returns the scanners in registration order.
func (r *Registry) Scanners() []Scanner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scanner, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.scanners[n])
	}
	return out
}
