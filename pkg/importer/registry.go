package importer

import (
	"fmt"
	"sync"
)

// Factory creates a fresh, unopened importer instance.
type Factory func() Importer

// Entry is one registered importer backend.
type Entry struct {
	// Name identifies the backend in diagnostics
	Name string

	// New creates an unopened instance of the backend
	New Factory
}

// Registry holds importer backends in registration order. Resolution is
// deterministic: when several backends accept a path, the first registered
// one wins. There is no implicit global registry; callers construct and
// share one explicitly.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a backend. Registration order defines resolution priority.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Name: name, New: f})
}

// Entries returns the registered backends in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Matches returns every backend accepting the path, in registration order.
func (r *Registry) Matches(path string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.New().Accept(path) {
			out = append(out, e)
		}
	}
	return out
}

// Resolve returns the first registered backend accepting the path.
func (r *Registry) Resolve(path string) (Entry, error) {
	for _, e := range r.Entries() {
		if e.New().Accept(path) {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}
