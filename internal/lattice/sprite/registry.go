package sprite

import (
	"context"
	"sync"
)

// Handle pairs a running process with its cancel function.
type Handle struct {
	Process *Process
	Cancel  context.CancelFunc
}

// Registry is a concurrent map of sprite id to running process handle. The
// fleet manager owns registration; readers take snapshots.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Put registers a handle. Returns false when the id is already present.
func (r *Registry) Put(id string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[id]; exists {
		return false
	}
	r.handles[id] = h
	return true
}

// Get returns the handle for id, or nil.
func (r *Registry) Get(id string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[id]
}

// Remove deletes and returns the handle for id, or nil.
func (r *Registry) Remove(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[id]
	delete(r.handles, id)
	return h
}

// IDs returns the registered sprite ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns every registered handle keyed by id.
func (r *Registry) Snapshot() map[string]*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Handle, len(r.handles))
	for id, h := range r.handles {
		out[id] = h
	}
	return out
}

// Len returns the number of registered sprites.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
