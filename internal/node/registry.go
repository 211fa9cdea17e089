package node

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrAlreadyRunning is returned when starting a node that is registered.
	ErrAlreadyRunning = errors.New("node already running")
	// ErrNotRunning is returned for operations on a node that is not registered.
	ErrNotRunning = errors.New("node not running")
)

// Registry is the set of running nodes, keyed by node id.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*Handle)}
}

// Insert registers h. It fails with ErrAlreadyRunning if h's node is
// already present.
func (r *Registry) Insert(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[h.ID]; ok {
		return fmt.Errorf("insert %s: %w", h.ID, ErrAlreadyRunning)
	}
	r.nodes[h.ID] = h
	return nil
}

// Get returns the running handle for id.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.nodes[id]
	return h, ok
}

// Remove unregisters id and returns its handle.
func (r *Registry) Remove(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.nodes[id]
	delete(r.nodes, id)
	return h, ok
}

// Each calls fn for every running node in id order. It iterates a
// snapshot, so fn may insert or remove nodes.
func (r *Registry) Each(fn func(*Handle)) {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.nodes))
	for _, h := range r.nodes {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	for _, h := range handles {
		fn(h)
	}
}

// Len returns the number of running nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
