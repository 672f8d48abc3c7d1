package replica

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/astromechza/inheritsync/pkg/field"
)

// Registry owns the replica of every open field.
type Registry struct {
	mu       sync.RWMutex
	replicas map[field.ID]*Replica
	onCreate []func(*Replica)
}

type RegistryOption func(*Registry)

// WithCreateHook runs fn for every replica right after it is created, before any other caller can
// observe it.
func WithCreateHook(fn func(*Replica)) RegistryOption {
	return func(r *Registry) {
		r.onCreate = append(r.onCreate, fn)
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{replicas: make(map[field.ID]*Replica)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the replica of id, creating an empty one if needed. It never performs I/O.
func (r *Registry) Get(id field.ID) *Replica {
	r.mu.RLock()
	rep, ok := r.replicas[id]
	r.mu.RUnlock()
	if ok {
		return rep
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rep, ok := r.replicas[id]; ok {
		return rep
	}
	rep, err := newReplica(id)
	if err != nil {
		// only possible if automerge itself is broken
		panic(err)
	}
	for _, fn := range r.onCreate {
		fn(rep)
	}
	r.replicas[id] = rep
	slog.Debug("created replica", "field", id)
	return rep
}

// Lookup returns the replica of id without creating one.
func (r *Registry) Lookup(id field.ID) (*Replica, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.replicas[id]
	return rep, ok
}

// OnChange registers h on the replica of id, creating it if needed.
func (r *Registry) OnChange(id field.ID, h Handler) func() {
	return r.Get(id).OnChange(h)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.replicas)
}

// IDs returns the open fields in a stable order.
func (r *Registry) IDs() []field.ID {
	r.mu.RLock()
	ids := make([]field.ID, 0, len(r.replicas))
	for id := range r.replicas {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
