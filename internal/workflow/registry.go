package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateDAG = errors.New("duplicate dag id")
	ErrUnknownDAG   = errors.New("unknown dag")
)

// Registry holds the DAGs known to the host.
type Registry struct {
	mu   sync.RWMutex
	dags map[string]*DAG
}

func NewRegistry() *Registry {
	return &Registry{dags: map[string]*DAG{}}
}

// Register adds dags and seals them. Nothing is registered when one of them
// is nil or collides with a known id.
func (r *Registry) Register(dags ...*DAG) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	for _, d := range dags {
		if d == nil {
			return errors.New("nil dag")
		}
		if _, ok := r.dags[d.ID]; ok || seen[d.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateDAG, d.ID)
		}
		seen[d.ID] = true
	}
	for _, d := range dags {
		d.seal()
		r.dags[d.ID] = d
	}
	return nil
}

func (r *Registry) Get(id string) (*DAG, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dags[id]
	return d, ok
}

// Lookup is Get with an ErrUnknownDAG error.
func (r *Registry) Lookup(id string) (*DAG, error) {
	if d, ok := r.Get(id); ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDAG, id)
}

// List returns the DAGs sorted by id.
func (r *Registry) List() []*DAG {
	r.mu.RLock()
	out := make([]*DAG, 0, len(r.dags))
	for _, d := range r.dags {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dags)
}
