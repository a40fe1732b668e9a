package imagefetch

import "sync"

// Registry tracks live operations by ID.
type Registry struct {
	mu  sync.Mutex
	ops map[string]*Operation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Add records op under its ID.
func (r *Registry) Add(op *Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.ID()] = op
}

// Remove deletes the operation with the given ID. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ops, id)
}

// Len returns the number of live operations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// Drain atomically removes and returns every live operation.
func (r *Registry) Drain() []*Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	r.ops = make(map[string]*Operation)
	return out
}
