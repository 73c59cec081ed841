package builder

import (
	"context"
	"sync"
)

// Registry holds the configured builder clients by name. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]*Client)}
}

// Register adds or replaces a builder under its name.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	r.builders[c.Name()] = c
	r.mu.Unlock()
}

// Get returns the named builder, or nil when not registered.
func (r *Registry) Get(name string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.builders[name]
}

// All returns a snapshot of the registered builders.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.builders))
	for _, c := range r.builders {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered builders.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builders)
}

// HealthCheckAll probes every builder and reports its reachability.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	out := make(map[string]bool)
	for _, c := range r.All() {
		out[c.Name()] = c.Healthy(ctx)
	}
	return out
}

// FindSession locates which builder serves a task's session, if any.
func (r *Registry) FindSession(taskID string) (*Client, string, bool) {
	for _, c := range r.All() {
		if id, ok := c.SessionFor(taskID); ok {
			return c, id, true
		}
	}
	return nil, "", false
}
