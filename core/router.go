package core

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// registry maps biote ids to their contexts.
type registry struct {
	// Map of BioteID to *Context
	biotes sync.Map

	// Number of registered biotes
	size atomic.Int64

	// Counter for generating unique biote ids
	idCounter atomic.Uint32
}

// register adds a biote to the table.
func (r *registry) register(c *Context) error {
	if _, exists := r.biotes.LoadOrStore(c.id, c); exists {
		return fmt.Errorf("biote with ID %d already registered", c.id)
	}
	r.size.Inc()
	return nil
}

// unregister removes a biote from the table.
func (r *registry) unregister(id BioteID) bool {
	if _, exists := r.biotes.LoadAndDelete(id); !exists {
		return false
	}
	r.size.Dec()
	return true
}

// lookup finds a biote by id.
func (r *registry) lookup(id BioteID) (*Context, bool) {
	if c, exists := r.biotes.Load(id); exists {
		return c.(*Context), true
	}
	return nil, false
}

// list returns the registered biotes ordered by id.
func (r *registry) list() []*Context {
	var out []*Context
	r.biotes.Range(func(_, value any) bool {
		out = append(out, value.(*Context))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// len returns the number of registered biotes.
func (r *registry) len() int {
	return int(r.size.Load())
}

// nextID generates the next biote id.
func (r *registry) nextID() BioteID {
	return BioteID(r.idCounter.Inc())
}

// resolve applies the message route registered on c for name, falling back
// to c when the routed biote no longer exists.
func (m *Manager) resolve(c *Context, name string) *Context {
	target, ok := c.route(name)
	if !ok || target == c.id {
		return c
	}
	if routed, ok := m.registry.lookup(target); ok {
		return routed
	}
	c.log.WithField("event", name).WithField("route", target).Warn("message route target missing, delivering to original biote")
	return c
}
