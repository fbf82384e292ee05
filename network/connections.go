package network

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// connectionTable tracks the live connections of a server.
type connectionTable struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	// Statistics
	total atomic.Int64
}

func newConnectionTable() *connectionTable {
	return &connectionTable{connections: make(map[string]*Connection)}
}

// add adds a connection to the table
func (t *connectionTable) add(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connections[c.ID()] = c
	t.total.Inc()
}

// remove removes a connection from the table
func (t *connectionTable) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.connections[id]; !exists {
		return false
	}
	delete(t.connections, id)
	return true
}

// get gets a connection by ID
func (t *connectionTable) get(id string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, exists := t.connections[id]
	return c, exists
}

// all returns the live connections ordered by ID
func (t *connectionTable) all() []*Connection {
	t.mu.RLock()
	out := make([]*Connection, 0, len(t.connections))
	for _, c := range t.connections {
		out = append(out, c)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// len returns the number of live connections
func (t *connectionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.connections)
}

// broadcast queues f on every connection and returns how many accepted it.
func (t *connectionTable) broadcast(f *Frame) int {
	sent := 0
	for _, c := range t.all() {
		frame := *f
		if err := c.Send(&frame); err == nil {
			sent++
		}
	}
	return sent
}

// closeAll closes every connection, flushing each for at most timeout.
func (t *connectionTable) closeAll(timeout time.Duration) {
	var wg sync.WaitGroup
	for _, c := range t.all() {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.CloseGracefully(timeout)
		}(c)
	}
	wg.Wait()
}
