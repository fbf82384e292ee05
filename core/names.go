package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// nameTable maps well-known names to biote ids. A biote may hold several
// names; a name belongs to one biote until that biote terminates or the
// name is unregistered.
type nameTable struct {
	mu sync.RWMutex

	// Maps name to biote id
	byName map[string]BioteID

	// Maps biote id to the names it holds
	byID map[BioteID][]string
}

// register binds name to id. Registering a name again for the same biote
// is a no-op.
func (t *nameTable) register(name string, id BioteID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byName == nil {
		t.byName = make(map[string]BioteID)
		t.byID = make(map[BioteID][]string)
	}
	if owner, exists := t.byName[name]; exists {
		if owner == id {
			return nil
		}
		return fmt.Errorf("%w: %q is held by %d", ErrNameTaken, name, owner)
	}

	t.byName[name] = id
	t.byID[id] = append(t.byID[id], name)
	return nil
}

// unregister removes name.
func (t *nameTable) unregister(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, exists := t.byName[name]
	if !exists {
		return false
	}
	delete(t.byName, name)

	names := t.byID[id]
	for i, n := range names {
		if n == name {
			names = append(names[:i], names[i+1:]...)
			break
		}
	}
	if len(names) == 0 {
		delete(t.byID, id)
	} else {
		t.byID[id] = names
	}
	return true
}

// release removes every name held by id and returns them.
func (t *nameTable) release(id BioteID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := t.byID[id]
	for _, name := range names {
		delete(t.byName, name)
	}
	delete(t.byID, id)
	return names
}

// lookup finds the biote holding name.
func (t *nameTable) lookup(name string) (BioteID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, exists := t.byName[name]
	return id, exists
}

// list returns the registered names, sorted.
func (t *nameTable) list() []NameBinding {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]NameBinding, 0, len(t.byName))
	for name, id := range t.byName {
		out = append(out, NameBinding{Name: name, Biote: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NameBinding is one entry of the name directory.
type NameBinding struct {
	Name  string  `json:"name"`
	Biote BioteID `json:"biote"`
}

// RegisterName makes id reachable as name through LookupName and
// SendStimulusByName. The name is released when the biote terminates.
func (m *Manager) RegisterName(name string, id BioteID) error {
	if name == "" {
		return ErrInvalidName
	}
	if _, ok := m.registry.lookup(id); !ok {
		return fmt.Errorf("register name %q: %w", name, ErrUnknownBiote)
	}
	if err := m.names.register(name, id); err != nil {
		return err
	}

	// the biote may have retired between the lookup and the register
	if _, ok := m.registry.lookup(id); !ok {
		m.names.release(id)
		return fmt.Errorf("register name %q: %w", name, ErrUnknownBiote)
	}
	m.log.WithFields(logrus.Fields{"name": name, "biote": id}).Debug("biote name registered")
	return nil
}

// UnregisterName removes name from the directory.
func (m *Manager) UnregisterName(name string) bool {
	return m.names.unregister(name)
}

// LookupName returns the biote registered as name.
func (m *Manager) LookupName(name string) (BioteID, bool) {
	return m.names.lookup(name)
}

// Names returns the name directory ordered by name.
func (m *Manager) Names() []NameBinding {
	return m.names.list()
}

// SendStimulusByName sends ev to the biote registered as name.
func (m *Manager) SendStimulusByName(name string, ev Event) error {
	id, ok := m.names.lookup(name)
	if !ok {
		start := time.Now()
		m.drop(NoBiote, ev, ErrUnknownName)
		m.stats.Sample(StatSendStimulus, time.Since(start).Microseconds())
		return fmt.Errorf("send %s to %q: %w", ev.Name(), name, ErrUnknownName)
	}
	return m.SendStimulus(id, ev)
}

// RegisterName registers the calling biote as name.
func (c *Context) RegisterName(name string) error {
	return c.manager.RegisterName(name, c.id)
}
