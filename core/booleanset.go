package core

import "sort"

// BooleanSet tracks a named set of outstanding items and fires its handler
// once, when the last item is completed.
//
// A BooleanSet belongs to a single biote and is not safe for concurrent use.
type BooleanSet struct {
	event   Event
	handler func(Event)
	pending map[string]struct{}
	fired   bool
}

// NewBooleanSet creates a set that passes ev to handler on completion.
func NewBooleanSet(ev Event, handler func(Event)) *BooleanSet {
	return &BooleanSet{
		event:   ev,
		handler: handler,
		pending: make(map[string]struct{}),
	}
}

// AddItem marks name as outstanding. Items added after the set fired are ignored.
func (s *BooleanSet) AddItem(name string) {
	if s.fired {
		return
	}
	s.pending[name] = struct{}{}
}

// CompleteItem marks name as done. It reports whether name was outstanding.
func (s *BooleanSet) CompleteItem(name string) bool {
	if _, ok := s.pending[name]; !ok {
		return false
	}
	delete(s.pending, name)

	if len(s.pending) == 0 && !s.fired {
		s.fired = true
		if s.handler != nil {
			s.handler(s.event)
		}
	}
	return true
}

// IsComplete reports whether every item has been completed.
func (s *BooleanSet) IsComplete() bool {
	return len(s.pending) == 0
}

// Fired reports whether the completion handler has run.
func (s *BooleanSet) Fired() bool {
	return s.fired
}

// Pending returns the outstanding item names in sorted order.
func (s *BooleanSet) Pending() []string {
	out := make([]string, 0, len(s.pending))
	for name := range s.pending {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
