package core

import (
	"sort"
	"sync"
)

// Statistic names sampled by the runtime.
const (
	StatStimulate    = "stimulate"
	StatSendStimulus = "sendStimulus"
	StatStartTimer   = "startTimer"
	StatCancelTimer  = "cancelTimer"
	StatCreateBiote  = "createBiote"
	StatActivation   = "activation"
	StatDropped      = "dropped"
	StatHandlerFault = "handlerFault"
)

// SystemStat aggregates the samples recorded under one name.
type SystemStat struct {
	Name    string `json:"name"`
	Min     int64  `json:"min"`
	Max     int64  `json:"max"`
	Total   int64  `json:"total"`
	Samples int64  `json:"samples"`
}

// Mean returns the average sample value.
func (s SystemStat) Mean() float64 {
	if s.Samples == 0 {
		return 0
	}
	return float64(s.Total) / float64(s.Samples)
}

func (s *SystemStat) add(value int64) {
	if s.Samples == 0 || value < s.Min {
		s.Min = value
	}
	if s.Samples == 0 || value > s.Max {
		s.Max = value
	}
	s.Total += value
	s.Samples++
}

// Collector is a thread-safe accumulator of named samples.
//
// The window is drained by Flush; the lifetime aggregates are never reset
// and back the metrics exporter.
type Collector struct {
	mu       sync.Mutex
	window   map[string]*SystemStat
	lifetime map[string]*SystemStat
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		window:   make(map[string]*SystemStat),
		lifetime: make(map[string]*SystemStat),
	}
}

// Sample records value under name.
func (c *Collector) Sample(name string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.window[name]
	if !ok {
		w = &SystemStat{Name: name}
		c.window[name] = w
	}
	w.add(value)

	l, ok := c.lifetime[name]
	if !ok {
		l = &SystemStat{Name: name}
		c.lifetime[name] = l
	}
	l.add(value)
}

// Flush atomically drains the window and returns it sorted by name.
func (c *Collector) Flush() []SystemStat {
	c.mu.Lock()
	window := c.window
	c.window = make(map[string]*SystemStat)
	c.mu.Unlock()

	return sortedStats(window)
}

// Lifetime returns the cumulative aggregates sorted by name.
func (c *Collector) Lifetime() []SystemStat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedStats(c.lifetime)
}

func sortedStats(m map[string]*SystemStat) []SystemStat {
	out := make([]SystemStat, 0, len(m))
	for _, s := range m {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindStat returns the stat named name from stats.
func FindStat(stats []SystemStat, name string) (SystemStat, bool) {
	for _, s := range stats {
		if s.Name == name {
			return s, true
		}
	}
	return SystemStat{}, false
}
