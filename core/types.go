package core

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BioteID identifies a biote within its manager. Ids are never reused.
type BioteID uint32

// NoBiote is the zero id; it is never assigned.
const NoBiote BioteID = 0

// TimerID identifies a pending timer.
type TimerID uint32

// BioteState represents the lifecycle state of a biote.
type BioteState int32

const (
	// BioteCreated means the biote is registered but OnInit has not run
	BioteCreated BioteState = iota

	// BioteInitializing means OnInit is executing
	BioteInitializing

	// BioteRunning means the biote is processing stimuli
	BioteRunning

	// BioteShuttingDown means a shutdown was requested and finalize is pending
	BioteShuttingDown

	// BioteTerminated means the biote has been finalized and deregistered
	BioteTerminated
)

// String returns the string representation of BioteState.
func (s BioteState) String() string {
	switch s {
	case BioteCreated:
		return "created"
	case BioteInitializing:
		return "initializing"
	case BioteRunning:
		return "running"
	case BioteShuttingDown:
		return "shutting-down"
	case BioteTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Internal event names delivered to OnInit and OnFinalize.
const (
	EventInit     = "Event-Init"
	EventFinalize = "Event-Finalize"
)

// Pool size limits applied to ManagerOptions.
const (
	DefaultPoolSize = 4
	MinPoolSize     = 1
	MaxPoolSize     = 40
)

// DefaultLongActivation is the activation age reported by CheckThreadActivity.
const DefaultLongActivation = 5 * time.Second

// UndeliverableFunc observes stimuli that could not be delivered.
type UndeliverableFunc func(target BioteID, ev Event, reason error)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Name identifies the manager in logs
	Name string

	// WorkerPoolSize is the number of workers draining regular biotes
	WorkerPoolSize int

	// BlockingPoolSize is the number of workers draining blocking biotes
	BlockingPoolSize int

	// LongActivation is the threshold used by CheckThreadActivity
	LongActivation time.Duration

	// Logger receives runtime logs; defaults to the logrus standard logger
	Logger logrus.FieldLogger

	// Undeliverable is called for every dropped stimulus
	Undeliverable UndeliverableFunc
}

// DefaultManagerOptions returns the options used by the root manager.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		Name:             "rootInstance",
		WorkerPoolSize:   DefaultPoolSize,
		BlockingPoolSize: DefaultPoolSize,
		LongActivation:   DefaultLongActivation,
	}
}

// normalize fills zero values and clamps pool sizes.
func (o ManagerOptions) normalize() ManagerOptions {
	if o.Name == "" {
		o.Name = "rootInstance"
	}
	o.WorkerPoolSize = ClampPoolSize(o.WorkerPoolSize)
	o.BlockingPoolSize = ClampPoolSize(o.BlockingPoolSize)
	if o.LongActivation <= 0 {
		o.LongActivation = DefaultLongActivation
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// ClampPoolSize applies the default and the [MinPoolSize, MaxPoolSize] bounds.
func ClampPoolSize(n int) int {
	switch {
	case n == 0:
		return DefaultPoolSize
	case n < MinPoolSize:
		return MinPoolSize
	case n > MaxPoolSize:
		return MaxPoolSize
	default:
		return n
	}
}

// BioteOptions contains options for creating a biote.
type BioteOptions struct {
	// Name is a human-readable name used in logs
	Name string

	// Blocking schedules the biote on the blocking worker pool
	Blocking bool
}

// BioteStats contains runtime statistics for a biote.
type BioteStats struct {
	ID             BioteID    `json:"id"`
	Name           string     `json:"name,omitempty"`
	State          BioteState `json:"-"`
	StateName      string     `json:"state"`
	Blocking       bool       `json:"blocking"`
	Pending        int        `json:"pending"`
	EventsHandled  uint64     `json:"events_handled"`
	HandlerFaults  uint64     `json:"handler_faults"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at,omitempty"`
}

// ActivityReport describes an activation that has run longer than the threshold.
type ActivityReport struct {
	Worker  string        `json:"worker"`
	Biote   BioteID       `json:"biote"`
	Elapsed time.Duration `json:"elapsed"`
}

// ManagerSnapshot is a point-in-time view of manager gauges.
type ManagerSnapshot struct {
	Name          string `json:"name"`
	Running       bool   `json:"running"`
	Stopping      bool   `json:"stopping"`
	Biotes        int    `json:"biotes"`
	ReadyDepth    int    `json:"ready_depth"`
	PendingTimers int    `json:"pending_timers"`
	Workers       int    `json:"workers"`
	BusyWorkers   int    `json:"busy_workers"`
}
