// Package bootstrap starts and stops the snackbot subsystems as modules
// ordered by their declared dependencies.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Module is a subsystem managed by the ModuleManager.
type Module interface {
	// Name returns the module identifier used in dependency lists
	Name() string

	// Start starts the module. Its dependencies are already running.
	Start(ctx context.Context) error

	// Stop stops the module. Modules depending on it are already stopped.
	Stop(ctx context.Context) error

	// Health returns the health status of the module
	Health(ctx context.Context) (HealthStatus, error)
}

// HealthStatus represents the health status of a module
type HealthStatus struct {
	// State indicates whether the module is healthy
	State HealthState `json:"state"`

	// Message provides additional information about the health status
	Message string `json:"message,omitempty"`

	// Data contains additional health information
	Data map[string]interface{} `json:"data,omitempty"`
}

// HealthState represents the health state of a module
type HealthState string

const (
	// HealthUnknown indicates the health status is unknown
	HealthUnknown HealthState = "unknown"

	// HealthHealthy indicates the module is healthy and operational
	HealthHealthy HealthState = "healthy"

	// HealthUnhealthy indicates the module is unhealthy but may recover
	HealthUnhealthy HealthState = "unhealthy"

	// HealthStopped indicates the module is not running
	HealthStopped HealthState = "stopped"
)

// Lifecycle errors
var (
	ErrCircularDependency = errors.New("circular module dependency")
	ErrUnknownDependency  = errors.New("unknown module dependency")
	ErrDuplicateModule    = errors.New("module already registered")
	ErrAlreadyStarted     = errors.New("modules already started")
	ErrNotRegistered      = errors.New("not registered")
)

// LifecycleEvent reports a module lifecycle transition to listeners.
type LifecycleEvent struct {
	Type      string    `json:"type"`
	Module    string    `json:"module,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     error     `json:"-"`
}

// Lifecycle event types
const (
	EventModuleStarting   = "module.starting"
	EventModuleStarted    = "module.started"
	EventModuleStartFault = "module.start_failed"
	EventModuleStopping   = "module.stopping"
	EventModuleStopped    = "module.stopped"
	EventModuleStopFault  = "module.stop_failed"
)

// ApplicationError represents an error that occurred during application lifecycle
type ApplicationError struct {
	Operation string
	Module    string
	Err       error
}

func (e *ApplicationError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("%s failed for module %s: %v", e.Operation, e.Module, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}
