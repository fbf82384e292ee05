package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultModuleTimeout bounds each module Start and Stop call.
const DefaultModuleTimeout = 30 * time.Second

// ModuleManager starts modules in dependency order and stops them in reverse.
type ModuleManager struct {
	// modules holds all registered modules
	modules map[string]Module

	// dependencies tracks module dependencies
	dependencies map[string][]string

	// registryMu guards modules and dependencies for readers that must not
	// wait on a Start or Stop in progress
	registryMu sync.RWMutex

	// startOrder tracks the modules that are running, in start order
	startOrder []string

	log     logrus.FieldLogger
	timeout time.Duration

	// mutex protects concurrent access
	mutex   sync.RWMutex
	started bool

	listenersMu sync.RWMutex
	listeners   []func(LifecycleEvent)
}

// NewModuleManager creates an empty module manager.
func NewModuleManager(log logrus.FieldLogger) *ModuleManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ModuleManager{
		modules:      make(map[string]Module),
		dependencies: make(map[string][]string),
		log:          log.WithField("component", "modules"),
		timeout:      DefaultModuleTimeout,
	}
}

// SetTimeout sets the timeout for module operations
func (mm *ModuleManager) SetTimeout(timeout time.Duration) {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()
	mm.timeout = timeout
}

// Register adds a module that starts after every module named in deps.
func (mm *ModuleManager) Register(module Module, deps ...string) error {
	if module == nil {
		return fmt.Errorf("module cannot be nil")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("module name cannot be empty")
	}

	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	if mm.started {
		return fmt.Errorf("register %s: %w", name, ErrAlreadyStarted)
	}
	if _, exists := mm.modules[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}

	mm.registryMu.Lock()
	defer mm.registryMu.Unlock()
	mm.modules[name] = module
	mm.dependencies[name] = append([]string(nil), deps...)
	return nil
}

// StartOrder returns the order Start would use.
func (mm *ModuleManager) StartOrder() ([]string, error) {
	mm.registryMu.RLock()
	defer mm.registryMu.RUnlock()
	return TopologicalSort(mm.dependencies)
}

// Start starts every module in dependency order. If a module fails, the
// modules already started are stopped in reverse order and the failure is
// returned as an *ApplicationError wrapping the module's error. Errors from
// that unwind are logged, not returned.
func (mm *ModuleManager) Start(ctx context.Context) error {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	if mm.started {
		return ErrAlreadyStarted
	}

	order, err := mm.StartOrder()
	if err != nil {
		return &ApplicationError{Operation: "start", Err: err}
	}
	mm.log.WithField("order", strings.Join(order, ",")).Info("starting modules")

	for _, name := range order {
		module := mm.modules[name]
		mm.notify(LifecycleEvent{Type: EventModuleStarting, Module: name, Timestamp: time.Now()})

		startCtx, cancel := context.WithTimeout(ctx, mm.timeout)
		err := module.Start(startCtx)
		cancel()

		if err != nil {
			mm.notify(LifecycleEvent{Type: EventModuleStartFault, Module: name, Timestamp: time.Now(), Error: err})
			mm.log.WithError(err).WithField("module", name).Error("module failed to start, unwinding")
			mm.unwind(ctx)
			return &ApplicationError{Operation: "start", Module: name, Err: err}
		}

		mm.startOrder = append(mm.startOrder, name)
		mm.notify(LifecycleEvent{Type: EventModuleStarted, Module: name, Timestamp: time.Now()})
	}

	mm.started = true
	return nil
}

// unwind stops the started modules after a startup fault.
func (mm *ModuleManager) unwind(ctx context.Context) {
	for _, name := range reversed(mm.startOrder) {
		if err := mm.stopModule(ctx, name); err != nil {
			mm.log.WithError(err).WithField("module", name).Warn("stop failed during startup unwind")
		}
	}
	mm.startOrder = nil
}

// Stop stops the running modules in reverse start order. Every module is
// stopped; the first error is returned.
func (mm *ModuleManager) Stop(ctx context.Context) error {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	if !mm.started {
		return nil
	}

	var first error
	for _, name := range reversed(mm.startOrder) {
		if err := mm.stopModule(ctx, name); err != nil {
			mm.log.WithError(err).WithField("module", name).Error("module failed to stop")
			if first == nil {
				first = &ApplicationError{Operation: "stop", Module: name, Err: err}
			}
		}
	}

	mm.started = false
	mm.startOrder = nil
	mm.log.Info("modules stopped")
	return first
}

func (mm *ModuleManager) stopModule(ctx context.Context, name string) error {
	mm.notify(LifecycleEvent{Type: EventModuleStopping, Module: name, Timestamp: time.Now()})

	stopCtx, cancel := context.WithTimeout(ctx, mm.timeout)
	err := mm.modules[name].Stop(stopCtx)
	cancel()

	if err != nil {
		mm.notify(LifecycleEvent{Type: EventModuleStopFault, Module: name, Timestamp: time.Now(), Error: err})
		return err
	}
	mm.notify(LifecycleEvent{Type: EventModuleStopped, Module: name, Timestamp: time.Now()})
	return nil
}

// Health returns the health status of all modules
func (mm *ModuleManager) Health(ctx context.Context) map[string]HealthStatus {
	mm.registryMu.RLock()
	modules := make(map[string]Module, len(mm.modules))
	for name, m := range mm.modules {
		modules[name] = m
	}
	mm.registryMu.RUnlock()

	health := make(map[string]HealthStatus, len(modules))
	for name, module := range modules {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := module.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		health[name] = status
	}
	return health
}

// Modules returns all registered module names, sorted
func (mm *ModuleManager) Modules() []string {
	mm.registryMu.RLock()
	defer mm.registryMu.RUnlock()

	names := make([]string, 0, len(mm.modules))
	for name := range mm.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Module returns a registered module by name
func (mm *ModuleManager) Module(name string) (Module, bool) {
	mm.registryMu.RLock()
	defer mm.registryMu.RUnlock()

	m, ok := mm.modules[name]
	return m, ok
}

// IsStarted returns true if the modules have been started
func (mm *ModuleManager) IsStarted() bool {
	mm.mutex.RLock()
	defer mm.mutex.RUnlock()
	return mm.started
}

// AddListener adds a lifecycle event listener. Listeners run synchronously
// on the goroutine calling Start or Stop.
func (mm *ModuleManager) AddListener(listener func(LifecycleEvent)) {
	mm.listenersMu.Lock()
	defer mm.listenersMu.Unlock()
	mm.listeners = append(mm.listeners, listener)
}

func (mm *ModuleManager) notify(event LifecycleEvent) {
	mm.listenersMu.RLock()
	listeners := mm.listeners
	mm.listenersMu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					mm.log.WithField("panic", r).Error("lifecycle listener panicked")
				}
			}()
			listener(event)
		}()
	}
}

// TopologicalSort orders the keys of deps so that every name comes after
// its dependencies, using Kahn's algorithm. Ties are broken by name so the
// order is deterministic.
func TopologicalSort(deps map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))

	for name := range deps {
		inDegree[name] += 0
	}
	for name, requires := range deps {
		for _, dep := range requires {
			if _, exists := deps[dep]; !exists {
				return nil, fmt.Errorf("%w: %s requires %s", ErrUnknownDependency, name, dep)
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(deps))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(deps) {
		var cycle []string
		for name, degree := range inDegree {
			if degree > 0 {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return nil, fmt.Errorf("%w among %s", ErrCircularDependency, strings.Join(cycle, ", "))
	}
	return order, nil
}

func reversed(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[len(names)-1-i] = name
	}
	return out
}
