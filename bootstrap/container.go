package bootstrap

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Names of the instances shared between modules through the Container.
const (
	InstanceConfig        = "config"
	InstanceManager       = "manager"
	InstanceNetworkServer = "network-server"
	InstanceDriveBiote    = "drive-biote"
	InstanceStatsStore    = "stats-store"
)

// ServiceFactory creates an instance on first resolution.
type ServiceFactory func(container *Container) (interface{}, error)

// Container shares instances between modules. Modules register what they
// create on Start and resolve what their dependencies created.
type Container struct {
	// factories holds registered factories
	factories map[string]ServiceFactory

	// instances holds created instances
	instances map[string]interface{}

	// mutex protects concurrent access
	mutex sync.RWMutex
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{
		factories: make(map[string]ServiceFactory),
		instances: make(map[string]interface{}),
	}
}

// Register registers a factory with the container
func (c *Container) Register(name string, factory ServiceFactory) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.factories[name]; exists {
		return fmt.Errorf("factory %s is already registered", name)
	}
	c.factories[name] = factory
	return nil
}

// RegisterInstance registers an instance, replacing a previous one so that
// a restarted module can publish its new instance.
func (c *Container) RegisterInstance(name string, instance interface{}) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}
	if instance == nil {
		return fmt.Errorf("instance %s cannot be nil", name)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.instances[name] = instance
	return nil
}

// RemoveInstance removes a cached instance
func (c *Container) RemoveInstance(name string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.instances, name)
}

// Resolve returns the instance registered under name, creating it from its
// factory if needed.
func (c *Container) Resolve(name string) (interface{}, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if instance, exists := c.instances[name]; exists {
		return instance, nil
	}

	factory, exists := c.factories[name]
	if !exists {
		return nil, fmt.Errorf("instance %s: %w", name, ErrNotRegistered)
	}

	instance, err := factory(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}
	c.instances[name] = instance
	return instance, nil
}

// ResolveAs resolves an instance and stores it in the value target points to
func (c *Container) ResolveAs(name string, target interface{}) error {
	instance, err := c.Resolve(name)
	if err != nil {
		return err
	}

	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Ptr || targetValue.IsNil() {
		return fmt.Errorf("target must be a non-nil pointer")
	}

	instanceValue := reflect.ValueOf(instance)
	targetType := targetValue.Elem().Type()
	if !instanceValue.Type().AssignableTo(targetType) {
		return fmt.Errorf("instance %s of type %s is not assignable to %s",
			name, instanceValue.Type(), targetType)
	}

	targetValue.Elem().Set(instanceValue)
	return nil
}

// Has checks if an instance or factory is registered
func (c *Container) Has(name string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	_, hasFactory := c.factories[name]
	_, hasInstance := c.instances[name]
	return hasFactory || hasInstance
}

// Names returns all registered names, sorted
func (c *Container) Names() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	nameSet := make(map[string]bool, len(c.factories)+len(c.instances))
	for name := range c.factories {
		nameSet[name] = true
	}
	for name := range c.instances {
		nameSet[name] = true
	}

	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
