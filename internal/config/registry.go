package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/soundtrigger/pkg/hal"
	"github.com/MrWong99/soundtrigger/pkg/hal/virtual"
)

// ErrDriverNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: driver not registered")

// DriverFactory builds the hardware factory for one configured module.
type DriverFactory func(ModuleConfig) (hal.Factory, error)

// Registry maps driver names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]DriverFactory
}

// NewRegistry returns a [Registry] with the built-in "virtual" driver
// registered.
func NewRegistry() *Registry {
	r := &Registry{drivers: make(map[string]DriverFactory)}
	r.Register("virtual", newVirtual)
	return r
}

// Register registers a driver factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = factory
}

// Create instantiates the hardware factory for mc using the factory
// registered under mc.Driver.
func (r *Registry) Create(mc ModuleConfig) (hal.Factory, error) {
	r.mu.RLock()
	factory, ok := r.drivers[mc.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (module %q)", ErrDriverNotRegistered, mc.Driver, mc.Name)
	}
	return factory(mc)
}

// Names returns the registered driver names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.drivers))
}

// Build registers every module of cfg with a fresh [hal.Registry], in
// configuration order.
func (r *Registry) Build(cfg *Config) (*hal.Registry, error) {
	reg := hal.NewRegistry()
	for _, mc := range cfg.Modules {
		desc, err := mc.Descriptor()
		if err != nil {
			return nil, err
		}
		f, err := r.Create(mc)
		if err != nil {
			return nil, err
		}
		if _, err := reg.Register(desc, f); err != nil {
			return nil, fmt.Errorf("config: register module %q: %w", mc.Name, err)
		}
	}
	return reg, nil
}

// newVirtual builds an in-memory module. Recognised options:
//
//	latency: minimum duration of every driver call ("5ms" or milliseconds)
func newVirtual(mc ModuleConfig) (hal.Factory, error) {
	latency, err := mc.DurationOption("latency")
	if err != nil {
		return nil, err
	}
	return virtual.NewFactory(virtual.WithLatency(latency)), nil
}
