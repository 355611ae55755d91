// Package inprocess creates plugin instances from constructors compiled into the binary.
//
// Isolation is achieved by calling the constructor once per registry: every registry gets its
// own value and nothing is shared unless the constructor itself shares it. Constructors must
// therefore not hand out package level state.
package inprocess

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"ocm.software/open-component-model/multiregistry/instance"
	"ocm.software/open-component-model/multiregistry/lifecycle"
)

// Constructor creates a fresh plugin value for registry.
type Constructor func(ctx context.Context, registry string) (lifecycle.Plugin, error)

// Registry holds named constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds constructor under name. Registering a name twice is an error.
func (r *Registry) Register(name string, constructor Constructor) error {
	if name == "" {
		return fmt.Errorf("plugin name must not be empty")
	}
	if constructor == nil {
		return fmt.Errorf("constructor for plugin %q must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.constructors[name]; ok {
		return fmt.Errorf("plugin %q is already registered", name)
	}
	r.constructors[name] = constructor
	return nil
}

// Lookup returns the constructor registered under name.
func (r *Registry) Lookup(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.constructors[name]
	return c, ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.constructors))
}

// Factory returns an instance.Factory calling the constructor registered under name for
// every registry.
func (r *Registry) Factory(name string) (instance.Factory, error) {
	c, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("no builtin plugin %q, available: %v", name, r.Names())
	}
	return instance.FactoryFunc(c), nil
}

// Default is the registry builtin plugins add themselves to.
var Default = NewRegistry()

// MustRegister adds constructor to the Default registry and panics on failure.
// Meant to be called from init.
func MustRegister(name string, constructor Constructor) {
	if err := Default.Register(name, constructor); err != nil {
		panic(err)
	}
}
