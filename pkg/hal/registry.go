package hal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// ErrDuplicateModule is returned by [Registry.Register] when a module with the
// same name is already registered.
var ErrDuplicateModule = errors.New("hal: module already registered")

// Entry is one registered module: its descriptor and the factory used to
// connect to it.
type Entry struct {
	Descriptor soundtrigger.ModuleDescriptor
	Factory    Factory
}

// Registry enumerates the available hardware modules. Module handles are
// indices into the registration order, so lookups are O(1). Modules are
// registered once at startup and never removed. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	byName  map[string]int
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register adds a module and returns the handle assigned to it. The Handle
// field of desc is overwritten.
func (r *Registry) Register(desc soundtrigger.ModuleDescriptor, factory Factory) (soundtrigger.ModuleHandle, error) {
	if factory == nil {
		return 0, fmt.Errorf("hal: register %q: nil factory", desc.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[desc.Name]; ok {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateModule, desc.Name)
	}
	h := soundtrigger.ModuleHandle(len(r.entries))
	desc = desc.Clone()
	desc.Handle = h
	r.entries = append(r.entries, Entry{Descriptor: desc, Factory: factory})
	r.byName[desc.Name] = int(h)
	return h, nil
}

// List returns copies of all descriptors in handle order.
func (r *Registry) List() []soundtrigger.ModuleDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]soundtrigger.ModuleDescriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Descriptor.Clone()
	}
	return out
}

// Lookup returns the entry registered under handle.
func (r *Registry) Lookup(handle soundtrigger.ModuleHandle) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if handle < 0 || int(handle) >= len(r.entries) {
		return Entry{}, false
	}
	e := r.entries[handle]
	e.Descriptor = e.Descriptor.Clone()
	return e, true
}

// LookupName returns the entry registered under name.
func (r *Registry) LookupName(name string) (Entry, bool) {
	r.mu.RLock()
	i, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	return r.Lookup(soundtrigger.ModuleHandle(i))
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
