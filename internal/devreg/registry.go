// Package devreg is the catalog of constructible device types. Device
// packages add themselves from init functions; the machine factory looks
// them up by name.
package devreg

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/props"
)

// ErrUnknownDevice is returned when no description is registered under a
// name.
var ErrUnknownDevice = errors.New("unknown device")

// CreateFunc builds a device. name is the registry name the device was
// requested as; settings holds the resolved machine settings.
type CreateFunc func(name string, settings *props.Settings) (hwcomp.Component, error)

// Description describes a constructible device type.
type Description struct {
	Create CreateFunc
	// Children are device-list entries instantiated under the device: paths
	// ("Name@hexaddr") or property assignments ("prop=value").
	Children []string
	// Props are the settings the device reads, with their defaults.
	Props map[string]props.Property
	Types hwcomp.Type
	// DisplayName is an optional human-readable name.
	DisplayName string
}

// Registry maps device names to descriptions.
type Registry struct {
	mu    sync.RWMutex
	descs map[string]Description
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{descs: make(map[string]Description)}
}

// Default is the registry device packages add themselves to.
var Default = New()

// Register adds desc under name. Registering a name twice is a programming
// error.
func (r *Registry) Register(name string, desc Description) {
	if desc.Create == nil {
		panic(fmt.Sprintf("devreg: device %q has no constructor", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descs[name]; exists {
		panic(fmt.Sprintf("devreg: device %q registered twice", name))
	}
	r.descs[name] = desc
}

// Register adds desc to the Default registry.
func Register(name string, desc Description) {
	Default.Register(name, desc)
}

// Lookup returns the description registered under name.
func (r *Registry) Lookup(name string) (Description, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[name]
	return d, ok
}

// Exists reports whether name is registered.
func (r *Registry) Exists(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descs))
	for name := range r.descs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates the named device.
func (r *Registry) Create(name string, settings *props.Settings) (hwcomp.Component, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("devreg: %w %q", ErrUnknownDevice, name)
	}
	c, err := d.Create(name, settings)
	if err != nil {
		return nil, fmt.Errorf("devreg: create %q: %w", name, err)
	}
	if c == nil {
		return nil, fmt.Errorf("devreg: create %q: constructor returned nil", name)
	}
	return c, nil
}

// DefineSettings declares the registry defaults of name and, recursively,
// of every device named in its default children. Unknown children are
// skipped; the factory reports them when it instantiates the tree.
func (r *Registry) DefineSettings(name string, s *props.Settings) {
	r.defineSettings(name, s, map[string]bool{})
}

func (r *Registry) defineSettings(name string, s *props.Settings, seen map[string]bool) {
	if seen[name] {
		return
	}
	seen[name] = true
	d, ok := r.Lookup(name)
	if !ok {
		return
	}
	keys := make([]string, 0, len(d.Props))
	for k := range d.Props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.DefineDefault(k, d.Props[k])
	}
	for _, child := range d.Children {
		for _, dev := range EntryDevices(child) {
			r.defineSettings(dev, s, seen)
		}
	}
}
