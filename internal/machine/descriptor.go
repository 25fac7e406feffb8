// Package machine assembles machines from declarative descriptors.
//
// A descriptor lists device paths and property assignments. The factory
// instantiates them through the device registry, resolves unqualified
// assignments against a stack of recently created components, applies the
// resolved settings, and settles the tree with a bounded post-init pass.
package machine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/macppc/internal/props"
)

var (
	ErrUnknownMachine        = errors.New("unknown machine")
	ErrUnsatisfiedDependency = errors.New("unsatisfied post-init dependency")
	ErrPostInitFailed        = errors.New("post-init failed")
	ErrUnsupportedVersion    = errors.New("unsupported descriptor version")
)

// Descriptor describes a machine model.
type Descriptor struct {
	Name        string
	Description string
	// Devices are device-list entries, instantiated in order from the root.
	Devices []string
	// Settings are machine-level defaults; they replace registry defaults
	// of the same name.
	Settings map[string]props.Property
	// Setup runs once the device tree exists and before post-init, e.g. to
	// place RAM and ROM. It may be nil.
	Setup func(m *Machine) error
}

var (
	descMu sync.RWMutex
	descs  = map[string]*Descriptor{}
)

// Register adds a machine descriptor. Registering a name twice is a
// programming error.
func Register(d *Descriptor) {
	if d == nil || d.Name == "" {
		panic("machine: descriptor without a name")
	}
	descMu.Lock()
	defer descMu.Unlock()
	if _, exists := descs[d.Name]; exists {
		panic(fmt.Sprintf("machine: %q registered twice", d.Name))
	}
	descs[d.Name] = d
}

// Lookup returns the descriptor registered under name.
func Lookup(name string) (*Descriptor, error) {
	descMu.RLock()
	defer descMu.RUnlock()
	d, ok := descs[name]
	if !ok {
		return nil, fmt.Errorf("machine: %w %q", ErrUnknownMachine, name)
	}
	return d, nil
}

// Names returns the registered machine names in sorted order.
func Names() []string {
	descMu.RLock()
	defer descMu.RUnlock()
	names := make([]string, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
