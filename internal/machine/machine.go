package machine

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/macppc/internal/cpu"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/memctrl"
	"github.com/tinyrange/macppc/internal/props"
	"github.com/tinyrange/macppc/internal/timer"
)

// Machine is the root of an assembled tree. It is the explicit build
// context: components reach the CPU, the timers and the settings through
// it instead of a global.
type Machine struct {
	hwcomp.Base
	desc     *Descriptor
	settings *props.Settings
	cpu      cpu.Collaborator
	timers   *timer.Manager
	closed   bool
}

func newMachine(d *Descriptor, s *props.Settings, c cpu.Collaborator) *Machine {
	m := &Machine{desc: d, settings: s, cpu: c, timers: timer.NewManager()}
	m.Init(m, d.Name, hwcomp.TypeMachine)
	return m
}

// Descriptor returns the descriptor the machine was built from.
func (m *Machine) Descriptor() *Descriptor { return m.desc }

// Settings returns the resolved settings.
func (m *Machine) Settings() *props.Settings { return m.settings }

// CPU implements cpu.Provider.
func (m *Machine) CPU() cpu.Collaborator { return m.cpu }

// Timers implements timer.Provider.
func (m *Machine) Timers() *timer.Manager { return m.timers }

// Memory returns the machine's memory controller.
func (m *Machine) Memory() (*memctrl.Controller, error) {
	return memctrl.Find(m)
}

// Close tears the tree down: every component is removed child first, which
// releases regions, interrupts and backing files. Close is idempotent.
func (m *Machine) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	err := m.ClearDevices()
	if err != nil {
		slog.Error("machine: teardown incomplete", "machine", m.Name(), "err", err)
		return fmt.Errorf("machine: close %s: %w", m.Name(), err)
	}
	slog.Debug("machine: torn down", "machine", m.Name())
	return nil
}

// Summary is a one-line description of a component for listings.
func Summary(c hwcomp.Component) string {
	b := c.HW()
	return fmt.Sprintf("%s [%s]", b.Path(), b.Types())
}

// Walk calls fn for every component with its depth below the root.
func (m *Machine) Walk(fn func(c hwcomp.Component, depth int)) {
	var walk func(c hwcomp.Component, depth int)
	walk = func(c hwcomp.Component, depth int) {
		fn(c, depth)
		for _, child := range c.HW().Children() {
			walk(child, depth+1)
		}
	}
	walk(m, 0)
}
