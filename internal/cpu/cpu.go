// Package cpu is the boundary between the device core and the PowerPC
// CPU/MMU emulation, which lives elsewhere. Devices only ever need to raise
// a machine check or drive the external interrupt input.
package cpu

import (
	"errors"
	"log/slog"

	"github.com/tinyrange/macppc/internal/hwcomp"
)

// ErrBusFault is the cause reported for accesses nothing on the bus claims.
var ErrBusFault = errors.New("bus fault")

// Collaborator is what the core needs from the CPU.
type Collaborator interface {
	// MachineCheck delivers a machine-check exception.
	MachineCheck(cause error)
	// SetExtInt drives the external interrupt input.
	SetExtInt(level bool)
}

// Provider is implemented by machine roots that know their CPU.
type Provider interface {
	hwcomp.Component
	CPU() Collaborator
}

// Find returns the CPU of the machine containing c. Trees without a CPU get
// a collaborator that only logs.
func Find(c hwcomp.Component) Collaborator {
	if p, ok := hwcomp.Root(c).(Provider); ok && p.CPU() != nil {
		return p.CPU()
	}
	return logOnly{}
}

type logOnly struct{}

func (logOnly) MachineCheck(cause error) {
	slog.Error("cpu: machine check with no CPU attached", "cause", cause)
}

func (logOnly) SetExtInt(level bool) {
	slog.Debug("cpu: external interrupt with no CPU attached", "level", level)
}

// Recorder is a headless Collaborator that counts what it receives. It is
// the CPU of machines built without an execution core.
type Recorder struct {
	MachineChecks []error
	ExtInt        bool
	ExtIntEdges   int
}

// MachineCheck implements Collaborator.
func (r *Recorder) MachineCheck(cause error) {
	slog.Warn("cpu: machine check", "cause", cause)
	r.MachineChecks = append(r.MachineChecks, cause)
}

// SetExtInt implements Collaborator.
func (r *Recorder) SetExtInt(level bool) {
	if level && !r.ExtInt {
		r.ExtIntEdges++
	}
	r.ExtInt = level
}
