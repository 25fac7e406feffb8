// Package adb implements the Apple Desktop Bus host side and the common
// behaviour of ADB devices.
//
// Devices sit in an ordered list; polling order decides which device answers
// first when several share a bus address. A device's unit address in the
// tree is its position in that list, so removing a device renumbers the
// ones after it.
package adb

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/macppc/internal/hwcomp"
)

var ErrNotADBDevice = errors.New("not an ADB device")

// Command byte fields: address in bits 7..4, command in 3..2, register
// in 1..0. Flush is command 0 with register 1.
const (
	cmdReset  = 0x0
	cmdFlush  = 0x1
	cmdListen = 0x2
	cmdTalk   = 0x3
)

// Status is the bus outcome of a command.
type Status uint8

const (
	StatusOK Status = 0

	// StatusTimeout means no device answered a Talk.
	StatusTimeout Status = 1 << 0

	// StatusSRQ means some other device requested service.
	StatusSRQ Status = 1 << 1
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusSRQ:
		return "srq"
	case StatusTimeout | StatusSRQ:
		return "timeout|srq"
	}
	return fmt.Sprintf("Status(%#x)", uint8(s))
}

// Device is an ADB peripheral.
type Device interface {
	hwcomp.Component
	ADBDevice() *DeviceBase
	// Talk returns the contents of register reg, or nil if the device has
	// nothing to say. Only register 0 may consume device state.
	Talk(reg uint8) []byte
	Listen(reg uint8, data []byte)
	// Flush discards queued input. Register 3 is untouched.
	Flush()
	// Reset returns the device to its power-on state.
	Reset()
}

// Bus is the host side. Components embed it and call InitBus.
type Bus struct {
	owner   hwcomp.Component
	devices []Device

	inputBuf    [8]byte
	inputCount  int
	outputBuf   [8]byte
	outputCount int
	gotAnswer   bool
	collisions  int
}

// InitBus prepares the bus.
func (b *Bus) InitBus(owner hwcomp.Component) {
	b.owner = owner
}

// ADBBus returns b.
func (b *Bus) ADBBus() *Bus { return b }

// Devices returns the devices in polling order.
func (b *Bus) Devices() []Device {
	out := make([]Device, len(b.devices))
	copy(out, b.devices)
	return out
}

// Collisions returns how many Talk collisions the bus has seen.
func (b *Bus) Collisions() int { return b.collisions }

// Output returns the answer of the last Talk.
func (b *Bus) Output() []byte { return b.outputBuf[:b.outputCount] }

// ProcessCommand runs one bus transaction. cmd holds the command byte
// followed by any Listen data.
func (b *Bus) ProcessCommand(cmd []byte) Status {
	b.outputCount = 0
	b.gotAnswer = false
	if len(cmd) == 0 {
		return StatusTimeout
	}
	b.inputCount = copy(b.inputBuf[:], cmd[1:])

	addr := cmd[0] >> 4
	code := (cmd[0] >> 2) & 3
	reg := cmd[0] & 3

	switch {
	case cmd[0]&0x0f == cmdReset:
		for _, d := range b.devices {
			d.Reset()
		}
	case code == 0 && cmd[0]&3 == cmdFlush:
		for _, d := range b.devices {
			if d.ADBDevice().addr == addr {
				d.Flush()
			}
		}
	case code == cmdListen:
		for _, d := range b.devices {
			if d.ADBDevice().addr == addr {
				d.Listen(reg, b.inputBuf[:b.inputCount])
			}
		}
	case code == cmdTalk:
		for _, d := range b.devices {
			db := d.ADBDevice()
			if db.addr != addr {
				continue
			}
			// A device that loses arbitration keeps its data for the
			// next Talk.
			if b.gotAnswer {
				if answers(d, reg) {
					db.gotCollision = true
					b.collisions++
					slog.Debug("adb: talk collision", "addr", addr, "loser", d.HW().Name())
				}
				continue
			}
			data := d.Talk(reg)
			if data == nil {
				continue
			}
			b.gotAnswer = true
			b.outputCount = copy(b.outputBuf[:], data)
		}
	}

	status := StatusOK
	if code == cmdTalk && !b.gotAnswer {
		status |= StatusTimeout
	}
	for _, d := range b.devices {
		db := d.ADBDevice()
		if db.addr != addr && db.srqEnabled && db.pending != nil && db.pending() {
			status |= StatusSRQ
			break
		}
	}
	return status
}

// answers reports whether d would answer a Talk of reg without taking its
// queued register 0 data.
func answers(d Device, reg uint8) bool {
	if reg == 0 {
		db := d.ADBDevice()
		return db.pending != nil && db.pending()
	}
	return d.Talk(reg) != nil
}

// Poll talks register 0 of the devices that have data, in polling order,
// and returns the first answer together with the answering address.
func (b *Bus) Poll() (addr uint8, data []byte, ok bool) {
	for _, d := range b.devices {
		db := d.ADBDevice()
		if db.pending == nil || !db.pending() {
			continue
		}
		if b.ProcessCommand([]byte{db.addr<<4 | cmdTalk<<2})&StatusTimeout == 0 {
			return db.addr, b.Output(), true
		}
	}
	return 0, nil, false
}

// NextSlot implements hwcomp.SlotAssigner: devices are appended.
func (b *Bus) NextSlot(hwcomp.Component) (int, error) {
	return len(b.devices), nil
}

// AttachChild implements hwcomp.ChildAttacher.
func (b *Bus) AttachChild(addr int, child hwcomp.Component) error {
	d, ok := child.(Device)
	if !ok {
		return fmt.Errorf("adb: %q: %w", child.HW().Name(), ErrNotADBDevice)
	}
	b.devices = append(b.devices, d)
	sort.SliceStable(b.devices, func(i, j int) bool {
		return b.devices[i].HW().UnitAddress() < b.devices[j].HW().UnitAddress()
	})
	slog.Debug("adb: device attached", "name", d.HW().Name(), "bus_addr", d.ADBDevice().addr)
	return nil
}

// DetachChild implements hwcomp.ChildDetacher.
func (b *Bus) DetachChild(child hwcomp.Component) error {
	for i, d := range b.devices {
		if hwcomp.Component(d) == child {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			return nil
		}
	}
	return nil
}

// ChildReaddressed implements hwcomp.ChildReaddresser: polling order
// follows unit addresses.
func (b *Bus) ChildReaddressed(hwcomp.Component, int) error {
	sort.SliceStable(b.devices, func(i, j int) bool {
		return b.devices[i].HW().UnitAddress() < b.devices[j].HW().UnitAddress()
	})
	return nil
}

// ChildRemoved implements hwcomp.ChildRemovedNotifier: the remaining
// devices are renumbered to their list positions.
func (b *Bus) ChildRemoved(hwcomp.Component) {
	for i, d := range b.devices {
		if err := d.HW().ChangeUnitAddress(i); err != nil {
			slog.Error("adb: renumbering device", "name", d.HW().Name(), "err", err)
		}
	}
}
