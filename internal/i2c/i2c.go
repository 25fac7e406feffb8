// Package i2c implements a 7-bit I2C bus and the device-side transaction
// contract.
package i2c

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/macppc/internal/hwcomp"
)

// NumAddresses is the size of the 7-bit address space.
const NumAddresses = 128

var (
	ErrDuplicateAddress = errors.New("i2c address already in use")
	ErrBadAddress       = errors.New("i2c address out of range")
	ErrNotI2CDevice     = errors.New("not an I2C device")
)

// Device is a target on the bus. Every phase returns whether the device
// acknowledged.
type Device interface {
	hwcomp.Component
	StartTransaction() bool
	SendSubaddress(sub uint8) bool
	SendByte(b uint8) bool
	ReceiveByte() (uint8, bool)
}

// Bus is the controller side. Components embed it and call InitBus.
type Bus struct {
	owner hwcomp.Component
	devs  [NumAddresses]Device
}

// InitBus prepares the table.
func (b *Bus) InitBus(owner hwcomp.Component) {
	b.owner = owner
}

// I2CBus returns b.
func (b *Bus) I2CBus() *Bus { return b }

// RegisterDevice claims addr for dev.
func (b *Bus) RegisterDevice(addr int, dev Device) error {
	if addr < 0 || addr >= NumAddresses {
		return fmt.Errorf("i2c: %#x: %w", addr, ErrBadAddress)
	}
	if dev == nil {
		return fmt.Errorf("i2c: register nil device at %#x", addr)
	}
	if cur := b.devs[addr]; cur != nil {
		return fmt.Errorf("i2c: %#x held by %q: %w", addr, cur.HW().Name(), ErrDuplicateAddress)
	}
	b.devs[addr] = dev
	slog.Debug("i2c: device registered", "addr", fmt.Sprintf("%#x", addr), "name", dev.HW().Name())
	return nil
}

// UnregisterDevice frees addr.
func (b *Bus) UnregisterDevice(addr int) error {
	if addr < 0 || addr >= NumAddresses {
		return fmt.Errorf("i2c: %#x: %w", addr, ErrBadAddress)
	}
	if b.devs[addr] == nil {
		return fmt.Errorf("i2c: nothing at %#x: %w", addr, hwcomp.ErrNotFound)
	}
	b.devs[addr] = nil
	return nil
}

// DeviceAt returns the device at addr, if any.
func (b *Bus) DeviceAt(addr int) Device {
	if addr < 0 || addr >= NumAddresses {
		return nil
	}
	return b.devs[addr]
}

// StartTransaction addresses the device at addr. Empty addresses NAK.
func (b *Bus) StartTransaction(addr uint8) bool {
	if d := b.DeviceAt(int(addr)); d != nil {
		return d.StartTransaction()
	}
	return false
}

// SendSubaddress passes a register index to the device at addr.
func (b *Bus) SendSubaddress(addr, sub uint8) bool {
	if d := b.DeviceAt(int(addr)); d != nil {
		return d.SendSubaddress(sub)
	}
	return false
}

// SendByte writes one data byte to the device at addr.
func (b *Bus) SendByte(addr, data uint8) bool {
	if d := b.DeviceAt(int(addr)); d != nil {
		return d.SendByte(data)
	}
	return false
}

// ReceiveByte reads one data byte from the device at addr.
func (b *Bus) ReceiveByte(addr uint8) (uint8, bool) {
	if d := b.DeviceAt(int(addr)); d != nil {
		return d.ReceiveByte()
	}
	return 0xff, false
}

// AttachChild registers an I2C child at its unit address. Components that
// embed Bus alone get this as their hwcomp.ChildAttacher.
func (b *Bus) AttachChild(addr int, child hwcomp.Component) error {
	dev, ok := child.(Device)
	if !ok {
		return fmt.Errorf("i2c: %q: %w", child.HW().Name(), ErrNotI2CDevice)
	}
	return b.RegisterDevice(addr, dev)
}

// DetachChild implements hwcomp.ChildDetacher.
func (b *Bus) DetachChild(child hwcomp.Component) error {
	if _, ok := child.(Device); !ok {
		return nil
	}
	return b.UnregisterDevice(child.HW().UnitAddress())
}

// ChildReaddressed implements hwcomp.ChildReaddresser: the device gives up
// its old address and claims the new one.
func (b *Bus) ChildReaddressed(child hwcomp.Component, oldAddr int) error {
	dev, ok := child.(Device)
	if !ok {
		return nil
	}
	addr := child.HW().UnitAddress()
	if addr < 0 || addr >= NumAddresses {
		return fmt.Errorf("i2c: %#x: %w", addr, ErrBadAddress)
	}
	if cur := b.devs[addr]; cur != nil && cur != dev {
		return fmt.Errorf("i2c: %#x held by %q: %w", addr, cur.HW().Name(), ErrDuplicateAddress)
	}
	if b.DeviceAt(oldAddr) == dev {
		b.devs[oldAddr] = nil
	}
	b.devs[addr] = dev
	slog.Debug("i2c: device moved", "from", fmt.Sprintf("%#x", oldAddr), "to", fmt.Sprintf("%#x", addr), "name", dev.HW().Name())
	return nil
}
