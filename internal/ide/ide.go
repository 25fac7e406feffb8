// Package ide implements an IDE channel: two device slots behind one
// register file, selected through the device/head register.
package ide

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/intctrl"
)

// Reg indexes the task file. Control block registers follow the command
// block.
type Reg int

const (
	RegData Reg = iota
	RegError
	RegSecCount
	RegLBALow
	RegLBAMid
	RegLBAHigh
	RegDevHead
	RegStatus
	RegAltStatus
	NumRegs

	RegFeatures = RegError
	RegCommand  = RegStatus
	RegDevCtrl  = RegAltStatus
)

// Status register bits.
const (
	StatusERR  = 0x01
	StatusDRQ  = 0x08
	StatusDSC  = 0x10
	StatusDRDY = 0x40
	StatusBSY  = 0x80

	devHeadDev = 0x10
)

var (
	ErrBadSlot      = errors.New("ide slot must be 0 or 1")
	ErrNotIDEDevice = errors.New("not an IDE device")
)

// Device is a unit on the channel.
type Device interface {
	hwcomp.Component
	ReadReg(reg Reg) uint16
	// WriteReg receives every write to the channel; selected reports
	// whether the unit is the one the device/head register addresses.
	WriteReg(reg Reg, value uint16, selected bool)
}

// Host is implemented by components embedding a Channel. Devices use it to
// reach their channel.
type Host interface {
	IDEChannel() *Channel
}

// nullDevice answers for an empty slot.
type nullDevice struct{}

func (nullDevice) HW() *hwcomp.Base { return nil }

func (nullDevice) ReadReg(reg Reg) uint16 {
	if reg == RegData {
		return 0xffff
	}
	return 0
}

func (nullDevice) WriteReg(Reg, uint16, bool) {}

// Channel is the slot pair. Components embed it and call InitChannel.
type Channel struct {
	owner  hwcomp.Component
	src    intctrl.Source
	irq    intctrl.Details
	devs   [2]Device
	curDev int
	devCtl uint16
}

// InitChannel prepares empty slots. src is the interrupt input the
// channel is wired to.
func (c *Channel) InitChannel(owner hwcomp.Component, src intctrl.Source) {
	c.owner = owner
	c.src = src
	c.devs = [2]Device{nullDevice{}, nullDevice{}}
}

// IDEChannel implements Host.
func (c *Channel) IDEChannel() *Channel { return c }

// Selected returns the index of the currently selected unit.
func (c *Channel) Selected() int { return c.curDev }

// Unit returns the device in slot, or nil for an empty slot.
func (c *Channel) Unit(slot int) Device {
	if slot < 0 || slot > 1 {
		return nil
	}
	if _, null := c.devs[slot].(nullDevice); null {
		return nil
	}
	return c.devs[slot]
}

// ReadReg reads from the selected unit.
func (c *Channel) ReadReg(reg Reg) uint16 {
	if reg == RegDevHead {
		v := c.devs[c.curDev].ReadReg(reg)
		if c.curDev == 1 {
			v |= devHeadDev
		}
		return v
	}
	return c.devs[c.curDev].ReadReg(reg)
}

// WriteReg broadcasts a register write to both units.
func (c *Channel) WriteReg(reg Reg, value uint16) {
	switch reg {
	case RegDevHead:
		c.curDev = 0
		if value&devHeadDev != 0 {
			c.curDev = 1
		}
	case RegDevCtrl:
		c.devCtl = value
	}
	for i, d := range c.devs {
		d.WriteReg(reg, value, i == c.curDev)
	}
}

// RaiseIRQ drives the channel interrupt unless the host disabled it
// through nIEN.
func (c *Channel) RaiseIRQ(level bool) {
	if level && c.devCtl&0x02 != 0 {
		return
	}
	if !c.irq.Valid() {
		d, err := intctrl.Register(c.owner, c.src)
		if err != nil {
			slog.Warn("ide: interrupt not wired", "channel", c.owner.HW().Name(), "err", err)
			return
		}
		c.irq = d
	}
	c.irq.Raise(level)
}

// PostInit implements hwcomp.PostIniter: the channel interrupt is wired
// once a controller exists.
func (c *Channel) PostInit(hwcomp.Component) hwcomp.PostInitResult {
	if c.irq.Valid() || c.src == intctrl.SrcNone {
		return hwcomp.PostInitOK
	}
	d, err := intctrl.Register(c.owner, c.src)
	if err != nil {
		if errors.Is(err, hwcomp.ErrNotFound) {
			return hwcomp.PostInitRetry
		}
		slog.Warn("ide: interrupt not wired", "channel", c.owner.HW().Name(), "err", err)
		return hwcomp.PostInitOK
	}
	c.irq = d
	return hwcomp.PostInitOK
}

// Release implements hwcomp.Releaser.
func (c *Channel) Release() error {
	c.irq.Release()
	c.irq = intctrl.Details{}
	return nil
}

// AttachChild implements hwcomp.ChildAttacher.
func (c *Channel) AttachChild(addr int, child hwcomp.Component) error {
	if addr < 0 || addr > 1 {
		return fmt.Errorf("ide: slot %d: %w", addr, ErrBadSlot)
	}
	d, ok := child.(Device)
	if !ok {
		return fmt.Errorf("ide: %q: %w", child.HW().Name(), ErrNotIDEDevice)
	}
	c.devs[addr] = d
	return nil
}

// DetachChild implements hwcomp.ChildDetacher.
func (c *Channel) DetachChild(child hwcomp.Component) error {
	for i, d := range c.devs {
		if hwcomp.Component(d) == child {
			c.devs[i] = nullDevice{}
		}
	}
	return nil
}

// NextSlot implements hwcomp.SlotAssigner: master first, then slave.
func (c *Channel) NextSlot(hwcomp.Component) (int, error) {
	for i := range c.devs {
		if c.Unit(i) == nil {
			return i, nil
		}
	}
	return -1, fmt.Errorf("ide: channel %q full: %w", c.owner.HW().Name(), hwcomp.ErrNoSlot)
}

// Image properties and the devices that serve them.
var imageDevices = map[string]string{
	"hdd_img": "AtaHardDisk",
	"cdr_img": "AtapiCdrom",
}

// SetProperty implements hwcomp.PropertySetter. hdd_img and cdr_img create
// a disk or CD-ROM unit holding the image path at addr, or in the first
// free slot.
func (c *Channel) SetProperty(cr hwcomp.Creator, name, value string, addr int) (hwcomp.Component, error) {
	devName, ok := imageDevices[name]
	if !ok {
		return c.owner.HW().SetOwnProperty(cr, name, value, addr)
	}
	if value == "" {
		return c.owner, nil
	}
	if cr == nil {
		return nil, fmt.Errorf("ide: %s=%s: no device creator", name, value)
	}
	if addr < 0 {
		slot, err := c.NextSlot(nil)
		if err != nil {
			return nil, err
		}
		addr = slot
	}
	comp, err := cr.CreateDevice(devName)
	if err != nil {
		return nil, fmt.Errorf("ide: %s: %w", name, err)
	}
	if err := comp.HW().OverrideProperty("image", value); err != nil {
		return nil, fmt.Errorf("ide: %s: %w", name, err)
	}
	if _, occupied := c.owner.HW().Child(addr); occupied {
		if err := c.owner.HW().RemoveDevice(addr); err != nil {
			slog.Warn("ide: removing slot occupant", "slot", addr, "err", err)
		}
	}
	if _, err := c.owner.HW().AddDevice(addr, comp, ""); err != nil {
		return nil, err
	}
	slog.Info("ide: unit attached", "channel", c.owner.HW().Name(), "slot", addr, "device", devName, "image", value)
	return comp, nil
}

// ReadMMIO serves the register file at 16-byte spacing, as mac-io places
// it. The data register is little-endian on the bus.
func (c *Channel) ReadMMIO(off uint64, data []byte) error {
	reg := mmioReg(off)
	if reg < 0 {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	v := c.ReadReg(reg)
	switch len(data) {
	case 1:
		data[0] = byte(v)
	case 2:
		data[0], data[1] = byte(v), byte(v>>8)
	default:
		for i := range data {
			data[i] = 0
		}
		data[0], data[1] = byte(v), byte(v>>8)
	}
	return nil
}

// WriteMMIO is the write side of ReadMMIO.
func (c *Channel) WriteMMIO(off uint64, data []byte) error {
	reg := mmioReg(off)
	if reg < 0 || len(data) == 0 {
		return nil
	}
	v := uint16(data[0])
	if len(data) > 1 {
		v |= uint16(data[1]) << 8
	}
	c.WriteReg(reg, v)
	return nil
}

func mmioReg(off uint64) Reg {
	idx := off >> 4
	switch {
	case idx < 8:
		return Reg(idx)
	case idx == 0x16:
		return RegAltStatus
	}
	return -1
}
