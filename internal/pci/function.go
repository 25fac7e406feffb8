// Package pci implements PCI functions, host bridges and PCI-to-PCI
// bridges on top of the component tree.
//
// A host keeps a non-owning table of the functions on its bus keyed by the
// packed device/function number (dev<<3 | fun). The tree owns the devices;
// attaching a device to a host's subtree registers it and removing it
// unregisters it completely, reclaiming its windows and interrupt.
package pci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/intctrl"
	"github.com/tinyrange/macppc/internal/memctrl"
)

const (
	regVendorID   = 0x00
	regCommand    = 0x04
	regClassRev   = 0x08
	regHeaderMisc = 0x0c
	regBAR0       = 0x10
	regSubsystem  = 0x2c
	regROMBAR     = 0x30
	regCapPtr     = 0x34
	regIntLine    = 0x3c

	type0BARCount  = 6
	type0BARStride = 4

	cmdIOSpace  = 1 << 0
	cmdMemSpace = 1 << 1
	cmdMaster   = 1 << 2
	cmdWritable = 0x0547

	headerMultiFunction = 0x80
)

// DevFun packs a device and function number.
func DevFun(dev, fun int) int { return dev<<3 | fun&7 }

// SplitDevFun unpacks a device/function number.
func SplitDevFun(devFun int) (dev, fun int) { return devFun >> 3, devFun & 7 }

// IDs is the identity portion of a configuration header.
type IDs struct {
	Vendor    uint16
	Device    uint16
	Revision  uint8
	Class     uint32 // 24-bit class code: base, sub, prog-if
	SubVendor uint16
	SubSystem uint16
}

// Device is a PCI function living in the component tree.
type Device interface {
	hwcomp.Component
	PCIFunction() *Function
	ReadConfig(reg uint8) uint32
	WriteConfig(reg uint8, value uint32)
}

// ConfigExtension serves the device-specific registers from 0x40 up.
type ConfigExtension interface {
	ReadConfigExt(reg uint8) uint32
	WriteConfigExt(reg uint8, value uint32)
}

// IOHandler accepts port I/O forwarded by the host. ok reports whether the
// access was claimed.
type IOHandler interface {
	PCIIORead(port uint32, size int) (value uint32, ok bool)
	PCIIOWrite(port, value uint32, size int) (ok bool)
}

type bar struct {
	size    uint32
	io      bool
	addr    uint32
	probe   bool
	handler memctrl.MMIOHandler

	mapped   bool
	mappedAt uint32
}

func (b *bar) mask() uint32 {
	if b.size == 0 {
		return 0
	}
	m := ^(b.size - 1)
	if b.io {
		return m &^ 0x3
	}
	return m &^ 0xf
}

func (b *bar) value() uint32 {
	if b.size == 0 {
		return 0
	}
	v := b.addr & b.mask()
	if b.io {
		v |= 1
	}
	return v
}

// Function carries the type-0 configuration header of a device. Device
// types embed it next to hwcomp.Base and call InitFunction.
type Function struct {
	self   Device
	ext    ConfigExtension
	host   *Host
	devFun int

	ids        IDs
	command    uint16
	status     uint16
	cacheLine  uint8
	latency    uint8
	headerType uint8
	multiFunc  bool
	bars       [type0BARCount]bar
	intLine    uint8
	intPin     uint8

	rom       []byte
	romBAR    uint32
	romMapped bool
	romAt     uint32

	irq intctrl.Details
}

// InitFunction prepares the header. self is the outer device.
func (f *Function) InitFunction(self Device, ids IDs) {
	f.self = self
	f.ext, _ = self.(ConfigExtension)
	f.ids = ids
	f.devFun = -1
	f.intLine = 0xff
}

// PCIFunction implements Device.
func (f *Function) PCIFunction() *Function { return f }

// IDs returns the identity registers.
func (f *Function) IDs() IDs { return f.ids }

// DevFunNum returns the packed slot, or -1 when not on a bus.
func (f *Function) DevFunNum() int { return f.devFun }

// Bus returns the host the function sits on, if that bus is still alive.
func (f *Function) Bus() (*Host, bool) {
	if f.host == nil || !f.host.owner.HW().Alive() {
		return nil, false
	}
	return f.host, true
}

// MultiFunction reports the header-type multi-function bit.
func (f *Function) MultiFunction() bool { return f.multiFunc }

// SetMultiFunction sets the header-type multi-function bit.
func (f *Function) SetMultiFunction(on bool) { f.multiFunc = on }

// Command returns the command register.
func (f *Function) Command() uint16 { return f.command }

// SetIntPin declares the interrupt pin (1 = INTA#); 0 means none.
func (f *Function) SetIntPin(pin uint8) { f.intPin = pin }

// IntPin returns the interrupt pin.
func (f *Function) IntPin() uint8 { return f.intPin }

// IRQ returns the registered interrupt, possibly unwired.
func (f *Function) IRQ() intctrl.Details { return f.irq }

// RaiseIRQ drives the function's interrupt, registering it on first use.
func (f *Function) RaiseIRQ(level bool) {
	if !f.irq.Valid() {
		h, ok := f.Bus()
		if !ok {
			return
		}
		if _, err := h.RegisterPCIInt(f.self); err != nil {
			slog.Warn("pci: interrupt not wired", "device", f.self.HW().Name(), "err", err)
			return
		}
	}
	f.irq.Raise(level)
}

// SetBAR declares BAR index with the given power-of-two size. Memory BARs
// with a handler are mapped into the memory controller while the BAR holds
// an address and memory decoding is enabled. I/O BARs serve PCIIORead.
func (f *Function) SetBAR(index int, size uint32, io bool, h memctrl.MMIOHandler) error {
	if index < 0 || index >= type0BARCount {
		return fmt.Errorf("pci: BAR index %d out of range", index)
	}
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("pci: BAR %d size %#x is not a power of two", index, size)
	}
	f.bars[index] = bar{size: size, io: io, handler: h}
	return nil
}

// BARAddress returns the programmed address of BAR index.
func (f *Function) BARAddress(index int) uint32 {
	if index < 0 || index >= type0BARCount {
		return 0
	}
	return f.bars[index].addr & f.bars[index].mask()
}

// SetExpansionROM attaches option ROM contents served through the ROM BAR.
func (f *Function) SetExpansionROM(data []byte) {
	f.rom = data
}

func (f *Function) romSize() uint32 {
	if len(f.rom) == 0 {
		return 0
	}
	size := uint32(0x800)
	for size < uint32(len(f.rom)) {
		size <<= 1
	}
	return size
}

// ReadConfig implements Device for the type-0 header.
func (f *Function) ReadConfig(reg uint8) uint32 {
	reg &^= 3
	switch {
	case reg == regVendorID:
		return uint32(f.ids.Vendor) | uint32(f.ids.Device)<<16
	case reg == regCommand:
		return uint32(f.command) | uint32(f.status)<<16
	case reg == regClassRev:
		return uint32(f.ids.Revision) | (f.ids.Class&0xffffff)<<8
	case reg == regHeaderMisc:
		ht := f.headerType
		if f.multiFunc {
			ht |= headerMultiFunction
		}
		return uint32(f.cacheLine) | uint32(f.latency)<<8 | uint32(ht)<<16
	case reg >= regBAR0 && reg < regBAR0+type0BARCount*type0BARStride:
		return f.bars[(reg-regBAR0)/type0BARStride].value()
	case reg == regSubsystem:
		return uint32(f.ids.SubVendor) | uint32(f.ids.SubSystem)<<16
	case reg == regROMBAR:
		return f.romBAR
	case reg == regCapPtr:
		return 0
	case reg == regIntLine:
		return uint32(f.intLine) | uint32(f.intPin)<<8
	case reg >= 0x40:
		if f.ext != nil {
			return f.ext.ReadConfigExt(reg)
		}
	}
	return 0
}

// WriteConfig implements Device for the type-0 header.
func (f *Function) WriteConfig(reg uint8, value uint32) {
	reg &^= 3
	switch {
	case reg == regCommand:
		f.command = uint16(value) & cmdWritable
		f.status &^= uint16(value >> 16)
		f.updateMappings()
	case reg == regHeaderMisc:
		f.cacheLine = uint8(value)
		f.latency = uint8(value >> 8)
	case reg >= regBAR0 && reg < regBAR0+type0BARCount*type0BARStride:
		f.writeBAR(int(reg-regBAR0)/type0BARStride, value)
	case reg == regROMBAR:
		f.writeROMBAR(value)
	case reg == regIntLine:
		f.intLine = uint8(value)
	case reg >= 0x40:
		if f.ext != nil {
			f.ext.WriteConfigExt(reg, value)
		}
	}
}

func (f *Function) writeBAR(index int, value uint32) {
	b := &f.bars[index]
	if b.size == 0 {
		return
	}
	b.probe = value == 0xffffffff
	b.addr = value & b.mask()
	f.updateMappings()
}

func (f *Function) writeROMBAR(value uint32) {
	size := f.romSize()
	if size == 0 {
		return
	}
	f.romBAR = value & (^(size - 1) | 1)
	f.updateMappings()
}

// updateMappings brings the memory controller in line with the BARs and
// the command register.
func (f *Function) updateMappings() {
	h, ok := f.Bus()
	memOn := f.command&cmdMemSpace != 0
	for i := range f.bars {
		b := &f.bars[i]
		if b.io || b.handler == nil {
			continue
		}
		addr := b.addr & b.mask()
		want := ok && memOn && !b.probe && addr != 0
		if b.mapped && (!want || b.mappedAt != addr) {
			if h != nil {
				if err := h.UnregisterMMIORegion(uint64(b.mappedAt), f.self); err != nil {
					slog.Warn("pci: unmap BAR", "device", f.self.HW().Name(), "bar", i, "err", err)
				}
			}
			b.mapped = false
		}
		if want && !b.mapped {
			if err := h.RegisterMMIORegion(uint64(addr), uint64(b.size), f.self, b.handler); err != nil {
				slog.Warn("pci: map BAR", "device", f.self.HW().Name(), "bar", i, "err", err)
				continue
			}
			b.mapped, b.mappedAt = true, addr
		}
	}

	romAt := f.romBAR &^ 1
	wantROM := ok && memOn && f.romBAR&1 != 0 && romAt != 0
	if f.romMapped && (!wantROM || f.romAt != romAt) {
		if h != nil {
			if err := h.UnregisterMMIORegion(uint64(f.romAt), f.self); err != nil {
				slog.Warn("pci: unmap expansion ROM", "device", f.self.HW().Name(), "err", err)
			}
		}
		f.romMapped = false
	}
	if wantROM && !f.romMapped {
		if err := h.RegisterMMIORegion(uint64(romAt), uint64(f.romSize()), f.self, romHandler(f.rom)); err != nil {
			slog.Warn("pci: map expansion ROM", "device", f.self.HW().Name(), "err", err)
			return
		}
		f.romMapped, f.romAt = true, romAt
	}
}

// forgetMappings drops the local record of mapped windows after the host
// has reclaimed them.
func (f *Function) forgetMappings() {
	for i := range f.bars {
		f.bars[i].mapped = false
	}
	f.romMapped = false
}

func (f *Function) hasIOBAR() bool {
	for _, b := range f.bars {
		if b.io && b.size != 0 && b.handler != nil {
			return true
		}
	}
	return false
}

// PCIIORead implements IOHandler over the function's I/O BARs.
func (f *Function) PCIIORead(port uint32, size int) (uint32, bool) {
	b, off, ok := f.ioBAR(port, size)
	if !ok {
		return 0, false
	}
	data := make([]byte, size)
	if err := b.handler.ReadMMIO(uint64(off), data); err != nil {
		slog.Warn("pci: I/O read", "device", f.self.HW().Name(), "port", fmt.Sprintf("%#x", port), "err", err)
	}
	var v uint32
	for _, x := range data {
		v = v<<8 | uint32(x)
	}
	return v, true
}

// PCIIOWrite implements IOHandler over the function's I/O BARs.
func (f *Function) PCIIOWrite(port, value uint32, size int) bool {
	b, off, ok := f.ioBAR(port, size)
	if !ok {
		return false
	}
	data := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		data[i] = byte(value)
		value >>= 8
	}
	if err := b.handler.WriteMMIO(uint64(off), data); err != nil {
		slog.Warn("pci: I/O write", "device", f.self.HW().Name(), "port", fmt.Sprintf("%#x", port), "err", err)
	}
	return true
}

func (f *Function) ioBAR(port uint32, size int) (*bar, uint32, bool) {
	if f.command&cmdIOSpace == 0 {
		return nil, 0, false
	}
	for i := range f.bars {
		b := &f.bars[i]
		if !b.io || b.handler == nil || b.probe {
			continue
		}
		base := b.addr & b.mask()
		if base != 0 && port >= base && port+uint32(size) <= base+b.size {
			return b, port - base, true
		}
	}
	return nil, 0, false
}

type romHandler []byte

func (r romHandler) ReadMMIO(off uint64, data []byte) error {
	for i := range data {
		if o := off + uint64(i); o < uint64(len(r)) {
			data[i] = r[o]
		} else {
			data[i] = 0xff
		}
	}
	return nil
}

func (romHandler) WriteMMIO(uint64, []byte) error { return nil }
