package pci

import (
	"github.com/tinyrange/macppc/internal/hwcomp"
)

const (
	regBusNumbers    = 0x18
	regIOBaseLimit   = 0x1c
	regMemBaseLimit  = 0x20
	regPrefBaseLimit = 0x24
	regPrefBaseUpper = 0x28
	regPrefLimUpper  = 0x2c
	regIOUpper       = 0x30
	regBridgeROM     = 0x38
	regBridgeControl = 0x3c

	type1BARCount = 2
)

// Bridge is a PCI-to-PCI bridge: a type-1 function on its primary bus and
// the host of its secondary bus. Device types embed it with hwcomp.Base and
// call InitBridge.
type Bridge struct {
	Function
	Host

	primary     uint8
	secondary   uint8
	subordinate uint8
	secLatency  uint8
	// SecLatencyMask selects the settable bits of the secondary latency
	// timer.
	SecLatencyMask uint8

	ioBase    uint16
	ioLimit   uint16
	memBase   uint16
	memLimit  uint16
	prefBase  uint16
	prefLimit uint16
	secStatus uint16
	control   uint16
}

// InitBridge prepares both halves of the bridge. irqMap wires the slots of
// the secondary bus; slots without an entry share the bridge's interrupt.
func (b *Bridge) InitBridge(self BusBridge, ids IDs, devMax int, irqMap []IRQMapEntry) {
	b.InitFunction(self, ids)
	b.headerType = 1
	b.InitHost(self, 0, 0, devMax, irqMap)
	b.SecLatencyMask = 0xff
}

// BusRange implements BusBridge.
func (b *Bridge) BusRange() (secondary, subordinate int) {
	return int(b.secondary), int(b.subordinate)
}

// SetBusNumbers programs the bus number registers directly.
func (b *Bridge) SetBusNumbers(primary, secondary, subordinate uint8) {
	b.primary, b.secondary, b.subordinate = primary, secondary, subordinate
	b.busNum = int(secondary)
}

// BusNumbers returns the primary, secondary and subordinate bus numbers.
func (b *Bridge) BusNumbers() (primary, secondary, subordinate uint8) {
	return b.primary, b.secondary, b.subordinate
}

// BridgeControl returns the bridge control register.
func (b *Bridge) BridgeControl() uint16 { return b.control }

// ReadConfig implements Device for the type-1 header.
func (b *Bridge) ReadConfig(reg uint8) uint32 {
	reg &^= 3
	switch {
	case reg >= regBAR0 && reg < regBAR0+type1BARCount*type0BARStride:
		return b.Function.ReadConfig(reg)
	case reg == regBusNumbers:
		return uint32(b.primary) | uint32(b.secondary)<<8 | uint32(b.subordinate)<<16 | uint32(b.secLatency)<<24
	case reg == regIOBaseLimit:
		return uint32(b.ioBase&0xf0|1) | uint32(b.ioLimit&0xf0|1)<<8 | uint32(b.secStatus)<<16
	case reg == regMemBaseLimit:
		return uint32(b.memBase&0xfff0) | uint32(b.memLimit&0xfff0)<<16
	case reg == regPrefBaseLimit:
		return uint32(b.prefBase&0xfff0) | uint32(b.prefLimit&0xfff0)<<16
	case reg == regPrefBaseUpper, reg == regPrefLimUpper, reg == regIOUpper, reg == regBridgeROM:
		return 0
	case reg == regBridgeControl:
		return uint32(b.intLine) | uint32(b.intPin)<<8 | uint32(b.control)<<16
	case reg < regBAR0 || reg == regCapPtr || reg >= 0x40:
		return b.Function.ReadConfig(reg)
	}
	return 0
}

// WriteConfig implements Device for the type-1 header.
func (b *Bridge) WriteConfig(reg uint8, value uint32) {
	reg &^= 3
	switch {
	case reg >= regBAR0 && reg < regBAR0+type1BARCount*type0BARStride:
		b.Function.WriteConfig(reg, value)
	case reg == regBusNumbers:
		b.SetBusNumbers(uint8(value), uint8(value>>8), uint8(value>>16))
		b.secLatency = uint8(value>>24) & b.SecLatencyMask
	case reg == regIOBaseLimit:
		b.ioBase = uint16(value) & 0xf0
		b.ioLimit = uint16(value>>8) & 0xf0
		b.secStatus &^= uint16(value >> 16)
	case reg == regMemBaseLimit:
		b.memBase = uint16(value) & 0xfff0
		b.memLimit = uint16(value>>16) & 0xfff0
	case reg == regPrefBaseLimit:
		b.prefBase = uint16(value) & 0xfff0
		b.prefLimit = uint16(value>>16) & 0xfff0
	case reg == regBridgeControl:
		b.intLine = uint8(value)
		b.control = uint16(value>>16) & 0x0fff
	case reg < regBAR0 || reg >= 0x40:
		b.Function.WriteConfig(reg, value)
	}
}

// ioWindow returns the forwarded I/O range [base, limit].
func (b *Bridge) ioWindow() (uint32, uint32) {
	return uint32(b.ioBase) << 8, uint32(b.ioLimit)<<8 | 0xfff
}

func (b *Bridge) forwardsIO(port uint32) bool {
	if b.command&cmdIOSpace == 0 {
		return false
	}
	base, limit := b.ioWindow()
	return base <= limit && port >= base && port <= limit
}

// PCIIORead implements IOHandler by forwarding window hits to the
// secondary bus.
func (b *Bridge) PCIIORead(port uint32, size int) (uint32, bool) {
	if !b.forwardsIO(port) {
		return 0, false
	}
	return b.ioRead(port, size)
}

// PCIIOWrite implements IOHandler by forwarding window hits to the
// secondary bus.
func (b *Bridge) PCIIOWrite(port, value uint32, size int) bool {
	if !b.forwardsIO(port) {
		return false
	}
	return b.ioWrite(port, value, size)
}

var _ hwcomp.SlotAssigner = (*Bridge)(nil)
