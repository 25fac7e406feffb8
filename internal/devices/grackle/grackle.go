// Package grackle implements the MPC106 "Grackle" memory controller and PCI
// host bridge of the Beige and Blue & White G3.
package grackle

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/macppc/internal/devreg"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/intctrl"
	"github.com/tinyrange/macppc/internal/memctrl"
	"github.com/tinyrange/macppc/internal/pci"
	"github.com/tinyrange/macppc/internal/props"
)

// Address map (CHRP map B).
const (
	IOBase      = 0xfe000000
	IOSize      = 0x00c00000
	CfgAddrBase = 0xfec00000
	CfgAddrSize = 0x00200000
	CfgDataBase = 0xfee00000
	CfgDataSize = 0x00100000
)

const (
	regPICR1 = 0xa8
	regMCCR1 = 0xf0

	cfgEnable = 1 << 31
)

var ids = pci.IDs{Vendor: 0x1057, Device: 0x0002, Revision: 0x40, Class: 0x060000}

// BeigeG3IRQMap wires the three expansion slots and the graphics slot of
// the Beige G3.
var BeigeG3IRQMap = []pci.IRQMapEntry{
	{DevFun: pci.DevFun(0x0d, 0), SlotName: "pci_A", Source: intctrl.SrcPCIA},
	{DevFun: pci.DevFun(0x0e, 0), SlotName: "pci_B", Source: intctrl.SrcPCIB},
	{DevFun: pci.DevFun(0x0f, 0), SlotName: "pci_C", Source: intctrl.SrcPCIC},
	{DevFun: pci.DevFun(0x12, 0), SlotName: "pci_GPU", Source: intctrl.SrcPCIGPU},
}

// YosemiteIRQMap wires the Blue & White G3: the secondary PCI bridge, the
// graphics slot and the FireWire and USB functions.
var YosemiteIRQMap = []pci.IRQMapEntry{
	{DevFun: pci.DevFun(0x0d, 0), Source: intctrl.SrcPCIBridge},
	{DevFun: pci.DevFun(0x0e, 0), SlotName: "pci_FireWire", Source: intctrl.SrcFirewire},
	{DevFun: pci.DevFun(0x12, 0), SlotName: "pci_GPU", Source: intctrl.SrcPCIGPU},
	{DevFun: pci.DevFun(0x14, 0), SlotName: "pci_USB", Source: intctrl.SrcUSB},
}

func init() {
	for name, m := range map[string][]pci.IRQMapEntry{
		"Grackle":         BeigeG3IRQMap,
		"GrackleYosemite": YosemiteIRQMap,
	} {
		devreg.Register(name, devreg.Description{
			Create: func(name string, _ *props.Settings) (hwcomp.Component, error) {
				return New(name, m)
			},
			Types:       hwcomp.TypeMemCtrl | hwcomp.TypePCIHost,
			DisplayName: "Motorola MPC106",
		})
	}
}

// Grackle is the memory controller and the host of PCI bus 0. It answers
// configuration cycles for itself at device 0.
type Grackle struct {
	hwcomp.Base
	memctrl.Controller
	pci.Host
	pci.Function

	cfgAddr uint32
	ext     [0x30]uint32
}

// New returns a Grackle whose bus wires slots per irqMap. Its configuration
// ports and the PCI I/O window are mapped in its own address map.
func New(name string, irqMap []pci.IRQMapEntry) (*Grackle, error) {
	g := &Grackle{}
	g.Init(g, name, hwcomp.TypeMemCtrl|hwcomp.TypePCIHost)
	g.InitHost(g, 0, 1, 0x1f, irqMap)
	g.InitFunction(g, ids)
	g.ext[(regPICR1-0x40)/4] = 0xff041b98
	g.ext[(regMCCR1-0x40)/4] = 0xff880000

	if err := g.RegisterDevice(0, g); err != nil {
		return nil, err
	}
	for _, w := range []struct {
		base, size uint64
		h          memctrl.MMIOHandler
	}{
		{CfgAddrBase, CfgAddrSize, cfgAddrPort{g}},
		{CfgDataBase, CfgDataSize, cfgDataPort{g}},
		{IOBase, IOSize, ioPort{g}},
	} {
		if err := g.AddMMIORegion(w.base, w.size, g, w.h); err != nil {
			return nil, fmt.Errorf("grackle: %w", err)
		}
	}
	return g, nil
}

// ReadConfigExt implements pci.ConfigExtension for the memory controller
// registers.
func (g *Grackle) ReadConfigExt(reg uint8) uint32 {
	return g.ext[(reg-0x40)/4]
}

// WriteConfigExt implements pci.ConfigExtension.
func (g *Grackle) WriteConfigExt(reg uint8, value uint32) {
	g.ext[(reg-0x40)/4] = value
}

// ConfigAddress returns the latched CONFIG_ADDR value.
func (g *Grackle) ConfigAddress() uint32 { return g.cfgAddr }

// Release implements hwcomp.Releaser: the address map is freed after every
// device has unmapped itself.
func (g *Grackle) Release() error {
	return g.ReleaseRegions()
}

// cfgAddrPort latches CONFIG_ADDR. The register is little-endian.
type cfgAddrPort struct{ g *Grackle }

func (p cfgAddrPort) ReadMMIO(_ uint64, data []byte) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], p.g.cfgAddr)
	copy(data, b[:])
	return nil
}

func (p cfgAddrPort) WriteMMIO(_ uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("grackle: CONFIG_ADDR written with size %d", len(data))
	}
	p.g.cfgAddr = binary.LittleEndian.Uint32(data)
	return nil
}

// cfgDataPort runs the configuration cycle CONFIG_ADDR selects. Data is
// little-endian; the low address bits pick the byte lane.
type cfgDataPort struct{ g *Grackle }

func (p cfgDataPort) target(off uint64) (bus, devFun int, reg uint8, ok bool) {
	a := p.g.cfgAddr
	if a&cfgEnable == 0 {
		return 0, 0, 0, false
	}
	return int(a>>16) & 0xff, int(a>>8) & 0xff, uint8(a&0xfc) | uint8(off&3), true
}

func (p cfgDataPort) ReadMMIO(off uint64, data []byte) error {
	bus, devFun, reg, ok := p.target(off)
	v := uint32(0xffffffff)
	if ok {
		v = p.g.BusConfigRead(bus, devFun, reg, len(data))
	}
	for i := range data {
		data[i] = byte(v >> (8 * i))
	}
	return nil
}

func (p cfgDataPort) WriteMMIO(off uint64, data []byte) error {
	bus, devFun, reg, ok := p.target(off)
	if !ok {
		return nil
	}
	var v uint32
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint32(data[i])
	}
	p.g.BusConfigWrite(bus, devFun, reg, len(data), v)
	return nil
}

// ioPort forwards the PCI I/O window to the devices on the bus.
type ioPort struct{ g *Grackle }

func (p ioPort) ReadMMIO(off uint64, data []byte) error {
	v := p.g.IOReadBroadcast(uint32(off), len(data))
	for i := len(data) - 1; i >= 0; i-- {
		data[i] = byte(v)
		v >>= 8
	}
	return nil
}

func (p ioPort) WriteMMIO(off uint64, data []byte) error {
	var v uint32
	for _, b := range data {
		v = v<<8 | uint32(b)
	}
	p.g.IOWriteBroadcast(uint32(off), v, len(data))
	return nil
}

var (
	_ pci.Device      = (*Grackle)(nil)
	_ memctrl.Host    = (*Grackle)(nil)
	_ hwcomp.Releaser = (*Grackle)(nil)
)
