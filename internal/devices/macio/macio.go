// Package macio implements the Heathrow and Paddington mac-io ASICs: a PCI
// function whose single memory BAR hosts the interrupt controller and the
// register windows of the NVRAM, the VIA/Cuda and the two IDE channels.
package macio

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/macppc/internal/cpu"
	"github.com/tinyrange/macppc/internal/devreg"
	"github.com/tinyrange/macppc/internal/devtree"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/ide"
	"github.com/tinyrange/macppc/internal/intctrl"
	"github.com/tinyrange/macppc/internal/memctrl"
	"github.com/tinyrange/macppc/internal/nvram"
	"github.com/tinyrange/macppc/internal/pci"
	"github.com/tinyrange/macppc/internal/props"
)

const (
	// Size is the span of BAR 0.
	Size = 0x80000

	defaultWindow = 0x1000

	// Interrupt registers, little-endian. Set 2 covers bits 32-63.
	regEvents2 = 0x10
	regMask2   = 0x14
	regClear2  = 0x18
	regLevels2 = 0x1c
	regEvents1 = 0x20
	regMask1   = 0x24
	regClear1  = 0x28
	regLevels1 = 0x2c
	intRegsEnd = 0x30
)

// DevWiring is the device interrupt bit assignment shared by both chips.
var DevWiring = intctrl.Wiring{
	intctrl.SrcSCSIMesh:  12,
	intctrl.SrcIDE0:      13,
	intctrl.SrcIDE1:      14,
	intctrl.SrcSCCA:      15,
	intctrl.SrcSCCB:      16,
	intctrl.SrcVIACuda:   18,
	intctrl.SrcSWIM3:     19,
	intctrl.SrcNMI:       20,
	intctrl.SrcPCIA:      21,
	intctrl.SrcPCIB:      22,
	intctrl.SrcPCIC:      23,
	intctrl.SrcPCIGPU:    24,
	intctrl.SrcPCIBridge: 25,
	intctrl.SrcPCIPerch:  26,
	intctrl.SrcUSB:       28,
	intctrl.SrcFirewire:  29,
	intctrl.SrcEthernet:  42,
}

// DMAWiring assigns the DMA channel interrupts.
var DMAWiring = intctrl.Wiring{
	intctrl.SrcDMASCSIMesh:   0,
	intctrl.SrcDMAEthernetTx: 2,
	intctrl.SrcDMAEthernetRx: 3,
	intctrl.SrcDMASCCATx:     4,
	intctrl.SrcDMASCCARx:     5,
	intctrl.SrcDMASCCBTx:     6,
	intctrl.SrcDMASCCBRx:     7,
	intctrl.SrcDMADAVBusTx:   8,
	intctrl.SrcDMADAVBusRx:   9,
	intctrl.SrcDMAIDE0:       10,
	intctrl.SrcDMAIDE1:       11,
}

var children = []string{
	"NVRAM@60000",
	"ViaCuda@16000",
	"MacIoIde0@20000",
	"MacIoIde1@21000",
}

func init() {
	for name, device := range map[string]uint16{"Heathrow": 0x0010, "Paddington": 0x0017} {
		devreg.Register(name, devreg.Description{
			Create: func(name string, _ *props.Settings) (hwcomp.Component, error) {
				return New(name, device)
			},
			Children:    children,
			Types:       hwcomp.TypePCIDev | hwcomp.TypeIntCtrl | hwcomp.TypeMMIODev,
			DisplayName: "mac-io " + name,
		})
	}
	devreg.Register("NVRAM", devreg.Description{
		Create: func(name string, s *props.Settings) (hwcomp.Component, error) {
			return nvram.New(name, s.StrOr("nvram_path", ""), nvram.DefaultSize), nil
		},
		Props: map[string]props.Property{"nvram_path": props.NewStr("")},
		Types: hwcomp.TypeNVRAM,
	})
	for name, src := range map[string]intctrl.Source{"MacIoIde0": intctrl.SrcIDE0, "MacIoIde1": intctrl.SrcIDE1} {
		devreg.Register(name, devreg.Description{
			Create: func(name string, _ *props.Settings) (hwcomp.Component, error) {
				return NewIDE(name, src), nil
			},
			Types: hwcomp.TypeIDEBus,
		})
	}
}

// MacIO is the ASIC. Its children sit at their offset into BAR 0.
type MacIO struct {
	hwcomp.Base
	pci.Function
	intctrl.Bitmap
}

// New returns a mac-io chip with the given PCI device ID.
func New(name string, device uint16) (*MacIO, error) {
	m := &MacIO{Bitmap: intctrl.NewBitmap(DevWiring, DMAWiring)}
	m.Init(m, name, hwcomp.TypePCIDev|hwcomp.TypeIntCtrl|hwcomp.TypeMMIODev)
	m.InitFunction(m, pci.IDs{Vendor: 0x106b, Device: device, Revision: 1, Class: 0xff0000})
	if err := m.SetBAR(0, Size, false, window{m}); err != nil {
		return nil, fmt.Errorf("macio: %w", err)
	}
	return m, nil
}

// PostInit implements hwcomp.PostIniter: the combined output drives the
// CPU's external interrupt.
func (m *MacIO) PostInit(root hwcomp.Component) hwcomp.PostInitResult {
	m.SetOutput(cpu.Find(root))
	return hwcomp.PostInitOK
}

// DeviceTreeProperties implements devtree.Extender.
func (m *MacIO) DeviceTreeProperties() map[string]devtree.Property {
	return map[string]devtree.Property{
		"device_type":          devtree.Str("mac-io"),
		"interrupt-controller": {Flag: true},
		"#interrupt-cells":     devtree.Cells(1),
		"assigned-addresses":   devtree.Cells(m.BARAddress(0), Size),
	}
}

func (m *MacIO) readIntReg(off uint64) (uint32, bool) {
	switch off &^ 3 {
	case regEvents2:
		return uint32(m.Events() >> 32), true
	case regMask2:
		return uint32(m.Mask() >> 32), true
	case regLevels2:
		return uint32(m.Levels() >> 32), true
	case regEvents1:
		return uint32(m.Events()), true
	case regMask1:
		return uint32(m.Mask()), true
	case regLevels1:
		return uint32(m.Levels()), true
	case regClear1, regClear2:
		return 0, true
	}
	return 0, false
}

func (m *MacIO) writeIntReg(off uint64, v uint32) bool {
	switch off &^ 3 {
	case regMask2:
		m.SetMask(m.Mask()&0xffffffff | uint64(v)<<32)
	case regClear2:
		m.ClearEvents(uint64(v) << 32)
	case regMask1:
		m.SetMask(m.Mask()&^0xffffffff | uint64(v))
	case regClear1:
		m.ClearEvents(uint64(v))
	case regEvents1, regEvents2, regLevels1, regLevels2:
	default:
		return false
	}
	return true
}

type sizer interface{ MMIOSize() uint64 }

// route finds the child whose window covers off.
func (m *MacIO) route(off uint64) (memctrl.MMIOHandler, uint64, bool) {
	for _, c := range m.Children() {
		h, ok := c.(memctrl.MMIOHandler)
		if !ok {
			continue
		}
		base := uint64(c.HW().UnitAddress())
		size := uint64(defaultWindow)
		if s, ok := c.(sizer); ok {
			size = s.MMIOSize()
		}
		if off >= base && off < base+size {
			return h, off - base, true
		}
	}
	return nil, 0, false
}

// window dispatches BAR 0.
type window struct{ m *MacIO }

func (w window) ReadMMIO(off uint64, data []byte) error {
	if off < intRegsEnd {
		v, ok := w.m.readIntReg(off)
		if ok {
			for i := range data {
				data[i] = byte(v >> (8 * ((int(off&3) + i) & 3)))
			}
			return nil
		}
	}
	if h, rel, ok := w.m.route(off); ok {
		return h.ReadMMIO(rel, data)
	}
	slog.Debug("macio: unclaimed read", "offset", fmt.Sprintf("%#x", off), "size", len(data))
	for i := range data {
		data[i] = 0xff
	}
	return nil
}

func (w window) WriteMMIO(off uint64, data []byte) error {
	if off < intRegsEnd {
		var v uint32
		for i := len(data) - 1; i >= 0; i-- {
			v = v<<8 | uint32(data[i])
		}
		if w.m.writeIntReg(off, v) {
			return nil
		}
	}
	if h, rel, ok := w.m.route(off); ok {
		return h.WriteMMIO(rel, data)
	}
	slog.Debug("macio: unclaimed write", "offset", fmt.Sprintf("%#x", off), "size", len(data))
	return nil
}

// IDE is one of the two ATA channels. Units attach at 0 and 1.
type IDE struct {
	hwcomp.Base
	ide.Channel
}

// NewIDE returns a channel wired to src.
func NewIDE(name string, src intctrl.Source) *IDE {
	c := &IDE{}
	c.Init(c, name, hwcomp.TypeIDEBus)
	c.InitChannel(c, src)
	return c
}

var (
	_ pci.Device            = (*MacIO)(nil)
	_ intctrl.Controller    = (*MacIO)(nil)
	_ hwcomp.PostIniter     = (*MacIO)(nil)
	_ devtree.Extender      = (*MacIO)(nil)
	_ memctrl.MMIOHandler   = (*IDE)(nil)
	_ hwcomp.PropertySetter = (*IDE)(nil)
	_ memctrl.MMIOHandler   = (*nvram.NVRAM)(nil)
)
