// Package dec21154 implements the DEC 21154 PCI-to-PCI bridge that carries
// the expansion slots of the Blue & White G3.
package dec21154

import (
	"github.com/tinyrange/macppc/internal/devreg"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/intctrl"
	"github.com/tinyrange/macppc/internal/pci"
	"github.com/tinyrange/macppc/internal/props"
)

var ids = pci.IDs{Vendor: 0x1011, Device: 0x0026, Revision: 0x02, Class: 0x060400}

// Chip-specific registers.
const (
	regChipCtrl = 0x40
	regArbCtrl  = 0x44
	regPMCap    = 0xdc

	numExtRegs = (0x100 - 0x40) / 4
)

// YosemiteIRQMap wires the three 64-bit slots behind the bridge.
var YosemiteIRQMap = []pci.IRQMapEntry{
	{DevFun: pci.DevFun(1, 0), SlotName: "pci_A", Source: intctrl.SrcPCIA},
	{DevFun: pci.DevFun(2, 0), SlotName: "pci_B", Source: intctrl.SrcPCIB},
	{DevFun: pci.DevFun(3, 0), SlotName: "pci_C", Source: intctrl.SrcPCIC},
}

func init() {
	for name, m := range map[string][]pci.IRQMapEntry{
		"Dec21154":         nil,
		"Dec21154Yosemite": YosemiteIRQMap,
	} {
		devreg.Register(name, devreg.Description{
			Create: func(name string, _ *props.Settings) (hwcomp.Component, error) {
				return New(name, m), nil
			},
			Types:       hwcomp.TypePCIDev | hwcomp.TypePCIHost,
			DisplayName: "DEC 21154",
		})
	}
}

// Bridge is the 21154. Its secondary bus is bus 1 until firmware
// renumbers it.
type Bridge struct {
	hwcomp.Base
	pci.Bridge

	ext [numExtRegs]uint32
}

// New returns a bridge whose secondary slots are wired per irqMap.
func New(name string, irqMap []pci.IRQMapEntry) *Bridge {
	b := &Bridge{}
	b.Init(b, name, hwcomp.TypePCIDev|hwcomp.TypePCIHost)
	b.InitBridge(b, ids, 0x1f, irqMap)
	b.SetBusNumbers(0, 1, 1)
	// Only the upper three bits of the secondary latency timer exist.
	b.SecLatencyMask = 0xf8
	b.ext[(regArbCtrl-0x40)/4] = 0x0200
	return b
}

// ReadConfigExt implements pci.ConfigExtension.
func (b *Bridge) ReadConfigExt(reg uint8) uint32 {
	return b.ext[(reg-0x40)/4]
}

// WriteConfigExt implements pci.ConfigExtension. The power management
// capability is read-only.
func (b *Bridge) WriteConfigExt(reg uint8, value uint32) {
	if reg&^3 == regPMCap {
		return
	}
	b.ext[(reg-0x40)/4] = value
}

var (
	_ pci.BusBridge       = (*Bridge)(nil)
	_ pci.ConfigExtension = (*Bridge)(nil)
)
