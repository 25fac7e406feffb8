// Package devtree renders the machine's component tree as an Open
// Firmware style device tree and serializes it as a flattened device tree
// blob.
package devtree

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/memctrl"
	"github.com/tinyrange/macppc/internal/pci"
)

var deviceTypes = []struct {
	t    hwcomp.Type
	name string
}{
	{hwcomp.TypePCIHost, "pci"},
	{hwcomp.TypeIntCtrl, "interrupt-controller"},
	{hwcomp.TypeMemCtrl, "memory-controller"},
	{hwcomp.TypeIDEBus, "ide"},
	{hwcomp.TypeIDEDev, "block"},
	{hwcomp.TypeADBHost, "adb"},
	{hwcomp.TypeADBDev, "adb-device"},
	{hwcomp.TypeI2CHost, "i2c"},
	{hwcomp.TypeNVRAM, "nvram"},
	{hwcomp.TypeFlashCtrl, "rom"},
	{hwcomp.TypeVideo, "display"},
	{hwcomp.TypeMMIODev, "mac-io"},
}

// Extender lets a component contribute properties of its own.
type Extender interface {
	DeviceTreeProperties() map[string]Property
}

// FromTree converts the tree under root. The root node carries model and
// compatible; RAM regions of the memory controller become /memory.
func FromTree(root hwcomp.Component, model string) Node {
	out := Node{
		Name: "",
		Properties: map[string]Property{
			"model":          Str(model),
			"compatible":     {Strings: []string{"MacRISC", "Power Macintosh"}},
			"#address-cells": Cells(1),
			"#size-cells":    Cells(1),
		},
	}
	if mc, err := memctrl.Find(root); err == nil {
		if mem, ok := memoryNode(mc); ok {
			out.Children = append(out.Children, mem)
		}
	}
	for _, c := range root.HW().Children() {
		out.Children = append(out.Children, componentNode(c))
	}
	return out
}

func memoryNode(mc *memctrl.Controller) (Node, bool) {
	var reg []uint32
	for _, r := range mc.Regions() {
		if r.Kind == memctrl.KindRAM {
			reg = append(reg, uint32(r.Start), uint32(r.Size))
		}
	}
	if len(reg) == 0 {
		return Node{}, false
	}
	return Node{
		Name: "memory@0",
		Properties: map[string]Property{
			"device_type": Str("memory"),
			"reg":         Cells(reg...),
		},
	}, true
}

// nodeName turns a component name into an Open Firmware node name.
func nodeName(b *hwcomp.Base) string {
	name := strings.ToLower(strings.ReplaceAll(b.Name(), " ", "-"))
	if name == "" {
		name = "unnamed"
	}
	if b.UnitAddress() >= 0 {
		return fmt.Sprintf("%s@%x", name, b.UnitAddress())
	}
	return name
}

func componentNode(c hwcomp.Component) Node {
	b := c.HW()
	n := Node{
		Name:       nodeName(b),
		Properties: map[string]Property{"name": Str(b.Name())},
	}
	for _, dt := range deviceTypes {
		if b.SupportsType(dt.t) {
			n.Properties["device_type"] = Str(dt.name)
			break
		}
	}

	if dev, ok := c.(pci.Device); ok {
		f := dev.PCIFunction()
		ids := f.IDs()
		busNum := 0
		if h, ok := f.Bus(); ok {
			busNum = h.BusNumber()
		}
		n.Properties["reg"] = Cells(uint32(busNum)<<16|uint32(f.DevFunNum())<<8, 0, 0, 0, 0)
		n.Properties["vendor-id"] = Cells(uint32(ids.Vendor))
		n.Properties["device-id"] = Cells(uint32(ids.Device))
		n.Properties["revision-id"] = Cells(uint32(ids.Revision))
		n.Properties["class-code"] = Cells(ids.Class)
		if irq := f.IRQ(); irq.Valid() {
			n.Properties["interrupts"] = Cells(uint32(bits.TrailingZeros64(irq.IRQ)))
		}
	} else if b.UnitAddress() >= 0 {
		n.Properties["reg"] = Cells(uint32(b.UnitAddress()))
	}
	if h, ok := c.(interface{ PCIHost() *pci.Host }); ok {
		n.Properties["bus-range"] = Cells(uint32(h.PCIHost().BusNumber()), uint32(h.PCIHost().BusNumber()))
		if br, ok := c.(pci.BusBridge); ok {
			sec, sub := br.BusRange()
			n.Properties["bus-range"] = Cells(uint32(sec), uint32(sub))
		}
		n.Properties["#address-cells"] = Cells(3)
		n.Properties["#size-cells"] = Cells(2)
	}

	for _, name := range b.PropertyNames() {
		p, _ := b.Property(name)
		if v := p.String(); v != "" {
			n.Properties["macppc,"+name] = Str(v)
		}
	}
	if ext, ok := c.(Extender); ok {
		for k, v := range ext.DeviceTreeProperties() {
			n.Properties[k] = v
		}
	}

	for _, child := range b.Children() {
		n.Children = append(n.Children, componentNode(child))
	}
	return n
}
