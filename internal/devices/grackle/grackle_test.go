package grackle

import (
	"math/bits"
	"testing"

	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/pci"
)

type testCard struct {
	hwcomp.Base
	pci.Function
}

func newCard(name string, device uint16) *testCard {
	c := &testCard{}
	c.Init(c, name, hwcomp.TypePCIDev)
	c.InitFunction(c, pci.IDs{Vendor: 0x1234, Device: device, Class: 0x020000})
	return c
}

// configRead drives the little-endian configuration ports through the
// big-endian memory map, as firmware does with byte-reversed stores.
func configRead(t *testing.T, g *Grackle, bus, devFun int, reg uint8) uint32 {
	t.Helper()
	addr := uint32(cfgEnable) | uint32(bus)<<16 | uint32(devFun)<<8 | uint32(reg)
	if err := g.Write(CfgAddrBase, uint64(bits.ReverseBytes32(addr)), 4); err != nil {
		t.Fatal(err)
	}
	v, err := g.Read(CfgDataBase, 4)
	if err != nil {
		t.Fatal(err)
	}
	return bits.ReverseBytes32(uint32(v))
}

func TestConfigCycles(t *testing.T) {
	g, err := New("Grackle", BeigeG3IRQMap)
	if err != nil {
		t.Fatal(err)
	}
	if v := configRead(t, g, 0, 0, 0); v != 0x00021057 {
		t.Fatalf("host bridge id = %#x", v)
	}
	if v := configRead(t, g, 0, 0, regPICR1); v != 0xff041b98 {
		t.Fatalf("PICR1 = %#x", v)
	}
	if v := configRead(t, g, 0, pci.DevFun(0x0d, 0), 0); v != 0xffffffff {
		t.Fatalf("empty slot reads %#x", v)
	}

	card := newCard("card", 0x5678)
	if _, err := g.AddDevice(pci.DevFun(0x0d, 0), card, ""); err != nil {
		t.Fatal(err)
	}
	if v := configRead(t, g, 0, pci.DevFun(0x0d, 0), 0); v != 0x56781234 {
		t.Fatalf("card id = %#x", v)
	}
	if v := configRead(t, g, 1, 0, 0); v != 0xffffffff {
		t.Fatalf("unknown bus reads %#x", v)
	}
}

func TestNamedSlotAndNextSlot(t *testing.T) {
	g, err := New("Grackle", BeigeG3IRQMap)
	if err != nil {
		t.Fatal(err)
	}
	c := creator{"Card": func() hwcomp.Component { return newCard("Card", 1) }}
	got, err := g.ApplyProperty(c, "pci_GPU", "Card", -1)
	if err != nil || got == nil {
		t.Fatalf("pci_GPU: %v, %v", got, err)
	}
	if got.HW().UnitAddress() != pci.DevFun(0x12, 0) {
		t.Fatalf("pci_GPU landed at %#x", got.HW().UnitAddress())
	}
	// Slot 0 belongs to the bridge itself, so the first free device is 1.
	if slot, _ := g.NextSlot(nil); slot != pci.DevFun(1, 0) {
		t.Fatalf("next slot %#x", slot)
	}
	if g.FindLocal(0, 0) != pci.Device(g) {
		t.Fatalf("host bridge not at 00.0")
	}
}

func TestReleaseFreesMap(t *testing.T) {
	g, err := New("Grackle", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.AddRAMRegion(0, 1<<20); err != nil {
		t.Fatal(err)
	}
	if err := g.Release(); err != nil {
		t.Fatal(err)
	}
	if n := len(g.Regions()); n != 0 {
		t.Fatalf("%d regions left", n)
	}
}

type creator map[string]func() hwcomp.Component

func (c creator) CreateDevice(name string) (hwcomp.Component, error) {
	return c[name](), nil
}
