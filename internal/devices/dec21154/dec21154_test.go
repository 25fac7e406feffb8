package dec21154

import (
	"testing"

	"github.com/tinyrange/macppc/internal/devices/grackle"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/intctrl"
	"github.com/tinyrange/macppc/internal/pci"
)

type testRoot struct {
	hwcomp.Base
}

type testPIC struct {
	hwcomp.Base
	intctrl.Bitmap
}

type testCard struct {
	hwcomp.Base
	pci.Function
}

func newCard(name string) *testCard {
	c := &testCard{}
	c.Init(c, name, hwcomp.TypePCIDev)
	c.InitFunction(c, pci.IDs{Vendor: 0x106b, Device: 0x0019, Class: 0x0c0300})
	c.SetIntPin(1)
	return c
}

type creator map[string]func() hwcomp.Component

func (c creator) CreateDevice(name string) (hwcomp.Component, error) {
	return c[name](), nil
}

func newTree(t *testing.T) (*testRoot, *testPIC, *grackle.Grackle, *Bridge) {
	t.Helper()
	root := &testRoot{}
	root.Init(root, "root", hwcomp.TypeMachine)
	pic := &testPIC{Bitmap: intctrl.NewBitmap(intctrl.Wiring{
		intctrl.SrcPCIA:      21,
		intctrl.SrcPCIBridge: 25,
	}, nil)}
	pic.Init(pic, "pic", hwcomp.TypeIntCtrl)
	pic.SetMask(^uint64(0))
	g, err := grackle.New("GrackleYosemite", grackle.YosemiteIRQMap)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range []hwcomp.Component{g, pic} {
		if _, err := root.AddDevice(i, c, ""); err != nil {
			t.Fatal(err)
		}
	}
	br := New("Dec21154Yosemite", YosemiteIRQMap)
	if _, err := g.AddDevice(pci.DevFun(0x0d, 0), br, ""); err != nil {
		t.Fatal(err)
	}
	return root, pic, g, br
}

func TestConfigThroughBridge(t *testing.T) {
	_, _, g, br := newTree(t)
	if v := g.BusConfigRead(0, pci.DevFun(0x0d, 0), 0, 4); v != 0x00261011 {
		t.Fatalf("bridge id %#x", v)
	}
	if v := g.BusConfigRead(0, pci.DevFun(0x0d, 0), 0x18, 4); v&0xffffff != 0x010100 {
		t.Fatalf("bus numbers %#x", v)
	}

	card, err := br.ApplyProperty(creator{"Usb": func() hwcomp.Component { return newCard("Usb") }}, "pci_A", "Usb", -1)
	if err != nil {
		t.Fatal(err)
	}
	if card.HW().UnitAddress() != pci.DevFun(1, 0) {
		t.Fatalf("pci_A at %#x", card.HW().UnitAddress())
	}
	if g.FindDevice(1, 1, 0) != card {
		t.Fatalf("card not reachable on bus 1")
	}
	if v := g.BusConfigRead(1, pci.DevFun(1, 0), 0, 4); v != 0x0019106b {
		t.Fatalf("card id through bridge %#x", v)
	}
	if v := g.BusConfigRead(2, pci.DevFun(1, 0), 0, 4); v != 0xffffffff {
		t.Fatalf("bus 2 reads %#x", v)
	}
}

func TestSlotInterrupts(t *testing.T) {
	root, pic, _, br := newTree(t)
	slotted, unslotted := newCard("a"), newCard("x")
	if _, err := br.AddDevice(pci.DevFun(1, 0), slotted, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := br.AddDevice(pci.DevFun(5, 0), unslotted, ""); err != nil {
		t.Fatal(err)
	}
	if r := br.PostInit(root); r != hwcomp.PostInitOK {
		t.Fatalf("bridge post-init %s", r)
	}
	if got := slotted.IRQ().Source; got != intctrl.SrcPCIA {
		t.Fatalf("slot A wired to %s", got)
	}
	// Slots without a wire share the bridge's own interrupt.
	if got := unslotted.IRQ().Source; got != intctrl.SrcPCIBridge {
		t.Fatalf("unwired slot shares %s", got)
	}
	unslotted.RaiseIRQ(true)
	if pic.Levels() != 1<<25 {
		t.Fatalf("levels %#x", pic.Levels())
	}
}

func TestChipRegisters(t *testing.T) {
	_, _, g, _ := newTree(t)
	df := pci.DevFun(0x0d, 0)
	if v := g.BusConfigRead(0, df, regArbCtrl, 4); v != 0x0200 {
		t.Fatalf("arbiter control %#x", v)
	}
	g.BusConfigWrite(0, df, regChipCtrl, 4, 0x12)
	if v := g.BusConfigRead(0, df, regChipCtrl, 4); v != 0x12 {
		t.Fatalf("chip control %#x", v)
	}
	g.BusConfigWrite(0, df, regPMCap, 4, 0xffffffff)
	if v := g.BusConfigRead(0, df, regPMCap, 4); v != 0 {
		t.Fatalf("PM capability writable: %#x", v)
	}
	g.BusConfigWrite(0, df, 0x18, 4, 0xff020100)
	if v := g.BusConfigRead(0, df, 0x18, 4); v>>24 != 0xf8 {
		t.Fatalf("secondary latency %#x", v>>24)
	}
}
