package machines

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/tinyrange/macppc/internal/devices/atirage"
	"github.com/tinyrange/macppc/internal/devices/bootflash"
	"github.com/tinyrange/macppc/internal/devices/cuda"
	"github.com/tinyrange/macppc/internal/devices/grackle"
	"github.com/tinyrange/macppc/internal/devices/macio"
	"github.com/tinyrange/macppc/internal/devices/spd"
	"github.com/tinyrange/macppc/internal/devtree"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/machine"
	"github.com/tinyrange/macppc/internal/memctrl"
	"github.com/tinyrange/macppc/internal/nvram"
	"github.com/tinyrange/macppc/internal/pci"
)

func build(t *testing.T, name string, overrides map[string]string) *machine.Machine {
	t.Helper()
	m, err := machine.NewFactory(nil).Build(name, overrides)
	if err != nil {
		t.Fatalf("build %s: %v", name, err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func grackleOf(t *testing.T, m *machine.Machine) *grackle.Grackle {
	t.Helper()
	g, err := hwcomp.Lookup[*grackle.Grackle](m, hwcomp.TypeMemCtrl)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestBeigeG3Memory(t *testing.T) {
	m := build(t, "pmg3dt", map[string]string{"rambank2_size": "32"})
	mc, err := m.Memory()
	if err != nil {
		t.Fatal(err)
	}

	var ram []memctrl.Region
	for _, r := range mc.Regions() {
		if r.Kind == memctrl.KindRAM {
			ram = append(ram, r)
		}
	}
	if len(ram) != 2 || ram[0].Start != 0 || ram[0].Size != 64<<20 || ram[1].Start != 64<<20 || ram[1].Size != 32<<20 {
		t.Fatalf("RAM regions %v", ram)
	}
	if r := mc.FindRange(ROMBase); r == nil || r.Kind != memctrl.KindROM {
		t.Fatalf("no ROM at %#x", ROMBase)
	}

	via, err := hwcomp.Lookup[*cuda.ViaCuda](m, hwcomp.TypeI2CHost)
	if err != nil {
		t.Fatal(err)
	}
	for addr, want := range map[int]int{spd.BaseAddress: 64, spd.BaseAddress + 2: 32} {
		e, ok := via.DeviceAt(addr).(*spd.EEPROM)
		if !ok || e.SizeMB() != want {
			t.Errorf("SPD at %#x: %v", addr, via.DeviceAt(addr))
		}
	}
	if via.DeviceAt(spd.BaseAddress+1) != nil {
		t.Errorf("empty bank has an SPD EEPROM")
	}

	image := []byte{0x48, 0x00, 0x01, 0x00}
	if err := LoadROM(m, image); err != nil {
		t.Fatal(err)
	}
	if v, err := mc.Read(ROMBase+ROMSize-4, 4); err != nil || v != 0x48000100 {
		t.Fatalf("ROM tail reads %#x, %v", v, err)
	}
}

func TestNoRAM(t *testing.T) {
	_, err := machine.NewFactory(nil).Build("pmg3dt", map[string]string{"rambank0_size": "0"})
	if !errors.Is(err, ErrNoRAM) {
		t.Fatalf("err = %v", err)
	}
}

func TestGraphicsInterrupt(t *testing.T) {
	m := build(t, "pmg3dt", nil)
	g := grackleOf(t, m)

	card, ok := g.FindDevice(0, 0x12, 0).(*atirage.Card)
	if !ok {
		t.Fatalf("pci_GPU slot holds %v", g.FindDevice(0, 0x12, 0))
	}
	mio, ok := g.FindLocal(MacIODevFun>>3, 0).(*macio.MacIO)
	if !ok {
		t.Fatalf("no Heathrow on bus 0")
	}
	mio.SetMask(^uint64(0))
	card.RaiseIRQ(true)
	if mio.Levels() != 1<<24 {
		t.Fatalf("levels %#x after GPU interrupt", mio.Levels())
	}
	card.RaiseIRQ(false)
}

func TestNVRAMThroughMacIO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvram.bin")
	m, err := machine.NewFactory(nil).Build("pmg3dt", map[string]string{"nvram_path": path})
	if err != nil {
		t.Fatal(err)
	}
	mc, err := m.Memory()
	if err != nil {
		t.Fatal(err)
	}
	// NVRAM bytes sit on 16-byte strides inside the mac-io window.
	if err := mc.Write(MacIOBase+0x60000+7<<4, 0x5c, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if r := mc.FindRange(MacIOBase); r != nil {
		t.Fatalf("mac-io window survived teardown: %v", r)
	}

	n := nvram.New("NVRAM", path, nvram.DefaultSize)
	if n.Byte(7) != 0x5c {
		t.Fatalf("persisted byte = %#x", n.Byte(7))
	}
}

func TestBlueWhiteG3Bridge(t *testing.T) {
	m := build(t, "pmg3yos", map[string]string{"pci_B": "AtiRagePro"})
	g := grackleOf(t, m)

	sec, ok := Bridge(m)
	if !ok {
		t.Fatalf("no secondary bridge")
	}
	if sec.BusNumber() != 1 {
		t.Fatalf("secondary bus %d", sec.BusNumber())
	}
	card, ok := g.FindDevice(1, 2, 0).(*atirage.Card)
	if !ok {
		t.Fatalf("pci_B did not land behind the bridge")
	}
	if v := g.BusConfigRead(1, pci.DevFun(2, 0), 0, 4); v != 0x47501002 {
		t.Fatalf("config read through bridge %#x", v)
	}
	if irq := card.IRQ(); !irq.Valid() || irq.IRQ != 1<<22 {
		t.Fatalf("pci_B interrupt %v", irq)
	}
	if _, ok := g.FindDevice(0, 0x12, 0).(*atirage.Card); !ok {
		t.Fatalf("graphics slot empty")
	}
	if g.FindLocal(MacIODevFun>>3, 0).PCIFunction().IDs().Device != 0x0017 {
		t.Fatalf("expected Paddington on bus 0")
	}
}

func TestBlueWhiteG3BootFlash(t *testing.T) {
	m := build(t, "pmg3yos", nil)
	mc, err := m.Memory()
	if err != nil {
		t.Fatal(err)
	}
	if r := mc.FindRange(ROMBase); r != nil {
		t.Fatalf("flash machine has a ROM region %v", r)
	}
	if err := LoadROM(m, []byte{0x7c, 0x08, 0x02, 0xa6}); err != nil {
		t.Fatal(err)
	}
	if v, err := mc.Read(bootflash.Address, 4); err != nil || v != 0x7c0802a6 {
		t.Fatalf("flash reads %#x, %v", v, err)
	}
	if err := LoadROM(m, make([]byte, 2<<20)); err == nil {
		t.Fatalf("oversized image accepted")
	}
}

func TestDeviceTreeExport(t *testing.T) {
	m := build(t, "pmg3dt", nil)
	blob, err := devtree.Build(devtree.FromTree(m, "PowerMac G3"), 0)
	if err != nil {
		t.Fatal(err)
	}
	root, err := devtree.Parse(blob)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := root.Child("memory@0"); !ok {
		t.Fatalf("no memory node")
	}
	host, ok := root.Child("grackle@80000000")
	if !ok {
		t.Fatalf("no grackle node")
	}
	mio, ok := host.Child("heathrow@80")
	if !ok {
		t.Fatalf("no heathrow node under grackle")
	}
	if p := mio.Properties["device_type"]; len(p.Strings) == 0 || p.Strings[0] != "mac-io" {
		t.Fatalf("heathrow device_type %v", p)
	}
	gpu, ok := host.Child("atiragepro@90")
	if !ok {
		t.Fatalf("no graphics node")
	}
	if p := gpu.Properties["interrupts"]; len(p.U32) != 1 || p.U32[0] != 24 {
		t.Fatalf("graphics interrupts %v", p)
	}
}
