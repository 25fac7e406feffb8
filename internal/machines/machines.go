// Package machines defines the Power Macintosh G3 models: the Beige G3
// (pmg3dt) and the Blue & White G3 (pmg3yos). Importing it registers both
// machines and every device they can contain.
package machines

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/macppc/internal/devices/bootflash"
	"github.com/tinyrange/macppc/internal/devices/cuda"
	"github.com/tinyrange/macppc/internal/devices/grackle"
	"github.com/tinyrange/macppc/internal/devices/spd"
	"github.com/tinyrange/macppc/internal/flash"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/machine"
	"github.com/tinyrange/macppc/internal/pci"
	"github.com/tinyrange/macppc/internal/props"

	_ "github.com/tinyrange/macppc/internal/devices/adbinput"
	_ "github.com/tinyrange/macppc/internal/devices/ata"
	_ "github.com/tinyrange/macppc/internal/devices/atirage"
	_ "github.com/tinyrange/macppc/internal/devices/dec21154"
	_ "github.com/tinyrange/macppc/internal/devices/macio"
)

// Address map shared by both models.
const (
	ROMBase     = 0xffc00000
	ROMSize     = 0x00400000
	MacIOBase   = 0xf3000000
	GrackleAddr = 0x80000000

	// MacIODevFun is where the mac-io chip sits on PCI bus 0.
	MacIODevFun = 0x80
	// BridgeDevFun is the DEC 21154 on the Blue & White G3.
	BridgeDevFun = 0x68

	pciCommand = 0x04
	pciBAR0    = 0x10
	cmdMemory  = 0x0002
)

var ErrNoRAM = errors.New("machines: no RAM installed")

func bankSetting(bank int) string { return fmt.Sprintf("rambank%d_size", bank) }

func bankSize(first bool) props.Property {
	def := int64(0)
	if first {
		def = 64
	}
	return props.NewIntList(def, 0, 8, 16, 32, 64, 128, 256)
}

func slotSettings(s map[string]props.Property) {
	for _, slot := range []string{"pci_A", "pci_B", "pci_C"} {
		s[slot] = props.NewStr("")
	}
	s["pci_GPU"] = props.NewStr("AtiRagePro")
}

func init() {
	dt := map[string]props.Property{
		"hdd_img":    props.NewStr(""),
		"cdr_img":    props.NewStr(""),
		"nvram_path": props.NewStr(""),
	}
	for bank := 0; bank < 3; bank++ {
		dt[bankSetting(bank)] = bankSize(bank == 0)
	}
	slotSettings(dt)
	machine.Register(&machine.Descriptor{
		Name:        "pmg3dt",
		Description: "Power Macintosh G3 (Beige) Desktop",
		Devices: []string{
			fmt.Sprintf("Grackle@%x", GrackleAddr),
			fmt.Sprintf("Grackle@%x/Heathrow@%x", GrackleAddr, MacIODevFun),
		},
		Settings: dt,
		Setup: func(m *machine.Machine) error {
			if err := installRAM(m, 3); err != nil {
				return err
			}
			mc, err := m.Memory()
			if err != nil {
				return err
			}
			if err := mc.AddROMRegion(ROMBase, ROMSize); err != nil {
				return fmt.Errorf("machines: ROM: %w", err)
			}
			return enableMacIO(m)
		},
	})

	yos := map[string]props.Property{
		"hdd_img":    props.NewStr(""),
		"cdr_img":    props.NewStr(""),
		"nvram_path": props.NewStr(""),
	}
	for bank := 0; bank < 4; bank++ {
		yos[bankSetting(bank)] = bankSize(bank == 0)
	}
	slotSettings(yos)
	machine.Register(&machine.Descriptor{
		Name:        "pmg3yos",
		Description: "Power Macintosh G3 (Blue and White)",
		Devices: []string{
			fmt.Sprintf("GrackleYosemite@%x", GrackleAddr),
			fmt.Sprintf("GrackleYosemite@%x/Dec21154Yosemite@%x", GrackleAddr, BridgeDevFun),
			fmt.Sprintf("GrackleYosemite@%x/Paddington@%x", GrackleAddr, MacIODevFun),
			fmt.Sprintf("BootFlash@%x", bootflash.Address),
		},
		Settings: yos,
		Setup: func(m *machine.Machine) error {
			if err := installRAM(m, 4); err != nil {
				return err
			}
			return enableMacIO(m)
		},
	})
}

// installRAM places the banks back to back from address 0 and describes
// each populated one with an SPD EEPROM on the Cuda's I2C bus.
func installRAM(m *machine.Machine, banks int) error {
	mc, err := m.Memory()
	if err != nil {
		return err
	}
	via, err := hwcomp.Lookup[*cuda.ViaCuda](m, hwcomp.TypeI2CHost)
	if err != nil {
		return fmt.Errorf("machines: SPD bus: %w", err)
	}
	var addr uint64
	for bank := 0; bank < banks; bank++ {
		mb := m.Settings().GetInt(bankSetting(bank))
		if mb == 0 {
			continue
		}
		size := uint64(mb) << 20
		if err := mc.AddRAMRegion(addr, size); err != nil {
			return fmt.Errorf("machines: bank %d: %w", bank, err)
		}
		e, err := spd.New(fmt.Sprintf("Spd%d", bank), int(mb))
		if err != nil {
			return err
		}
		if _, err := via.AddDevice(spd.BaseAddress+bank, e, ""); err != nil {
			return fmt.Errorf("machines: bank %d SPD: %w", bank, err)
		}
		slog.Debug("machines: RAM bank", "bank", bank, "addr", fmt.Sprintf("%#x", addr), "MB", mb)
		addr += size
	}
	if addr == 0 {
		return ErrNoRAM
	}
	return nil
}

// enableMacIO does what the firmware's PCI probe would: it places the
// mac-io BAR and turns on memory decoding.
func enableMacIO(m *machine.Machine) error {
	g, err := hwcomp.Lookup[*grackle.Grackle](m, hwcomp.TypeMemCtrl)
	if err != nil {
		return err
	}
	if g.FindLocal(MacIODevFun>>3, 0) == nil {
		return fmt.Errorf("machines: no mac-io at %02x.0: %w", MacIODevFun>>3, hwcomp.ErrNotFound)
	}
	g.BusConfigWrite(0, MacIODevFun, pciBAR0, 4, MacIOBase)
	g.BusConfigWrite(0, MacIODevFun, pciCommand, 2, cmdMemory)
	return nil
}

type flashHost interface {
	FlashController() *flash.Controller
}

// LoadROM installs a firmware image. Machines with boot flash get it
// programmed into the chips in order; the others get it copied into the
// ROM region, aligned to its end.
func LoadROM(m *machine.Machine, image []byte) error {
	if fh, err := hwcomp.Lookup[flashHost](m, hwcomp.TypeFlashCtrl); err == nil {
		rest := image
		for _, d := range fh.FlashController().Chips() {
			if len(rest) == 0 {
				break
			}
			chip := d.FlashChip()
			n := min(uint64(len(rest)), chip.Geometry().Size)
			if err := chip.Load(rest[:n]); err != nil {
				return err
			}
			rest = rest[n:]
		}
		if len(rest) > 0 {
			return fmt.Errorf("machines: %d bytes of ROM image do not fit the boot flash", len(rest))
		}
		return nil
	}
	if len(image) > ROMSize {
		return fmt.Errorf("machines: ROM image of %d bytes exceeds %d", len(image), ROMSize)
	}
	mc, err := m.Memory()
	if err != nil {
		return err
	}
	return mc.LoadData(ROMBase+ROMSize-uint64(len(image)), image)
}

// Bridge returns the machine's secondary PCI bridge, if it has one.
func Bridge(m *machine.Machine) (*pci.Host, bool) {
	g, err := hwcomp.Lookup[*grackle.Grackle](m, hwcomp.TypeMemCtrl)
	if err != nil {
		return nil, false
	}
	dev := g.FindLocal(BridgeDevFun>>3, 0)
	if dev == nil {
		return nil, false
	}
	h, ok := dev.(interface{ PCIHost() *pci.Host })
	if !ok {
		return nil, false
	}
	return h.PCIHost(), true
}
