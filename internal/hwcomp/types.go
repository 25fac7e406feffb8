package hwcomp

import (
	"fmt"
	"strings"
)

// Type is a bitmask of capability tags. A component publishes the tags it
// can be looked up as; several components may share a tag.
type Type uint64

const (
	TypeUnknown Type = 0

	TypeMachine Type = 1 << iota
	TypeMemCtrl
	TypeRAM
	TypeROM
	TypeNVRAM
	TypeMMIODev
	TypePCIHost
	TypePCIDev
	TypeI2CHost
	TypeI2CDev
	TypeADBHost
	TypeADBDev
	TypeIntCtrl
	TypeIDEBus
	TypeIDEDev
	TypeSCSIBus
	TypeSCSIDev
	TypeFlashCtrl
	TypeFlashChip
	TypeVideo
	TypeTimer
)

var typeNames = []struct {
	t    Type
	name string
}{
	{TypeMachine, "machine"},
	{TypeMemCtrl, "mem-ctrl"},
	{TypeRAM, "ram"},
	{TypeROM, "rom"},
	{TypeNVRAM, "nvram"},
	{TypeMMIODev, "mmio-dev"},
	{TypePCIHost, "pci-host"},
	{TypePCIDev, "pci-dev"},
	{TypeI2CHost, "i2c-host"},
	{TypeI2CDev, "i2c-dev"},
	{TypeADBHost, "adb-host"},
	{TypeADBDev, "adb-dev"},
	{TypeIntCtrl, "int-ctrl"},
	{TypeIDEBus, "ide-bus"},
	{TypeIDEDev, "ide-dev"},
	{TypeSCSIBus, "scsi-bus"},
	{TypeSCSIDev, "scsi-dev"},
	{TypeFlashCtrl, "flash-ctrl"},
	{TypeFlashChip, "flash-chip"},
	{TypeVideo, "video"},
	{TypeTimer, "timer"},
}

// Has reports whether every bit of want is present in t.
func (t Type) Has(want Type) bool {
	return want != 0 && t&want == want
}

// Names returns the names of all tags set in t.
func (t Type) Names() []string {
	var out []string
	for _, tn := range typeNames {
		if t&tn.t != 0 {
			out = append(out, tn.name)
		}
	}
	return out
}

func (t Type) String() string {
	if t == TypeUnknown {
		return "unknown"
	}
	names := t.Names()
	if rest := t &^ knownTypes(); rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint64(rest)))
	}
	return strings.Join(names, "|")
}

func knownTypes() Type {
	var all Type
	for _, tn := range typeNames {
		all |= tn.t
	}
	return all
}
