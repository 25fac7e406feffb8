// Package atirage implements the configuration face of an ATI Rage Pro
// (mach64 GT-B) graphics card: its PCI header, the linear aperture with
// video memory and the little-endian register block, and the identity
// registers the firmware driver probes. Drawing is not modelled.
package atirage

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/macppc/internal/devreg"
	"github.com/tinyrange/macppc/internal/devtree"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/pci"
	"github.com/tinyrange/macppc/internal/props"
)

const (
	apertureSize = 16 << 20
	ioSize       = 0x100
	auxSize      = 0x1000
	regBlockSize = 0x400

	// The register block is mirrored at the top of each 8 MB half of the
	// aperture.
	regsInAperture = 0x7ffc00
	apertureHalf   = 0x800000
)

// Register offsets within the block.
const (
	RegCrtcGenCntl  = 0x1c
	RegGPIO         = 0x78
	RegMemCntl      = 0xb0
	RegDacCntl      = 0xc4
	RegConfigCntl   = 0xdc
	RegConfigChipID = 0xe0
	RegConfigStat0  = 0xe4
)

var ids = pci.IDs{Vendor: 0x1002, Device: 0x4750, Revision: 0x5c, Class: 0x030000}

// Monitors that can be reported through the sense lines, with their codes.
var monitors = map[string]uint32{
	"HiRes12-14in":  6,
	"Multiscan15in": 3,
	"Multiscan17in": 3,
	"Multiscan20in": 3,
	"RGB21in":       5,
	"None":          7,
}

// memSizeCodes maps the VRAM size in MB to the MEM_CNTL size field.
var memSizeCodes = map[int]uint32{2: 2, 4: 3, 6: 4, 8: 5}

func init() {
	devreg.Register("AtiRagePro", devreg.Description{
		Create: func(name string, s *props.Settings) (hwcomp.Component, error) {
			return New(name, int(s.IntOr("gfxmem_size", 4)), s.StrOr("mon_id", "HiRes12-14in"))
		},
		Props: map[string]props.Property{
			"gfxmem_size": props.NewIntList(4, 2, 4, 6, 8),
			"mon_id":      props.NewStrList("HiRes12-14in", "HiRes12-14in", "Multiscan15in", "Multiscan17in", "Multiscan20in", "RGB21in", "None"),
		},
		Types:       hwcomp.TypePCIDev | hwcomp.TypeVideo,
		DisplayName: "ATI Rage Pro",
	})
}

// Card is the graphics function.
type Card struct {
	hwcomp.Base
	pci.Function

	vram    []byte
	regs    [regBlockSize / 4]uint32
	monitor string
}

// New returns a card with vramMB of video memory driving the named
// monitor.
func New(name string, vramMB int, monitor string) (*Card, error) {
	code, ok := memSizeCodes[vramMB]
	if !ok {
		return nil, fmt.Errorf("atirage: unsupported VRAM size %d MB", vramMB)
	}
	sense, ok := monitors[monitor]
	if !ok {
		return nil, fmt.Errorf("atirage: unknown monitor %q", monitor)
	}
	c := &Card{vram: make([]byte, vramMB<<20), monitor: monitor}
	c.Init(c, name, hwcomp.TypePCIDev|hwcomp.TypeVideo)
	c.InitFunction(c, ids)
	c.SetIntPin(1)

	c.regs[RegConfigChipID/4] = uint32(ids.Device) | uint32(ids.Revision)<<24
	c.regs[RegMemCntl/4] = code
	c.regs[RegConfigStat0/4] = 0x00000003
	c.regs[RegGPIO/4] = sense << 8

	for _, b := range []struct {
		index int
		size  uint32
		io    bool
		h     regWindow
	}{
		{0, apertureSize, false, regWindow{c, true}},
		{1, ioSize, true, regWindow{c, false}},
		{2, auxSize, false, regWindow{c, false}},
	} {
		if err := c.SetBAR(b.index, b.size, b.io, b.h); err != nil {
			return nil, fmt.Errorf("atirage: %w", err)
		}
	}
	return c, nil
}

// VRAM returns the video memory.
func (c *Card) VRAM() []byte { return c.vram }

// Monitor returns the attached monitor name.
func (c *Card) Monitor() string { return c.monitor }

// Reg returns the register at off.
func (c *Card) Reg(off uint32) uint32 { return c.regs[(off%regBlockSize)/4] }

// DeviceTreeProperties implements devtree.Extender.
func (c *Card) DeviceTreeProperties() map[string]devtree.Property {
	return map[string]devtree.Property{
		"device_type": devtree.Str("display"),
		"compatible":  devtree.Str("ATY,GTProRage"),
		"vram-size":   devtree.Cells(uint32(len(c.vram))),
		"monitor":     devtree.Str(c.monitor),
	}
}

func (c *Card) writeReg(idx int, v uint32) {
	switch idx * 4 {
	case RegConfigChipID, RegConfigStat0:
		return
	case RegMemCntl:
		// The size field is strapped.
		v = v&^0xf | c.regs[idx]&0xf
	case RegGPIO:
		// Sense lines are inputs.
		v = v&^0x700 | c.regs[idx]&0x700
	}
	c.regs[idx] = v
}

// regWindow serves a BAR. The aperture window also exposes video memory.
type regWindow struct {
	c        *Card
	aperture bool
}

func (w regWindow) locate(off uint64) (vram bool, reg uint64, ok bool) {
	if !w.aperture {
		return false, off, off < regBlockSize
	}
	if rel := off % apertureHalf; rel >= regsInAperture {
		return false, rel - regsInAperture, true
	}
	if off < uint64(len(w.c.vram)) {
		return true, off, true
	}
	return false, 0, false
}

func (w regWindow) ReadMMIO(off uint64, data []byte) error {
	vram, at, ok := w.locate(off)
	switch {
	case !ok:
		for i := range data {
			data[i] = 0xff
		}
	case vram:
		n := copy(data, w.c.vram[at:])
		for i := n; i < len(data); i++ {
			data[i] = 0xff
		}
	default:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], w.c.regs[at/4])
		for i := range data {
			data[i] = b[(int(at)+i)&3]
		}
	}
	return nil
}

func (w regWindow) WriteMMIO(off uint64, data []byte) error {
	vram, at, ok := w.locate(off)
	switch {
	case !ok:
		slog.Debug("atirage: write outside aperture", "offset", fmt.Sprintf("%#x", off))
	case vram:
		copy(w.c.vram[at:], data)
	default:
		idx := int(at / 4)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], w.c.regs[idx])
		for i := range data {
			b[(int(at)+i)&3] = data[i]
		}
		w.c.writeReg(idx, binary.LittleEndian.Uint32(b[:]))
	}
	return nil
}

var (
	_ pci.Device       = (*Card)(nil)
	_ devtree.Extender = (*Card)(nil)
)
