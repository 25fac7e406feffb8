// Package ata implements the units that sit on an IDE channel: an ATA hard
// disk and an ATAPI CD-ROM. They carry the register file, the reset
// signatures and the identify data; media access is not modelled.
package ata

import (
	"encoding/binary"
	"log/slog"
	"os"

	"github.com/tinyrange/macppc/internal/devreg"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/ide"
	"github.com/tinyrange/macppc/internal/props"
)

// Commands understood by every unit.
const (
	CmdIdentify       = 0xec
	CmdIdentifyPacket = 0xa1
	CmdDiagnostic     = 0x90
	CmdPacket         = 0xa0
	CmdSetFeatures    = 0xef
)

const (
	errABRT      = 0x04
	devCtlSRST   = 0x04
	sectorSize   = 512
	identifyLen  = 256
	atapiSigMid  = 0x14
	atapiSigHigh = 0xeb
)

func init() {
	devreg.Register("AtaHardDisk", devreg.Description{
		Create: func(name string, _ *props.Settings) (hwcomp.Component, error) {
			return NewHardDisk(name), nil
		},
		Types:       hwcomp.TypeIDEDev,
		DisplayName: "ATA hard disk",
	})
	devreg.Register("AtapiCdrom", devreg.Description{
		Create: func(name string, _ *props.Settings) (hwcomp.Component, error) {
			return NewCdrom(name), nil
		},
		Types:       hwcomp.TypeIDEDev,
		DisplayName: "ATAPI CD-ROM",
	})
}

// Unit is the register-file state shared by both device kinds.
type Unit struct {
	hwcomp.Base
	atapi bool
	model string

	regs   [ide.NumRegs]uint16
	devCtl uint16
	buf    []uint16
	pos    int
}

func newUnit(name, model string, atapi bool) *Unit {
	u := &Unit{atapi: atapi, model: model}
	u.Init(u, name, hwcomp.TypeIDEDev)
	u.DeclareProperty("image", props.NewStr(""))
	u.reset()
	return u
}

// NewHardDisk returns an ATA disk unit.
func NewHardDisk(name string) *Unit { return newUnit(name, "MACPPC HARD DISK", false) }

// NewCdrom returns an ATAPI CD-ROM unit.
func NewCdrom(name string) *Unit { return newUnit(name, "MACPPC CD-ROM", true) }

// ATAPI reports whether the unit speaks the packet protocol.
func (u *Unit) ATAPI() bool { return u.atapi }

// Image returns the configured image path.
func (u *Unit) Image() string {
	p, _ := u.Property("image")
	return p.String()
}

// Sectors returns the image size in 512-byte sectors, or zero when the
// image cannot be examined.
func (u *Unit) Sectors() uint32 {
	path := u.Image()
	if path == "" {
		return 0
	}
	fi, err := os.Stat(path)
	if err != nil {
		slog.Warn("ata: cannot stat image", "unit", u.Name(), "path", path, "err", err)
		return 0
	}
	return uint32(fi.Size() / sectorSize)
}

// reset loads the power-on signature.
func (u *Unit) reset() {
	u.regs = [ide.NumRegs]uint16{}
	u.regs[ide.RegError] = 1
	u.regs[ide.RegSecCount] = 1
	u.regs[ide.RegLBALow] = 1
	if u.atapi {
		u.regs[ide.RegLBAMid] = atapiSigMid
		u.regs[ide.RegLBAHigh] = atapiSigHigh
		u.regs[ide.RegStatus] = 0
	} else {
		u.regs[ide.RegStatus] = ide.StatusDRDY | ide.StatusDSC
	}
	u.buf = nil
	u.pos = 0
}

// ReadReg implements ide.Device. Reading the status register clears the
// pending interrupt; the alternate status does not.
func (u *Unit) ReadReg(reg ide.Reg) uint16 {
	switch reg {
	case ide.RegData:
		if u.pos >= len(u.buf) {
			return 0xffff
		}
		v := u.buf[u.pos]
		u.pos++
		if u.pos == len(u.buf) {
			u.regs[ide.RegStatus] &^= ide.StatusDRQ
			u.buf = nil
			u.pos = 0
		}
		return v
	case ide.RegStatus:
		u.raise(false)
		return u.regs[ide.RegStatus]
	case ide.RegAltStatus:
		return u.regs[ide.RegStatus]
	}
	if reg >= 0 && reg < ide.NumRegs {
		return u.regs[reg]
	}
	return 0
}

// WriteReg implements ide.Device.
func (u *Unit) WriteReg(reg ide.Reg, value uint16, selected bool) {
	switch reg {
	case ide.RegDevCtrl:
		if value&devCtlSRST != 0 && u.devCtl&devCtlSRST == 0 {
			u.reset()
		}
		u.devCtl = value
		return
	case ide.RegCommand:
		if selected {
			u.command(uint8(value))
		}
		return
	case ide.RegData:
		return
	}
	if reg >= 0 && reg < ide.NumRegs {
		u.regs[reg] = value & 0xff
	}
}

func (u *Unit) command(cmd uint8) {
	u.regs[ide.RegError] = 0
	switch {
	case cmd == CmdDiagnostic:
		u.reset()
		u.complete()
	case cmd == CmdIdentify && !u.atapi, cmd == CmdIdentifyPacket && u.atapi:
		u.buf = u.identify()
		u.pos = 0
		u.regs[ide.RegStatus] = ide.StatusDRDY | ide.StatusDSC | ide.StatusDRQ
		u.raise(true)
	case cmd == CmdIdentify && u.atapi:
		// ATAPI units abort IDENTIFY DEVICE and leave their signature in
		// place so the host can tell them apart.
		u.regs[ide.RegLBAMid] = atapiSigMid
		u.regs[ide.RegLBAHigh] = atapiSigHigh
		u.abort()
	case cmd == CmdSetFeatures:
		u.complete()
	default:
		slog.Debug("ata: unsupported command", "unit", u.Name(), "cmd", cmd)
		u.abort()
	}
}

func (u *Unit) complete() {
	u.regs[ide.RegStatus] = ide.StatusDRDY | ide.StatusDSC
	u.raise(true)
}

func (u *Unit) abort() {
	u.regs[ide.RegError] = errABRT
	u.regs[ide.RegStatus] = ide.StatusDRDY | ide.StatusERR
	u.raise(true)
}

func (u *Unit) raise(level bool) {
	h, ok := u.Parent().(ide.Host)
	if !ok {
		return
	}
	h.IDEChannel().RaiseIRQ(level)
}

// putString stores s in identify words, two characters per word with the
// first in the high byte, padded with spaces.
func putString(words []uint16, s string) {
	b := make([]byte, 2*len(words))
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(b[2*i:])
	}
}

func (u *Unit) identify() []uint16 {
	id := make([]uint16, identifyLen)
	putString(id[10:20], "MACPPC0001")
	putString(id[23:27], "1.0")
	putString(id[27:47], u.model)
	if u.atapi {
		// Packet device, CD-ROM, removable, 12-byte packets.
		id[0] = 0x8580
		id[49] = 1 << 9
		return id
	}
	sectors := u.Sectors()
	id[0] = 0x0040
	id[1] = 16383
	id[3] = 16
	id[6] = 63
	id[47] = 0x8010
	id[49] = 1<<9 | 1<<8
	id[60] = uint16(sectors)
	id[61] = uint16(sectors >> 16)
	return id
}

var _ ide.Device = (*Unit)(nil)
