// Package cuda implements the VIA and the Cuda system controller behind it:
// the packet handshake on VIA port B and the shift register, the ADB
// transport, the real-time clock, parameter RAM and the I2C bus the
// memory SPDs hang off.
package cuda

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/macppc/internal/adb"
	"github.com/tinyrange/macppc/internal/devreg"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/i2c"
	"github.com/tinyrange/macppc/internal/intctrl"
	"github.com/tinyrange/macppc/internal/props"
	"github.com/tinyrange/macppc/internal/timer"
)

// VIA registers, 0x200 bytes apart.
const (
	regB = iota
	regA
	regDDRB
	regDDRA
	regT1CL
	regT1CH
	regT1LL
	regT1LH
	regT2CL
	regT2CH
	regSR
	regACR
	regPCR
	regIFR
	regIER
	regANH

	numRegs  = 16
	regShift = 9

	// Size is the span of the VIA window.
	Size = numRegs << regShift
)

// Port B lines. TREQ is driven by Cuda and active low; TIP is driven by
// the host and active low.
const (
	bitTREQ    = 1 << 3
	bitBYTEACK = 1 << 4
	bitTIP     = 1 << 5

	acrSROut = 1 << 4

	ifrSR  = 1 << 2
	ifrAny = 1 << 7
)

// Packet types.
const (
	PktADB    = 0
	PktPseudo = 1
	PktError  = 2
)

// Pseudo commands.
const (
	CmdAutopoll    = 0x01
	CmdGetTime     = 0x03
	CmdReadPRAM    = 0x07
	CmdSetTime     = 0x09
	CmdPowerDown   = 0x0a
	CmdWritePRAM   = 0x0c
	CmdResetSystem = 0x11
	CmdGetSetIIC   = 0x22
	CmdCombinedIIC = 0x25
)

const (
	autopollPeriod = 11 * time.Millisecond
	pramSize       = 256
	maxIICRead     = 256

	// Seconds from 1904-01-01 to the Unix epoch.
	macEpochOffset = 2082844800

	adbFlagSRQ      = 0x01
	adbFlagTimeout  = 0x02
	adbFlagAutopoll = 0x40
)

// Error codes carried by PktError responses.
const (
	ErrCodeBadPacket  = 1
	ErrCodeBadCommand = 2
	ErrCodeBadParam   = 3
	ErrCodeBusError   = 5
)

// ADBAddress is the unit address of the ADB bus below the controller.
const ADBAddress = 0x80

func init() {
	devreg.Register("ViaCuda", devreg.Description{
		Create: func(name string, _ *props.Settings) (hwcomp.Component, error) {
			return New(name), nil
		},
		Children: []string{
			"AdbBus@80",
			"AdbBus@80/AdbKeyboard",
			"AdbBus@80/AdbMouse",
		},
		Types:       hwcomp.TypeI2CHost | hwcomp.TypeMMIODev,
		DisplayName: "VIA Cuda",
	})
	devreg.Register("AdbBus", devreg.Description{
		Create: func(name string, _ *props.Settings) (hwcomp.Component, error) {
			return NewADBBus(name), nil
		},
		Types: hwcomp.TypeADBHost,
	})
}

// ADBBus is the ADB host hanging off Cuda.
type ADBBus struct {
	hwcomp.Base
	adb.Bus
}

// NewADBBus returns an empty bus.
func NewADBBus(name string) *ADBBus {
	b := &ADBBus{}
	b.Init(b, name, hwcomp.TypeADBHost)
	b.InitBus(b)
	return b
}

// ViaCuda is the VIA and its Cuda microcontroller. I2C devices attach at
// their bus address; the ADB bus attaches at ADBAddress.
type ViaCuda struct {
	hwcomp.Base
	i2c.Bus

	orb, ora   byte
	ddrb, ddra byte
	acr, pcr   byte
	sr         byte
	ifr, ier   byte
	t1, t2     uint16
	t1l        uint16

	treq    bool
	in      []byte
	out     []byte
	outPos  int
	pending [][]byte

	pram      [pramSize]byte
	rtcOffset int64
	now       func() time.Time

	autopoll  bool
	pollTimer timer.ID
	resets    int
	powerOff  bool

	irq intctrl.Details
}

// New returns a controller with both handshake lines idle.
func New(name string) *ViaCuda {
	c := &ViaCuda{orb: bitTIP | bitBYTEACK, now: time.Now}
	c.Init(c, name, hwcomp.TypeI2CHost|hwcomp.TypeMMIODev)
	c.InitBus(c)
	return c
}

// SetClock replaces the host clock the RTC is derived from.
func (c *ViaCuda) SetClock(now func() time.Time) { c.now = now }

// ADB returns the ADB bus, if one is attached.
func (c *ViaCuda) ADB() *adb.Bus {
	child, ok := c.Child(ADBAddress)
	if !ok {
		return nil
	}
	if h, ok := child.(interface{ ADBBus() *adb.Bus }); ok {
		return h.ADBBus()
	}
	return nil
}

// PRAM returns the parameter RAM.
func (c *ViaCuda) PRAM() []byte { return c.pram[:] }

// Autopolling reports whether ADB autopoll is on.
func (c *ViaCuda) Autopolling() bool { return c.autopoll }

// Resets returns how many system resets were requested.
func (c *ViaCuda) Resets() int { return c.resets }

// PoweredOff reports whether the guest requested power-down.
func (c *ViaCuda) PoweredOff() bool { return c.powerOff }

// AttachChild implements hwcomp.ChildAttacher: I2C devices claim their
// address, the ADB bus sits beside them.
func (c *ViaCuda) AttachChild(addr int, child hwcomp.Component) error {
	if dev, ok := child.(i2c.Device); ok {
		return c.RegisterDevice(addr, dev)
	}
	if child.HW().SupportsType(hwcomp.TypeADBHost) {
		if addr != ADBAddress {
			return fmt.Errorf("cuda: ADB bus must sit at %#x, not %#x", ADBAddress, addr)
		}
		return nil
	}
	return fmt.Errorf("cuda: %q: %w", child.HW().Name(), i2c.ErrNotI2CDevice)
}

// DetachChild implements hwcomp.ChildDetacher.
func (c *ViaCuda) DetachChild(child hwcomp.Component) error {
	if _, ok := child.(i2c.Device); ok {
		return c.UnregisterDevice(child.HW().UnitAddress())
	}
	return nil
}

// ChildReaddressed implements hwcomp.ChildReaddresser. The ADB bus cannot
// move.
func (c *ViaCuda) ChildReaddressed(child hwcomp.Component, oldAddr int) error {
	if _, ok := child.(i2c.Device); ok {
		return c.Bus.ChildReaddressed(child, oldAddr)
	}
	if child.HW().SupportsType(hwcomp.TypeADBHost) {
		return fmt.Errorf("cuda: ADB bus must sit at %#x", ADBAddress)
	}
	return nil
}

// PostInit implements hwcomp.PostIniter: the VIA interrupt is wired once
// the interrupt controller exists.
func (c *ViaCuda) PostInit(hwcomp.Component) hwcomp.PostInitResult {
	if c.irq.Valid() {
		return hwcomp.PostInitOK
	}
	d, err := intctrl.Register(c, intctrl.SrcVIACuda)
	if err != nil {
		slog.Debug("cuda: interrupt controller not ready", "err", err)
		return hwcomp.PostInitRetry
	}
	c.irq = d
	return hwcomp.PostInitOK
}

// Release implements hwcomp.Releaser.
func (c *ViaCuda) Release() error {
	c.setAutopoll(false)
	c.irq.Release()
	c.irq = intctrl.Details{}
	return nil
}

// MMIOSize reports the span of the register window.
func (c *ViaCuda) MMIOSize() uint64 { return Size }

// ReadMMIO implements memctrl.MMIOHandler.
func (c *ViaCuda) ReadMMIO(off uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	for i := range data {
		data[i] = 0
	}
	data[len(data)-1] = c.ReadReg(int(off>>regShift) % numRegs)
	return nil
}

// WriteMMIO implements memctrl.MMIOHandler.
func (c *ViaCuda) WriteMMIO(off uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c.WriteReg(int(off>>regShift)%numRegs, data[len(data)-1])
	return nil
}

// ReadReg reads VIA register reg.
func (c *ViaCuda) ReadReg(reg int) byte {
	switch reg {
	case regB:
		v := c.orb &^ bitTREQ
		if !c.treq {
			v |= bitTREQ
		}
		return v
	case regA, regANH:
		return c.ora
	case regDDRB:
		return c.ddrb
	case regDDRA:
		return c.ddra
	case regT1CL:
		return byte(c.t1)
	case regT1CH:
		return byte(c.t1 >> 8)
	case regT1LL:
		return byte(c.t1l)
	case regT1LH:
		return byte(c.t1l >> 8)
	case regT2CL:
		return byte(c.t2)
	case regT2CH:
		return byte(c.t2 >> 8)
	case regSR:
		c.clearIFR(ifrSR)
		return c.sr
	case regACR:
		return c.acr
	case regPCR:
		return c.pcr
	case regIFR:
		v := c.ifr & 0x7f
		if v&c.ier != 0 {
			v |= ifrAny
		}
		return v
	case regIER:
		return c.ier | 0x80
	}
	return 0
}

// WriteReg writes VIA register reg.
func (c *ViaCuda) WriteReg(reg int, v byte) {
	switch reg {
	case regB:
		old := c.orb
		c.orb = v
		c.portB(old, v)
	case regA, regANH:
		c.ora = v
	case regDDRB:
		c.ddrb = v
	case regDDRA:
		c.ddra = v
	case regT1CL, regT1LL:
		c.t1l = c.t1l&0xff00 | uint16(v)
	case regT1CH:
		c.t1l = c.t1l&0x00ff | uint16(v)<<8
		c.t1 = c.t1l
	case regT1LH:
		c.t1l = c.t1l&0x00ff | uint16(v)<<8
	case regT2CL:
		c.t2 = c.t2&0xff00 | uint16(v)
	case regT2CH:
		c.t2 = c.t2&0x00ff | uint16(v)<<8
	case regSR:
		c.sr = v
		c.clearIFR(ifrSR)
	case regACR:
		c.acr = v
	case regPCR:
		c.pcr = v
	case regIFR:
		c.clearIFR(v & 0x7f)
	case regIER:
		if v&0x80 != 0 {
			c.ier |= v & 0x7f
		} else {
			c.ier &^= v & 0x7f
		}
		c.updateIRQ()
	}
}

func (c *ViaCuda) setIFR(bits byte) {
	c.ifr |= bits
	c.updateIRQ()
}

func (c *ViaCuda) clearIFR(bits byte) {
	c.ifr &^= bits
	c.updateIRQ()
}

func (c *ViaCuda) updateIRQ() {
	c.irq.Raise(c.ifr&c.ier&0x7f != 0)
}

// portB runs the Cuda side of the handshake on a port B write.
func (c *ViaCuda) portB(old, cur byte) {
	tipFell := old&bitTIP != 0 && cur&bitTIP == 0
	tipRose := old&bitTIP == 0 && cur&bitTIP != 0
	ackToggled := (old^cur)&bitBYTEACK != 0 && cur&bitTIP == 0
	shiftOut := c.acr&acrSROut != 0

	switch {
	case tipFell && shiftOut:
		c.in = append(c.in[:0], c.sr)
		c.setIFR(ifrSR)
	case tipFell:
		c.nextOut()
	case ackToggled && shiftOut:
		c.in = append(c.in, c.sr)
		c.setIFR(ifrSR)
	case ackToggled:
		c.nextOut()
	case tipRose && shiftOut && len(c.in) > 0:
		c.respond(c.Request(c.in))
		c.in = c.in[:0]
	case tipRose:
		if c.out != nil && c.outPos >= len(c.out) {
			c.out = nil
			c.deliverPending()
		}
	}
}

// nextOut shifts the next response byte into SR. TREQ drops with the last.
func (c *ViaCuda) nextOut() {
	if c.outPos >= len(c.out) {
		c.sr = 0
		return
	}
	c.sr = c.out[c.outPos]
	c.outPos++
	if c.outPos == len(c.out) {
		c.treq = false
	}
	c.setIFR(ifrSR)
}

// respond queues a packet for the host and asserts TREQ when the line is
// free.
func (c *ViaCuda) respond(pkt []byte) {
	c.pending = append(c.pending, pkt)
	if c.out == nil {
		c.deliverPending()
	}
}

func (c *ViaCuda) deliverPending() {
	if len(c.pending) == 0 {
		return
	}
	c.out, c.pending = c.pending[0], c.pending[1:]
	c.outPos = 0
	c.treq = true
	c.setIFR(ifrSR)
}

func errorPacket(code, typ, cmd byte) []byte {
	return []byte{PktError, code, typ, cmd}
}

// Request executes one command packet and returns the response packet.
func (c *ViaCuda) Request(pkt []byte) []byte {
	if len(pkt) < 2 {
		slog.Debug("cuda: short packet", "len", len(pkt))
		if len(pkt) == 0 {
			return errorPacket(ErrCodeBadPacket, 0, 0)
		}
		return errorPacket(ErrCodeBadPacket, pkt[0], 0)
	}
	switch pkt[0] {
	case PktADB:
		return c.adbCommand(pkt[1], pkt[2:])
	case PktPseudo:
		return c.pseudoCommand(pkt[1], pkt[2:])
	}
	slog.Warn("cuda: unsupported packet type", "type", pkt[0])
	return errorPacket(ErrCodeBadPacket, pkt[0], pkt[1])
}

func (c *ViaCuda) adbCommand(cmd byte, data []byte) []byte {
	bus := c.ADB()
	if bus == nil {
		return []byte{PktADB, adbFlagTimeout, cmd}
	}
	st := bus.ProcessCommand(append([]byte{cmd}, data...))
	resp := []byte{PktADB, adbFlags(st), cmd}
	return append(resp, bus.Output()...)
}

func adbFlags(st adb.Status) byte {
	var f byte
	if st&adb.StatusTimeout != 0 {
		f |= adbFlagTimeout
	}
	if st&adb.StatusSRQ != 0 {
		f |= adbFlagSRQ
	}
	return f
}

func (c *ViaCuda) pseudoCommand(cmd byte, data []byte) []byte {
	ok := []byte{PktPseudo, 0, cmd}
	switch cmd {
	case CmdAutopoll:
		if len(data) < 1 {
			return errorPacket(ErrCodeBadParam, PktPseudo, cmd)
		}
		c.setAutopoll(data[0] != 0)
		return ok
	case CmdGetTime:
		secs := uint32(c.now().Unix() + c.rtcOffset + macEpochOffset)
		return binary.BigEndian.AppendUint32(ok, secs)
	case CmdSetTime:
		if len(data) < 4 {
			return errorPacket(ErrCodeBadParam, PktPseudo, cmd)
		}
		secs := int64(binary.BigEndian.Uint32(data))
		c.rtcOffset = secs - macEpochOffset - c.now().Unix()
		return ok
	case CmdReadPRAM:
		if len(data) < 2 {
			return errorPacket(ErrCodeBadParam, PktPseudo, cmd)
		}
		addr := int(binary.BigEndian.Uint16(data))
		if addr >= pramSize {
			return errorPacket(ErrCodeBadParam, PktPseudo, cmd)
		}
		return append(ok, c.pram[addr:]...)
	case CmdWritePRAM:
		if len(data) < 2 {
			return errorPacket(ErrCodeBadParam, PktPseudo, cmd)
		}
		addr := int(binary.BigEndian.Uint16(data))
		if addr+len(data)-2 > pramSize {
			return errorPacket(ErrCodeBadParam, PktPseudo, cmd)
		}
		copy(c.pram[addr:], data[2:])
		return ok
	case CmdResetSystem:
		c.resets++
		slog.Info("cuda: system reset requested")
		return ok
	case CmdPowerDown:
		c.powerOff = true
		slog.Info("cuda: power down requested")
		return ok
	case CmdGetSetIIC:
		return c.iicCommand(ok, data)
	case CmdCombinedIIC:
		return c.combinedIIC(ok, data)
	}
	slog.Warn("cuda: unsupported pseudo command", "cmd", fmt.Sprintf("%#x", cmd))
	return errorPacket(ErrCodeBadCommand, PktPseudo, cmd)
}

// iicCommand is a plain transfer. data[0] is the 8-bit device address;
// a write sends a subaddress and then data bytes, a read returns one byte.
func (c *ViaCuda) iicCommand(ok, data []byte) []byte {
	if len(data) < 1 {
		return errorPacket(ErrCodeBadParam, PktPseudo, CmdGetSetIIC)
	}
	addr := data[0] >> 1
	if !c.StartTransaction(addr) {
		return errorPacket(ErrCodeBusError, PktPseudo, CmdGetSetIIC)
	}
	if data[0]&1 != 0 {
		b, ack := c.ReceiveByte(addr)
		if !ack {
			return errorPacket(ErrCodeBusError, PktPseudo, CmdGetSetIIC)
		}
		return append(ok, b)
	}
	for i, b := range data[1:] {
		var ack bool
		if i == 0 {
			ack = c.SendSubaddress(addr, b)
		} else {
			ack = c.SendByte(addr, b)
		}
		if !ack {
			return errorPacket(ErrCodeBusError, PktPseudo, CmdGetSetIIC)
		}
	}
	return ok
}

// combinedIIC is a subaddressed read: device address, subaddress, then
// the device address with the read bit. Bytes are returned until the
// device stops acknowledging.
func (c *ViaCuda) combinedIIC(ok, data []byte) []byte {
	if len(data) < 3 || data[2] != data[0]|1 {
		return errorPacket(ErrCodeBadParam, PktPseudo, CmdCombinedIIC)
	}
	addr := data[0] >> 1
	if !c.StartTransaction(addr) || !c.SendSubaddress(addr, data[1]) {
		return errorPacket(ErrCodeBusError, PktPseudo, CmdCombinedIIC)
	}
	for range maxIICRead {
		b, ack := c.ReceiveByte(addr)
		if !ack {
			break
		}
		ok = append(ok, b)
	}
	return ok
}

func (c *ViaCuda) setAutopoll(on bool) {
	c.autopoll = on
	tm := timer.Find(c)
	if tm == nil {
		return
	}
	if !on {
		if c.pollTimer != 0 {
			tm.Cancel(c.pollTimer)
			c.pollTimer = 0
		}
		return
	}
	if c.pollTimer == 0 {
		c.pollTimer = tm.AddCyclic(c, autopollPeriod, c.poll)
	}
}

// poll reports input of one device as an unsolicited ADB packet.
func (c *ViaCuda) poll() {
	bus := c.ADB()
	if bus == nil {
		return
	}
	addr, data, ok := bus.Poll()
	if !ok {
		return
	}
	pkt := []byte{PktADB, adbFlagAutopoll, addr<<4 | 0x0c}
	c.respond(append(pkt, data...))
}

var (
	_ hwcomp.PostIniter       = (*ViaCuda)(nil)
	_ hwcomp.Releaser         = (*ViaCuda)(nil)
	_ hwcomp.ChildAttacher    = (*ViaCuda)(nil)
	_ hwcomp.ChildDetacher    = (*ViaCuda)(nil)
	_ hwcomp.ChildReaddresser = (*ViaCuda)(nil)
)
