package adb

import "log/slog"

// Handler IDs with a protocol meaning in a Listen to register 3.
const (
	HandlerChangeAddr       = 0x00
	HandlerChangeAddrActive = 0xfd
	HandlerChangeAddrNoColl = 0xfe
	HandlerSelfTest         = 0xff
)

// DeviceBase is the register-3 state every ADB device shares. Device types
// embed it next to hwcomp.Base and call InitADB.
type DeviceBase struct {
	addr         uint8
	defaultAddr  uint8
	handlerID    uint8
	defaultID    uint8
	srqEnabled   bool
	gotCollision bool
	exceptional  bool

	accept  func(id uint8) bool
	pending func() bool
}

// InitADB sets the power-on address and handler. accept decides which
// other handler IDs the device can switch to; pending reports queued input
// for service requests. Either may be nil.
func (d *DeviceBase) InitADB(addr, handlerID uint8, accept func(uint8) bool, pending func() bool) {
	d.defaultAddr = addr & 0x0f
	d.defaultID = handlerID
	d.accept = accept
	d.pending = pending
	d.ResetADB()
}

// ADBDevice implements Device.
func (d *DeviceBase) ADBDevice() *DeviceBase { return d }

// Address returns the current bus address.
func (d *DeviceBase) Address() uint8 { return d.addr }

// HandlerID returns the current handler ID.
func (d *DeviceBase) HandlerID() uint8 { return d.handlerID }

// GotCollision reports whether the device lost the last Talk arbitration.
func (d *DeviceBase) GotCollision() bool { return d.gotCollision }

// ResetADB restores power-on register 3.
func (d *DeviceBase) ResetADB() {
	d.addr = d.defaultAddr
	d.handlerID = d.defaultID
	d.srqEnabled = true
	d.gotCollision = false
	d.exceptional = false
}

// TalkRegister3 returns register 3: status bits and address, then handler.
func (d *DeviceBase) TalkRegister3() []byte {
	hi := d.addr
	if d.exceptional {
		hi |= 0x40
	}
	if d.srqEnabled {
		hi |= 0x20
	}
	return []byte{hi, d.handlerID}
}

// ListenRegister3 applies a register-3 write: address reassignment and
// handler changes.
func (d *DeviceBase) ListenRegister3(data []byte) {
	if len(data) < 2 {
		return
	}
	newAddr := data[0] & 0x0f
	switch id := data[1]; id {
	case HandlerChangeAddr:
		d.addr = newAddr
		d.srqEnabled = data[0]&0x20 != 0
	case HandlerChangeAddrNoColl:
		if !d.gotCollision {
			d.addr = newAddr
		}
	case HandlerChangeAddrActive:
		if d.exceptional {
			d.addr = newAddr
		}
	case HandlerSelfTest:
	default:
		if d.accept != nil && d.accept(id) {
			d.handlerID = id
		} else {
			slog.Debug("adb: handler id rejected", "id", id, "addr", d.addr)
		}
	}
	d.gotCollision = false
}
