// Package adbinput implements the Apple Desktop Bus keyboard and mouse.
package adbinput

import (
	"github.com/tinyrange/macppc/internal/adb"
	"github.com/tinyrange/macppc/internal/devreg"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/props"
)

// Power-on bus addresses.
const (
	KeyboardAddr = 2
	MouseAddr    = 3
)

func init() {
	devreg.Register("AdbKeyboard", devreg.Description{
		Create: func(name string, _ *props.Settings) (hwcomp.Component, error) {
			return NewKeyboard(name), nil
		},
		Types:       hwcomp.TypeADBDev,
		DisplayName: "Apple Extended Keyboard",
	})
	devreg.Register("AdbMouse", devreg.Description{
		Create: func(name string, _ *props.Settings) (hwcomp.Component, error) {
			return NewMouse(name), nil
		},
		Types:       hwcomp.TypeADBDev,
		DisplayName: "Apple Desktop Bus Mouse",
	})
}

// Keyboard queues key transitions and reports them two per Talk.
type Keyboard struct {
	hwcomp.Base
	adb.DeviceBase

	keys      []byte
	modifiers uint16
}

// NewKeyboard returns a keyboard at address 2 with handler 1. It can be
// switched to the extended protocol (handler 3).
func NewKeyboard(name string) *Keyboard {
	k := &Keyboard{modifiers: 0xffff}
	k.Init(k, name, hwcomp.TypeADBDev)
	k.InitADB(KeyboardAddr, 1, func(id uint8) bool { return id == 1 || id == 3 }, func() bool { return len(k.keys) > 0 })
	return k
}

// KeyEvent queues a key transition. code is the 7-bit ADB key code.
func (k *Keyboard) KeyEvent(code uint8, released bool) {
	v := code & 0x7f
	if released {
		v |= 0x80
	}
	k.keys = append(k.keys, v)
}

// SetModifiers sets the register 2 modifier state. Bits are active low.
func (k *Keyboard) SetModifiers(state uint16) { k.modifiers = state }

// Talk implements adb.Device.
func (k *Keyboard) Talk(reg uint8) []byte {
	switch reg {
	case 0:
		if len(k.keys) == 0 {
			return nil
		}
		out := []byte{k.keys[0], 0xff}
		k.keys = k.keys[1:]
		if len(k.keys) > 0 {
			out[1] = k.keys[0]
			k.keys = k.keys[1:]
		}
		return out
	case 2:
		return []byte{byte(k.modifiers >> 8), byte(k.modifiers)}
	case 3:
		return k.TalkRegister3()
	}
	return nil
}

// Listen implements adb.Device.
func (k *Keyboard) Listen(reg uint8, data []byte) {
	switch reg {
	case 2:
		// Only the LED bits of the low byte are writable.
		if len(data) >= 2 {
			k.modifiers = k.modifiers&^0x7 | uint16(data[1]&0x7)
		}
	case 3:
		k.ListenRegister3(data)
	}
}

// Flush implements adb.Device: queued keys are dropped.
func (k *Keyboard) Flush() { k.keys = nil }

// Reset implements adb.Device.
func (k *Keyboard) Reset() {
	k.keys = nil
	k.modifiers = 0xffff
	k.ResetADB()
}

// Mouse accumulates motion until the host talks register 0.
type Mouse struct {
	hwcomp.Base
	adb.DeviceBase

	dx, dy  int
	button  bool
	changed bool
}

// NewMouse returns a mouse at address 3 with handler 1. Handler 2 selects
// the 200 dpi mode.
func NewMouse(name string) *Mouse {
	m := &Mouse{}
	m.Init(m, name, hwcomp.TypeADBDev)
	m.InitADB(MouseAddr, 1, func(id uint8) bool { return id == 1 || id == 2 }, func() bool { return m.changed })
	return m
}

// Move adds relative motion and sets the button state.
func (m *Mouse) Move(dx, dy int, button bool) {
	m.dx += dx
	m.dy += dy
	if button != m.button || dx != 0 || dy != 0 {
		m.changed = true
	}
	m.button = button
}

func clamp7(v int) (int, byte) {
	switch {
	case v > 63:
		return v - 63, 63
	case v < -64:
		return v + 64, 0x40
	}
	return 0, byte(v) & 0x7f
}

// Talk implements adb.Device. Motion beyond the 7-bit range is carried
// over to the next report.
func (m *Mouse) Talk(reg uint8) []byte {
	switch reg {
	case 0:
		if !m.changed {
			return nil
		}
		var x, y byte
		m.dy, y = clamp7(m.dy)
		m.dx, x = clamp7(m.dx)
		if !m.button {
			y |= 0x80
		}
		m.changed = m.dx != 0 || m.dy != 0
		return []byte{y, x | 0x80}
	case 3:
		return m.TalkRegister3()
	}
	return nil
}

// Listen implements adb.Device.
func (m *Mouse) Listen(reg uint8, data []byte) {
	if reg == 3 {
		m.ListenRegister3(data)
	}
}

// Flush implements adb.Device: unreported motion is dropped. The button
// state is kept.
func (m *Mouse) Flush() {
	m.dx, m.dy = 0, 0
	m.changed = false
}

// Reset implements adb.Device.
func (m *Mouse) Reset() {
	m.dx, m.dy = 0, 0
	m.button = false
	m.changed = false
	m.ResetADB()
}

var (
	_ adb.Device = (*Keyboard)(nil)
	_ adb.Device = (*Mouse)(nil)
)
