package i2c

import (
	"errors"
	"testing"

	"github.com/tinyrange/macppc/internal/hwcomp"
)

type testBus struct {
	hwcomp.Base
	Bus
}

func newBus() *testBus {
	b := &testBus{}
	b.Init(b, "i2c", hwcomp.TypeI2CHost)
	b.InitBus(b)
	return b
}

// eeprom is a 256-byte register file addressed by a subaddress pointer.
type eeprom struct {
	hwcomp.Base
	data [256]byte
	pos  uint8
}

func newEEPROM(name string) *eeprom {
	e := &eeprom{}
	e.Init(e, name, hwcomp.TypeI2CDev)
	for i := range e.data {
		e.data[i] = byte(i)
	}
	return e
}

func (e *eeprom) StartTransaction() bool { return true }

func (e *eeprom) SendSubaddress(sub uint8) bool {
	e.pos = sub
	return true
}

func (e *eeprom) SendByte(b uint8) bool {
	e.data[e.pos] = b
	e.pos++
	return true
}

func (e *eeprom) ReceiveByte() (uint8, bool) {
	b := e.data[e.pos]
	e.pos++
	return b, true
}

func TestNoDoubleRegistration(t *testing.T) {
	b := newBus()
	first := newEEPROM("spd0")
	if err := b.RegisterDevice(0x50, first); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterDevice(0x50, newEEPROM("spd1")); !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("second registration: %v", err)
	}
	if b.DeviceAt(0x50) != Device(first) {
		t.Fatalf("failed registration replaced the holder")
	}
	if err := b.UnregisterDevice(0x50); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterDevice(0x50, newEEPROM("spd1")); err != nil {
		t.Fatalf("re-registration after unregister: %v", err)
	}
}

func TestAddressRange(t *testing.T) {
	b := newBus()
	for _, addr := range []int{-1, 128, 0x200} {
		if err := b.RegisterDevice(addr, newEEPROM("x")); !errors.Is(err, ErrBadAddress) {
			t.Errorf("addr %#x: %v", addr, err)
		}
	}
}

func TestTransaction(t *testing.T) {
	b := newBus()
	if _, err := b.AddDevice(0x51, newEEPROM("spd"), ""); err != nil {
		t.Fatal(err)
	}
	if b.StartTransaction(0x52) {
		t.Fatalf("empty address acknowledged")
	}
	if !b.StartTransaction(0x51) || !b.SendSubaddress(0x51, 0x10) {
		t.Fatalf("transaction setup not acknowledged")
	}
	for want := byte(0x10); want < 0x14; want++ {
		got, ack := b.ReceiveByte(0x51)
		if !ack || got != want {
			t.Fatalf("ReceiveByte = %#x, %v; want %#x", got, ack, want)
		}
	}
	if v, ack := b.ReceiveByte(0x7f); ack || v != 0xff {
		t.Fatalf("read from empty address = %#x, %v", v, ack)
	}
}

func TestTreeRemovalFreesAddress(t *testing.T) {
	b := newBus()
	if _, err := b.AddDevice(0x50, newEEPROM("spd0"), ""); err != nil {
		t.Fatal(err)
	}
	if err := b.RemoveDevice(0x50); err != nil {
		t.Fatal(err)
	}
	if b.DeviceAt(0x50) != nil {
		t.Fatalf("address still claimed after removal")
	}
	if _, err := b.AddDevice(0x50, newEEPROM("spd0"), ""); err != nil {
		t.Fatal(err)
	}

	notI2C := &testBus{}
	notI2C.Init(notI2C, "bogus", hwcomp.TypeMMIODev)
	if _, err := b.AddDevice(0x60, notI2C, ""); !errors.Is(err, ErrNotI2CDevice) {
		t.Fatalf("non-I2C child accepted: %v", err)
	}
}

func TestChangeUnitAddressMovesClaim(t *testing.T) {
	b := newBus()
	e := newEEPROM("spd0")
	if _, err := b.AddDevice(0x50, e, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddDevice(0x52, newEEPROM("spd2"), ""); err != nil {
		t.Fatal(err)
	}

	if err := e.ChangeUnitAddress(0x51); err != nil {
		t.Fatal(err)
	}
	if b.DeviceAt(0x51) != Device(e) {
		t.Fatalf("0x51 holds %v", b.DeviceAt(0x51))
	}
	if b.DeviceAt(0x50) != nil || b.StartTransaction(0x50) {
		t.Fatalf("old address still answers")
	}
	if _, err := b.AddDevice(0x50, newEEPROM("spd1"), ""); err != nil {
		t.Fatalf("vacated address not reusable: %v", err)
	}

	if err := e.ChangeUnitAddress(0x52); !errors.Is(err, hwcomp.ErrAddressInUse) {
		t.Fatalf("move onto an occupied address: %v", err)
	}
	if err := b.RemoveDevice(0x51); err != nil {
		t.Fatal(err)
	}
	if b.DeviceAt(0x51) != nil {
		t.Fatalf("address still claimed after removal")
	}
}
