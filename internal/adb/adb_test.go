package adb

import (
	"testing"

	"github.com/tinyrange/macppc/internal/hwcomp"
)

type testBus struct {
	hwcomp.Base
	Bus
}

func newBus() *testBus {
	b := &testBus{}
	b.Init(b, "adb", hwcomp.TypeADBHost)
	b.InitBus(b)
	return b
}

type testDev struct {
	hwcomp.Base
	DeviceBase
	reg0    []byte
	resets  int
	flushes int
}

func newDev(name string, addr uint8) *testDev {
	d := &testDev{}
	d.Init(d, name, hwcomp.TypeADBDev)
	d.InitADB(addr, 1, func(id uint8) bool { return id == 2 }, func() bool { return d.reg0 != nil })
	return d
}

func (d *testDev) Talk(reg uint8) []byte {
	switch reg {
	case 0:
		out := d.reg0
		d.reg0 = nil
		return out
	case 3:
		return d.TalkRegister3()
	}
	return nil
}

func (d *testDev) Listen(reg uint8, data []byte) {
	if reg == 3 {
		d.ListenRegister3(data)
	}
}

func (d *testDev) Flush() {
	d.flushes++
	d.reg0 = nil
}

func (d *testDev) Reset() {
	d.resets++
	d.ResetADB()
}

func TestRemovalRenumbers(t *testing.T) {
	b := newBus()
	devs := []*testDev{newDev("a", 2), newDev("b", 3), newDev("c", 3)}
	for i, d := range devs {
		if _, err := b.AddDevice(-1, d, ""); err != nil {
			t.Fatal(err)
		}
		if d.UnitAddress() != i {
			t.Fatalf("%s got unit address %d, want %d", d.Name(), d.UnitAddress(), i)
		}
	}

	if err := b.RemoveDevice(1); err != nil {
		t.Fatal(err)
	}
	if devs[0].UnitAddress() != 0 || devs[2].UnitAddress() != 1 {
		t.Fatalf("unit addresses after removal: a=%d c=%d", devs[0].UnitAddress(), devs[2].UnitAddress())
	}
	for _, c := range b.Children() {
		if got, _ := b.Child(c.HW().UnitAddress()); got != c {
			t.Fatalf("children map out of step for %s", c.HW().Name())
		}
	}
	list := b.Devices()
	if len(list) != 2 || list[0] != Device(devs[0]) || list[1] != Device(devs[2]) {
		t.Fatalf("polling order changed: %v", list)
	}
	if _, err := b.AddDevice(-1, newDev("d", 4), ""); err != nil {
		t.Fatal(err)
	}
}

func TestTalkCollisionFirstResponderWins(t *testing.T) {
	b := newBus()
	first := newDev("kbd", 2)
	second := newDev("kbd2", 2)
	b.AddDevice(-1, first, "")
	b.AddDevice(-1, second, "")

	if st := b.ProcessCommand([]byte{0x2f}); st&StatusTimeout != 0 {
		t.Fatalf("talk R3 status %v", st)
	}
	if b.Collisions() != 1 || !second.GotCollision() || first.GotCollision() {
		t.Fatalf("collision bookkeeping wrong: n=%d first=%v second=%v",
			b.Collisions(), first.GotCollision(), second.GotCollision())
	}
	if out := b.Output(); len(out) != 2 || out[0]&0x0f != 2 {
		t.Fatalf("talk output %x", out)
	}

	// Move the winner to address 8; the loser stays behind.
	b.ProcessCommand([]byte{0x2b, 0x08, HandlerChangeAddrNoColl})
	if first.Address() != 8 || second.Address() != 2 {
		t.Fatalf("addresses after resolution: %d, %d", first.Address(), second.Address())
	}
}

func TestHandlerChangeAndReset(t *testing.T) {
	b := newBus()
	d := newDev("mouse", 3)
	b.AddDevice(-1, d, "")

	b.ProcessCommand([]byte{0x3b, 0x03, 0x04})
	if d.HandlerID() != 1 {
		t.Fatalf("unsupported handler accepted")
	}
	b.ProcessCommand([]byte{0x3b, 0x03, 0x02})
	if d.HandlerID() != 2 {
		t.Fatalf("handler = %d, want 2", d.HandlerID())
	}
	b.ProcessCommand([]byte{0x00})
	if d.HandlerID() != 1 || d.resets != 1 {
		t.Fatalf("reset not applied: handler=%d resets=%d", d.HandlerID(), d.resets)
	}
	b.ProcessCommand([]byte{0x31})
	if d.flushes != 1 || d.resets != 1 {
		t.Fatalf("flush: flushes=%d resets=%d", d.flushes, d.resets)
	}
}

func TestFlushKeepsRegister3(t *testing.T) {
	b := newBus()
	d := newDev("kbd", 2)
	b.AddDevice(-1, d, "")

	// Move to address 7, then select handler 2 there.
	b.ProcessCommand([]byte{0x2b, 0x27, HandlerChangeAddr})
	b.ProcessCommand([]byte{0x7b, 0x27, 0x02})
	if d.Address() != 7 || d.HandlerID() != 2 {
		t.Fatalf("setup: addr=%d handler=%d", d.Address(), d.HandlerID())
	}
	d.reg0 = []byte{0x01, 0xff}

	b.ProcessCommand([]byte{0x71})
	if d.Address() != 7 || d.HandlerID() != 2 {
		t.Fatalf("after flush addr=%d handler=%d, want 7 and 2", d.Address(), d.HandlerID())
	}
	if d.reg0 != nil {
		t.Fatalf("flush left queued data")
	}
	if st := b.ProcessCommand([]byte{0x7f}); st&StatusTimeout != 0 || b.Output()[1] != 2 {
		t.Fatalf("talk R3 at the assigned address: %v % x", st, b.Output())
	}
}

func TestCollisionLoserKeepsData(t *testing.T) {
	b := newBus()
	first := newDev("kbd", 2)
	second := newDev("kbd2", 2)
	b.AddDevice(-1, first, "")
	b.AddDevice(-1, second, "")
	first.reg0 = []byte{0x0a, 0xff}
	second.reg0 = []byte{0x0b, 0xff}

	if st := b.ProcessCommand([]byte{0x2c}); st&StatusTimeout != 0 || b.Output()[0] != 0x0a {
		t.Fatalf("first talk: %v % x", st, b.Output())
	}
	if !second.GotCollision() || b.Collisions() != 1 {
		t.Fatalf("collision not recorded")
	}
	if second.reg0 == nil {
		t.Fatalf("losing device's data was consumed")
	}
	if st := b.ProcessCommand([]byte{0x2c}); st&StatusTimeout != 0 || b.Output()[0] != 0x0b {
		t.Fatalf("second talk: %v % x", st, b.Output())
	}
	if b.Collisions() != 1 {
		t.Fatalf("idle device counted as a collision")
	}
}

func TestTimeoutAndServiceRequest(t *testing.T) {
	b := newBus()
	kbd := newDev("kbd", 2)
	mouse := newDev("mouse", 3)
	b.AddDevice(-1, kbd, "")
	b.AddDevice(-1, mouse, "")

	mouse.reg0 = []byte{0x81, 0x01}
	st := b.ProcessCommand([]byte{0x2c})
	if st != StatusTimeout|StatusSRQ {
		t.Fatalf("status = %v", st)
	}
	addr, data, ok := b.Poll()
	if !ok || addr != 3 || len(data) != 2 || data[0] != 0x81 {
		t.Fatalf("Poll = %d, %x, %v", addr, data, ok)
	}
	if _, _, ok := b.Poll(); ok {
		t.Fatalf("second poll found stale data")
	}
}
