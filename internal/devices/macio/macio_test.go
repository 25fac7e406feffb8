package macio

import (
	"testing"

	"github.com/tinyrange/macppc/internal/cpu"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/intctrl"
	"github.com/tinyrange/macppc/internal/nvram"
)

type testRoot struct {
	hwcomp.Base
	cpu *cpu.Recorder
}

func (r *testRoot) CPU() cpu.Collaborator { return r.cpu }

func newMacIO(t *testing.T) (*testRoot, *MacIO) {
	t.Helper()
	root := &testRoot{cpu: &cpu.Recorder{}}
	root.Init(root, "root", hwcomp.TypeMachine)
	m, err := New("Heathrow", 0x0010)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := root.AddDevice(0, m, ""); err != nil {
		t.Fatal(err)
	}
	if r := m.PostInit(root); r != hwcomp.PostInitOK {
		t.Fatalf("post-init %s", r)
	}
	return root, m
}

func writeLE(t *testing.T, m *MacIO, off uint64, v uint32) {
	t.Helper()
	if err := (window{m}).WriteMMIO(off, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}); err != nil {
		t.Fatal(err)
	}
}

func readLE(t *testing.T, m *MacIO, off uint64) uint32 {
	t.Helper()
	var b [4]byte
	if err := (window{m}).ReadMMIO(off, b[:]); err != nil {
		t.Fatal(err)
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func TestInterruptRegisters(t *testing.T) {
	root, m := newMacIO(t)
	ch := NewIDE("MacIoIde0", intctrl.SrcIDE0)
	if _, err := m.AddDevice(0x20000, ch, ""); err != nil {
		t.Fatal(err)
	}
	if r := ch.PostInit(root); r != hwcomp.PostInitOK {
		t.Fatalf("channel post-init %s", r)
	}

	ch.RaiseIRQ(true)
	if root.cpu.ExtInt {
		t.Fatalf("masked source reached the CPU")
	}
	if v := readLE(t, m, regLevels1); v != 1<<13 {
		t.Fatalf("levels1 = %#x", v)
	}
	writeLE(t, m, regMask1, 1<<13)
	if !root.cpu.ExtInt {
		t.Fatalf("unmasked source did not reach the CPU")
	}
	if v := readLE(t, m, regMask1); v != 1<<13 {
		t.Fatalf("mask1 = %#x", v)
	}

	ch.RaiseIRQ(false)
	if v := readLE(t, m, regEvents1); v != 1<<13 {
		t.Fatalf("event not latched: events1 = %#x", v)
	}
	if !root.cpu.ExtInt {
		t.Fatalf("latched event dropped the output")
	}
	writeLE(t, m, regClear1, 1<<13)
	if root.cpu.ExtInt || readLE(t, m, regEvents1) != 0 {
		t.Fatalf("clear did not acknowledge the event")
	}
	if readLE(t, m, regEvents2) != 0 || readLE(t, m, regMask2) != 0 {
		t.Fatalf("second register set disturbed")
	}
}

func TestHighSetUsesSecondBank(t *testing.T) {
	root, m := newMacIO(t)
	d, err := intctrl.Register(root, intctrl.SrcEthernet)
	if err != nil {
		t.Fatal(err)
	}
	writeLE(t, m, regMask2, 1<<(42-32))
	d.Raise(true)
	if v := readLE(t, m, regLevels2); v != 1<<(42-32) {
		t.Fatalf("levels2 = %#x", v)
	}
	if !root.cpu.ExtInt {
		t.Fatalf("ethernet interrupt did not reach the CPU")
	}
	if readLE(t, m, regLevels1) != 0 {
		t.Fatalf("ethernet showed up in the first bank")
	}
}

func TestWindowRouting(t *testing.T) {
	_, m := newMacIO(t)
	n := nvram.New("NVRAM", "", nvram.DefaultSize)
	if _, err := m.AddDevice(0x60000, n, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddDevice(0x20000, NewIDE("MacIoIde0", intctrl.SrcIDE0), ""); err != nil {
		t.Fatal(err)
	}

	w := window{m}
	if err := w.WriteMMIO(0x60000+5<<4, []byte{0xab}); err != nil {
		t.Fatal(err)
	}
	if n.Byte(5) != 0xab {
		t.Fatalf("NVRAM byte 5 = %#x", n.Byte(5))
	}
	last := uint64(0x60000 + (nvram.DefaultSize-1)<<4)
	if err := w.WriteMMIO(last, []byte{0x5a}); err != nil {
		t.Fatal(err)
	}
	if n.Byte(nvram.DefaultSize-1) != 0x5a {
		t.Fatalf("last NVRAM byte not reached")
	}

	// An empty channel floats its data register.
	b := []byte{0, 0}
	if err := w.ReadMMIO(0x20000, b); err != nil {
		t.Fatal(err)
	}
	if b[0] != 0xff || b[1] != 0xff {
		t.Fatalf("empty IDE channel data read % x", b)
	}

	b = []byte{0, 0}
	if err := w.ReadMMIO(0x40000, b); err != nil {
		t.Fatal(err)
	}
	if b[0] != 0xff || b[1] != 0xff {
		t.Fatalf("unclaimed offset read % x", b)
	}
}
