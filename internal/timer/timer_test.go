package timer

import (
	"testing"
	"time"

	"github.com/tinyrange/macppc/internal/hwcomp"
)

type dev struct {
	hwcomp.Base
}

func TestOneShotOrdering(t *testing.T) {
	m := NewManager()
	var got []string
	m.AddOneShot(nil, 30*time.Microsecond, func() { got = append(got, "c") })
	m.AddOneShot(nil, 10*time.Microsecond, func() { got = append(got, "a") })
	m.AddOneShot(nil, 20*time.Microsecond, func() { got = append(got, "b") })

	if n := m.Advance(25 * time.Microsecond); n != 2 {
		t.Fatalf("fired %d, want 2", n)
	}
	m.Advance(time.Millisecond)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("order = %v", got)
	}
	if m.Now() != time.Millisecond {
		t.Fatalf("clock = %v", m.Now())
	}
}

func TestCyclicAndCancel(t *testing.T) {
	m := NewManager()
	ticks := 0
	id := m.AddCyclic(nil, time.Millisecond, func() { ticks++ })
	m.Advance(3500 * time.Microsecond)
	if ticks != 3 {
		t.Fatalf("ticks = %d, want 3", ticks)
	}
	m.Cancel(id)
	m.Advance(10 * time.Millisecond)
	if ticks != 3 || m.Pending() != 0 {
		t.Fatalf("cancelled timer kept running: ticks=%d pending=%d", ticks, m.Pending())
	}
}

func TestTimerOfRemovedOwnerNeverFires(t *testing.T) {
	root := &dev{}
	root.Init(root, "root", hwcomp.TypeMachine)
	d := &dev{}
	d.Init(d, "dma", hwcomp.TypeMMIODev)
	if _, err := root.AddDevice(1, d, ""); err != nil {
		t.Fatal(err)
	}

	m := NewManager()
	fired := false
	m.AddOneShot(d, time.Microsecond, func() { fired = true })
	if err := root.RemoveDevice(1); err != nil {
		t.Fatal(err)
	}
	m.Advance(time.Second)
	if fired {
		t.Fatalf("callback ran for a removed device")
	}
	if m.Pending() != 0 {
		t.Fatalf("stale timer left queued")
	}
}

func TestNext(t *testing.T) {
	m := NewManager()
	if _, ok := m.Next(); ok {
		t.Fatalf("empty manager reported a deadline")
	}
	m.AddOneShot(nil, 5*time.Millisecond, func() {})
	if d, ok := m.Next(); !ok || d != 5*time.Millisecond {
		t.Fatalf("Next = %v, %v", d, ok)
	}
}
