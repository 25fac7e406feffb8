package hwcomp

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/macppc/internal/props"
)

type testNode struct {
	Base
	log *[]string
}

func newTestNode(name string, types Type, log *[]string) *testNode {
	n := &testNode{log: log}
	n.Init(n, name, types)
	return n
}

func (n *testNode) Release() error {
	if n.log != nil {
		*n.log = append(*n.log, "release "+n.Name())
	}
	return nil
}

// testBus hands out sequential slots and records bus registration.
type testBus struct {
	Base
	log      *[]string
	attached map[int]Component
	next     int
}

func newTestBus(name string, log *[]string) *testBus {
	b := &testBus{log: log, attached: make(map[int]Component)}
	b.Init(b, name, TypeI2CHost)
	return b
}

func (b *testBus) NextSlot(Component) (int, error) {
	for i := b.next; i < 4; i++ {
		if _, ok := b.attached[i]; !ok {
			return i, nil
		}
	}
	return 0, ErrNoSlot
}

func (b *testBus) AttachChild(addr int, child Component) error {
	b.attached[addr] = child
	*b.log = append(*b.log, "attach "+child.HW().Name())
	return nil
}

func (b *testBus) DetachChild(child Component) error {
	delete(b.attached, child.HW().UnitAddress())
	*b.log = append(*b.log, "detach "+child.HW().Name())
	return nil
}

var errBusy = errors.New("bus busy")

// pickyBus can refuse to let go of a child.
type pickyBus struct {
	testBus
	refuseDetach bool
}

func newPickyBus(name string, log *[]string) *pickyBus {
	b := &pickyBus{testBus: testBus{log: log, attached: make(map[int]Component)}}
	b.Init(b, name, TypeI2CHost)
	return b
}

func (b *pickyBus) DetachChild(child Component) error {
	if b.refuseDetach {
		return errBusy
	}
	return b.testBus.DetachChild(child)
}

// tableBus moves its own entry when a child changes address.
type tableBus struct {
	testBus
	fail bool
}

func newTableBus(name string, log *[]string) *tableBus {
	b := &tableBus{testBus: testBus{log: log, attached: make(map[int]Component)}}
	b.Init(b, name, TypeI2CHost)
	return b
}

func (b *tableBus) ChildReaddressed(child Component, oldAddr int) error {
	if b.fail {
		return errBusy
	}
	delete(b.attached, oldAddr)
	b.attached[child.HW().UnitAddress()] = child
	*b.log = append(*b.log, "readdress "+child.HW().Name())
	return nil
}

func checkTree(t *testing.T, root Component) {
	t.Helper()
	root.HW().Iterate(func(c Component) bool {
		cb := c.HW()
		if cb.Parent() == nil {
			return true
		}
		got, ok := cb.Parent().HW().Child(cb.UnitAddress())
		if !ok || got != c {
			t.Fatalf("%s: parent.children[%#x] does not point back", cb.Path(), cb.UnitAddress())
		}
		seen := map[int]bool{}
		for _, sib := range cb.Parent().HW().Children() {
			a := sib.HW().UnitAddress()
			if seen[a] {
				t.Fatalf("duplicate unit address %#x under %s", a, cb.Parent().HW().Path())
			}
			seen[a] = true
		}
		return true
	})
}

func TestAddDeviceRejectsTakenAddress(t *testing.T) {
	root := newTestNode("root", TypeMachine, nil)
	a := newTestNode("a", TypeMMIODev, nil)
	b := newTestNode("b", TypeMMIODev, nil)

	if _, err := root.AddDevice(0x10, a, ""); err != nil {
		t.Fatal(err)
	}
	_, err := root.AddDevice(0x10, b, "")
	if !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
	if b.Parent() != nil || b.UnitAddress() != -1 {
		t.Fatalf("rejected child was modified: parent=%v addr=%d", b.Parent(), b.UnitAddress())
	}
	if _, err := root.AddDevice(0x10, a, ""); !errors.Is(err, ErrHasParent) {
		t.Fatalf("re-adding attached child: got %v", err)
	}
	checkTree(t, root)
}

func TestAddDeviceWithoutSlotAssigner(t *testing.T) {
	root := newTestNode("root", TypeMachine, nil)
	if _, err := root.AddDevice(-1, newTestNode("x", 0, nil), ""); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("expected ErrNoSlot, got %v", err)
	}
}

func TestRemoveDeviceTearsDownBottomUp(t *testing.T) {
	var log []string
	root := newTestNode("root", TypeMachine, &log)
	bus := newTestBus("bus", &log)
	if _, err := root.AddDevice(1, bus, ""); err != nil {
		t.Fatal(err)
	}
	leaf := newTestNode("leaf", TypeI2CDev, &log)
	if _, err := bus.AddDevice(-1, leaf, ""); err != nil {
		t.Fatal(err)
	}
	grand := newTestNode("grand", TypeMMIODev, &log)
	if _, err := leaf.AddDevice(0, grand, ""); err != nil {
		t.Fatal(err)
	}

	if err := bus.RemoveDevice(leaf.UnitAddress()); err != nil {
		t.Fatal(err)
	}
	want := []string{"attach leaf", "release grand", "detach leaf", "release leaf"}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log = %v, want %v", log, want)
		}
	}
	if leaf.Alive() || grand.Alive() {
		t.Fatalf("removed components still report alive")
	}
	if len(bus.attached) != 0 {
		t.Fatalf("bus still holds %d registrations", len(bus.attached))
	}
	checkTree(t, root)
}

func TestMoveDevice(t *testing.T) {
	var log []string
	root := newTestNode("root", TypeMachine, nil)
	busA := newTestBus("busA", &log)
	busB := newTestBus("busB", &log)
	root.AddDevice(0, busA, "")
	root.AddDevice(1, busB, "")
	dev := newTestNode("dev", TypeI2CDev, nil)
	child := newTestNode("child", TypeMMIODev, nil)
	busA.AddDevice(-1, dev, "")
	dev.AddDevice(7, child, "")

	if err := dev.MoveTo(busB, 2); err != nil {
		t.Fatal(err)
	}
	if dev.Parent() != Component(busB) || dev.UnitAddress() != 2 {
		t.Fatalf("dev not re-homed: parent=%v addr=%d", dev.Parent(), dev.UnitAddress())
	}
	if _, ok := busA.attached[0]; ok {
		t.Fatalf("old bus still holds the device")
	}
	if child.Path() != "/busB@1/dev@2/child@7" {
		t.Fatalf("descendant path = %s", child.Path())
	}
	if err := busB.MoveTo(dev, 3); err == nil {
		t.Fatalf("moving a node under its own descendant must fail")
	}
	checkTree(t, root)
}

func TestChangeUnitAddress(t *testing.T) {
	root := newTestNode("root", TypeMachine, nil)
	a := newTestNode("a", 0, nil)
	b := newTestNode("b", 0, nil)
	root.AddDevice(0, a, "")
	root.AddDevice(1, b, "")

	if err := b.ChangeUnitAddress(0); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
	if err := b.ChangeUnitAddress(5); err != nil {
		t.Fatal(err)
	}
	if c, _ := root.Child(5); c != Component(b) {
		t.Fatalf("children map not updated")
	}
	if _, ok := root.Child(1); ok {
		t.Fatalf("old key still present")
	}
	checkTree(t, root)
}

func TestChangeUnitAddressReattaches(t *testing.T) {
	var log []string
	root := newTestNode("root", TypeMachine, nil)
	bus := newTestBus("bus", &log)
	root.AddDevice(0, bus, "")
	dev := newTestNode("dev", TypeI2CDev, nil)
	if _, err := bus.AddDevice(-1, dev, ""); err != nil {
		t.Fatal(err)
	}

	if err := dev.ChangeUnitAddress(3); err != nil {
		t.Fatal(err)
	}
	if _, ok := bus.attached[0]; ok {
		t.Fatalf("bus still holds the old address")
	}
	if bus.attached[3] != Component(dev) {
		t.Fatalf("bus table not moved: %v", bus.attached)
	}
	want := []string{"attach dev", "detach dev", "attach dev"}
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Fatalf("log = %v, want %v", log, want)
	}
	if err := bus.RemoveDevice(3); err != nil {
		t.Fatal(err)
	}
	if len(bus.attached) != 0 {
		t.Fatalf("bus table leaked %v", bus.attached)
	}
	checkTree(t, root)
}

func TestChangeUnitAddressReaddresser(t *testing.T) {
	var log []string
	root := newTestNode("root", TypeMachine, nil)
	bus := newTableBus("bus", &log)
	root.AddDevice(0, bus, "")
	dev := newTestNode("dev", TypeI2CDev, nil)
	bus.AddDevice(1, dev, "")

	if err := dev.ChangeUnitAddress(2); err != nil {
		t.Fatal(err)
	}
	if bus.attached[2] != Component(dev) || len(bus.attached) != 1 {
		t.Fatalf("bus table = %v", bus.attached)
	}
	if log[len(log)-1] != "readdress dev" {
		t.Fatalf("readdresser not used: %v", log)
	}

	bus.fail = true
	if err := dev.ChangeUnitAddress(3); !errors.Is(err, errBusy) {
		t.Fatalf("expected errBusy, got %v", err)
	}
	if dev.UnitAddress() != 2 {
		t.Fatalf("failed readdress left unit address %d", dev.UnitAddress())
	}
	if c, ok := bus.Child(2); !ok || c != Component(dev) {
		t.Fatalf("failed readdress changed the children map")
	}
	if _, ok := bus.Child(3); ok {
		t.Fatalf("failed readdress inserted the new key")
	}
	checkTree(t, root)
}

func TestMoveKeepsDeviceWhenDetachFails(t *testing.T) {
	var log []string
	root := newTestNode("root", TypeMachine, nil)
	busA := newPickyBus("busA", &log)
	busB := newTestBus("busB", &log)
	root.AddDevice(0, busA, "")
	root.AddDevice(1, busB, "")
	dev := newTestNode("dev", TypeI2CDev, nil)
	busA.AddDevice(2, dev, "")

	busA.refuseDetach = true
	if err := dev.MoveTo(busB, -1); !errors.Is(err, errBusy) {
		t.Fatalf("expected errBusy, got %v", err)
	}
	if dev.Parent() != Component(busA) || dev.UnitAddress() != 2 {
		t.Fatalf("device orphaned: parent=%v addr=%d", dev.Parent(), dev.UnitAddress())
	}
	if busA.attached[2] != Component(dev) || len(busB.attached) != 0 {
		t.Fatalf("bus tables changed: A=%v B=%v", busA.attached, busB.attached)
	}
	checkTree(t, root)

	busA.refuseDetach = false
	if err := dev.MoveTo(busB, -1); err != nil {
		t.Fatal(err)
	}
	if dev.Parent() != Component(busB) {
		t.Fatalf("move did not happen once the bus let go")
	}
	checkTree(t, root)
}

func TestDuplicateSiblingNameWarns(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	root := newTestNode("root", TypeMachine, nil)
	first := newTestNode("Spd", TypeI2CDev, nil)
	second := newTestNode("Spd", TypeI2CDev, nil)
	root.AddDevice(0x51, first, "")
	if strings.Contains(buf.String(), "duplicate sibling name") {
		t.Fatalf("warned on a unique name: %s", buf.String())
	}
	if _, err := root.AddDevice(0x50, second, ""); err != nil {
		t.Fatalf("same-named sibling rejected: %v", err)
	}
	if !strings.Contains(buf.String(), "duplicate sibling name") {
		t.Fatalf("no warning for duplicate sibling name, log: %q", buf.String())
	}
	c, _, err := root.FindPath("Spd", false)
	if err != nil || c != Component(second) {
		t.Fatalf("FindPath(Spd) = %v, %v; want the lower address", c, err)
	}
}

func TestLookupAndIterate(t *testing.T) {
	root := newTestNode("root", TypeMachine, nil)
	host := newTestNode("Grackle", TypeMemCtrl|TypePCIHost, nil)
	gpu := newTestNode("AtiRagePro", TypePCIDev|TypeVideo, nil)
	eth := newTestNode("Tulip", TypePCIDev, nil)
	root.AddDevice(0x80000000, host, "")
	host.AddDevice(0x90, gpu, "")
	host.AddDevice(0x10, eth, "")

	if c, err := root.CompByType(TypePCIDev); err != nil || c != Component(eth) {
		t.Fatalf("first PCI device = %v, %v; want Tulip (lower address)", c, err)
	}
	if n := len(root.CompsByType(TypePCIDev)); n != 2 {
		t.Fatalf("CompsByType found %d PCI devices", n)
	}
	if _, err := root.CompByType(TypeADBHost); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if root.CompByNameOptional("Nope") != nil {
		t.Fatalf("optional lookup must return nil")
	}
	if c, err := root.CompByName("AtiRagePro"); err != nil || c != Component(gpu) {
		t.Fatalf("CompByName = %v, %v", c, err)
	}

	mc, err := Lookup[*testNode](gpu, TypeMemCtrl)
	if err != nil || mc != host {
		t.Fatalf("Lookup from leaf = %v, %v", mc, err)
	}

	visits := 0
	complete := root.Iterate(func(c Component) bool {
		visits++
		return c != Component(eth)
	})
	if complete || visits != 3 {
		t.Fatalf("short-circuit failed: complete=%v visits=%d", complete, visits)
	}
}

func TestFindPath(t *testing.T) {
	root := newTestNode("root", TypeMachine, nil)
	host := newTestNode("Grackle", TypePCIHost, nil)
	gpu := newTestNode("AtiRagePro", TypePCIDev, nil)
	root.AddDevice(0x80000000, host, "")
	host.AddDevice(0x90, gpu, "")

	if got := gpu.Path(); got != "/Grackle@80000000/AtiRagePro@90" {
		t.Fatalf("Path() = %s", got)
	}

	tests := []struct {
		path    string
		partial bool
		want    Component
		leaf    bool
		wantErr bool
	}{
		{"/Grackle@80000000/AtiRagePro@90", false, gpu, true, false},
		{"Grackle/AtiRagePro", false, gpu, true, false},
		{"/@80000000/@90", false, gpu, true, false},
		{"/Grackle/Missing", false, nil, false, true},
		{"/Grackle/Missing/Deeper", true, host, false, false},
		{"/Grackle@1", false, nil, false, true},
		{"/Grackle@zz", false, nil, false, true},
	}
	for _, tt := range tests {
		c, leaf, err := root.FindPath(tt.path, tt.partial)
		if (err != nil) != tt.wantErr {
			t.Fatalf("FindPath(%q) err = %v", tt.path, err)
		}
		if c != tt.want || leaf != tt.leaf {
			t.Fatalf("FindPath(%q) = %v leaf=%v, want %v leaf=%v", tt.path, c, leaf, tt.want, tt.leaf)
		}
	}
}

func TestProperties(t *testing.T) {
	n := newTestNode("gpu", TypeVideo, nil)
	n.DeclareProperty("gfxmem_size", props.NewIntList(2, 2, 4, 8))

	c, err := n.ApplyProperty(nil, "gfxmem_size", "4", -1)
	if err != nil || c != Component(n) {
		t.Fatalf("ApplyProperty = %v, %v", c, err)
	}
	if p, _ := n.Property("gfxmem_size"); p.String() != "4" {
		t.Fatalf("property = %s", p)
	}
	if c, err := n.ApplyProperty(nil, "unknown", "1", -1); c != nil || err != nil {
		t.Fatalf("unknown property must be ignored, got %v, %v", c, err)
	}
	if _, err := n.ApplyProperty(nil, "gfxmem_size", "3", -1); err == nil {
		t.Fatalf("invalid value accepted")
	}
	if err := n.OverrideProperty("nope", "1"); !errors.Is(err, ErrUnknownProperty) {
		t.Fatalf("expected ErrUnknownProperty, got %v", err)
	}
}

func TestTypeString(t *testing.T) {
	if got := (TypePCIDev | TypeVideo).String(); got != "pci-dev|video" {
		t.Fatalf("String() = %q", got)
	}
	if !(TypeMemCtrl | TypePCIHost).Has(TypePCIHost) {
		t.Fatalf("Has failed")
	}
	if TypePCIHost.Has(TypeUnknown) {
		t.Fatalf("empty mask must not match")
	}
}
