package devtree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/memctrl"
	"github.com/tinyrange/macppc/internal/props"
)

type testRoot struct {
	hwcomp.Base
	memctrl.Controller
}

type leaf struct {
	hwcomp.Base
}

func (l *leaf) DeviceTreeProperties() map[string]Property {
	return map[string]Property{"built-in": {Flag: true}}
}

func newTree(t *testing.T) *testRoot {
	t.Helper()
	root := &testRoot{}
	root.Init(root, "root", hwcomp.TypeMachine|hwcomp.TypeMemCtrl)
	if err := root.AddRAMRegion(0, 0x100000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { root.ReleaseRegions() })

	nv := &leaf{}
	nv.Init(nv, "NVRAM", hwcomp.TypeNVRAM)
	nv.DeclareProperty("nvram_file", props.NewStr("nvram.bin"))
	bus := &leaf{}
	bus.Init(bus, "Heathrow", hwcomp.TypeMMIODev)
	if _, err := root.AddDevice(0xf3000000, bus, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.AddDevice(0x60000, nv, ""); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestFromTree(t *testing.T) {
	n := FromTree(newTree(t), "PowerMac G3")
	mem, ok := n.Child("memory@0")
	if !ok {
		t.Fatalf("no memory node: %+v", n.Children)
	}
	if got := mem.Properties["reg"].U32; len(got) != 2 || got[1] != 0x100000 {
		t.Fatalf("memory reg = %v", got)
	}
	macio, ok := n.Child("heathrow@f3000000")
	if !ok {
		t.Fatalf("no mac-io node")
	}
	if macio.Properties["device_type"].Strings[0] != "mac-io" {
		t.Fatalf("device_type = %v", macio.Properties["device_type"])
	}
	nv, ok := macio.Child("nvram@60000")
	if !ok {
		t.Fatalf("no nvram node under mac-io")
	}
	if nv.Properties["macppc,nvram_file"].Strings[0] != "nvram.bin" || !nv.Properties["built-in"].Flag {
		t.Fatalf("nvram properties = %+v", nv.Properties)
	}
}

func TestBuildParse(t *testing.T) {
	tree := FromTree(newTree(t), "PowerMac G3")
	blob, err := Build(tree, 0, Reservation{Address: 0x3000, Size: 0x1000})
	if err != nil {
		t.Fatal(err)
	}
	if binary.BigEndian.Uint32(blob) != magic || binary.BigEndian.Uint32(blob[20:]) != version {
		t.Fatalf("bad header")
	}
	if int(binary.BigEndian.Uint32(blob[4:])) != len(blob) {
		t.Fatalf("totalsize does not match blob length")
	}
	rsv := blob[binary.BigEndian.Uint32(blob[16:]):]
	if binary.BigEndian.Uint64(rsv) != 0x3000 || binary.BigEndian.Uint64(rsv[16:]) != 0 || binary.BigEndian.Uint64(rsv[24:]) != 0 {
		t.Fatalf("reservation block wrong")
	}

	back, err := Parse(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back.Properties["model"].Bytes, []byte("PowerMac G3\x00")) {
		t.Fatalf("model = %q", back.Properties["model"].Bytes)
	}
	macio, ok := back.Child("heathrow@f3000000")
	if !ok {
		t.Fatalf("mac-io node lost")
	}
	nv, ok := macio.Child("nvram@60000")
	if !ok || !nv.Properties["built-in"].Flag {
		t.Fatalf("nvram node lost")
	}
	if reg := nv.Properties["reg"].Bytes; len(reg) != 4 || binary.BigEndian.Uint32(reg) != 0x60000 {
		t.Fatalf("reg = %x", reg)
	}
}

func TestBuildRejectsBadProperty(t *testing.T) {
	bad := Node{Properties: map[string]Property{"x": {}}}
	if _, err := Build(bad, 0); err == nil {
		t.Fatalf("empty property accepted")
	}
	mixed := Node{Properties: map[string]Property{"x": {Flag: true, U32: []uint32{1}}}}
	if _, err := Build(mixed, 0); err == nil {
		t.Fatalf("mixed property accepted")
	}
	if _, err := Parse([]byte("not a blob at all, far too short")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Parse garbage: %v", err)
	}
}
