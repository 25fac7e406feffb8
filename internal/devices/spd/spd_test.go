package spd

import (
	"testing"

	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/i2c"
)

type testHost struct {
	hwcomp.Base
	i2c.Bus
}

func TestModuleSizes(t *testing.T) {
	for _, tc := range []struct {
		mb      int
		density byte
		ok      bool
	}{
		{8, 0x02, true},
		{64, 0x10, true},
		{256, 0x40, true},
		{48, 0, false},
		{1024, 0, false},
	} {
		e, err := New("spd", tc.mb)
		if (err == nil) != tc.ok {
			t.Errorf("%d MB: err = %v", tc.mb, err)
			continue
		}
		if !tc.ok {
			continue
		}
		if e.Bytes()[offDensity] != tc.density || e.SizeMB() != tc.mb {
			t.Errorf("%d MB: density %#x", tc.mb, e.Bytes()[offDensity])
		}
		var sum byte
		for _, b := range e.Bytes()[:offChecksum] {
			sum += b
		}
		if e.Bytes()[offChecksum] != sum {
			t.Errorf("%d MB: bad checksum", tc.mb)
		}
	}
}

func TestReadOverBus(t *testing.T) {
	h := &testHost{}
	h.Init(h, "i2c", hwcomp.TypeI2CHost)
	h.InitBus(h)
	e, err := New("spd", 128)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.AddDevice(BaseAddress+1, e, ""); err != nil {
		t.Fatal(err)
	}

	if !h.StartTransaction(BaseAddress+1) || !h.SendSubaddress(BaseAddress+1, offMemType) {
		t.Fatalf("EEPROM did not acknowledge")
	}
	if b, ok := h.ReceiveByte(BaseAddress + 1); !ok || b != memTypeSDRAM {
		t.Fatalf("memory type %#x", b)
	}
	if b, _ := h.ReceiveByte(BaseAddress + 1); b != 12 {
		t.Fatalf("pointer did not advance: %#x", b)
	}
	if h.SendByte(BaseAddress+1, 0) {
		t.Fatalf("write acknowledged")
	}
	if h.StartTransaction(BaseAddress) {
		t.Fatalf("empty address acknowledged")
	}
}
