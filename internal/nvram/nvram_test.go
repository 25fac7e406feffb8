package nvram

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTripThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvram.bin")
	n := New("nvram", path, DefaultSize)
	n.SetByte(0, 0x11)
	n.SetByte(DefaultSize-1, 0x22)
	if err := n.Release(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw[:8]) != Signature || binary.LittleEndian.Uint32(raw[8:12]) != DefaultSize {
		t.Fatalf("header = %q %x", raw[:8], raw[8:12])
	}
	if len(raw) != headerSize+DefaultSize {
		t.Fatalf("file size %d", len(raw))
	}

	again := New("nvram", path, DefaultSize)
	if again.Byte(0) != 0x11 || again.Byte(DefaultSize-1) != 0x22 {
		t.Fatalf("contents not restored")
	}
}

func TestMismatchZeroFills(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	sized := func(sig string, size uint32, blob int) []byte {
		b := make([]byte, headerSize+blob)
		copy(b, sig)
		binary.LittleEndian.PutUint32(b[8:], size)
		for i := headerSize; i < len(b); i++ {
			b[i] = 0xaa
		}
		return b
	}

	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"signature", sized("NOTNVRAM", 16, 16)},
		{"size", sized(Signature, 32, 32)},
		{"short", sized(Signature, 16, 4)},
		{"empty", nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n := New("nvram", write(tc.name, tc.data), 16)
			for i := 0; i < n.Size(); i++ {
				if n.Byte(i) != 0 {
					t.Fatalf("byte %d = %#x, want zero fill", i, n.Byte(i))
				}
			}
		})
	}
}

func TestMissingFileAndRange(t *testing.T) {
	n := New("nvram", filepath.Join(t.TempDir(), "absent"), 16)
	n.SetByte(16, 1)
	n.SetByte(-1, 1)
	if n.Byte(16) != 0 || n.Byte(-1) != 0 {
		t.Fatalf("out of range access leaked")
	}

	var b [4]byte
	n.WriteMMIO(3<<4, []byte{0, 0, 0, 0x7f})
	n.ReadMMIO(3<<4, b[:])
	if n.Byte(3) != 0x7f || b[3] != 0x7f {
		t.Fatalf("mmio stride wrong: %x", b)
	}
}
