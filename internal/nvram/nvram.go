// Package nvram implements the battery-backed parameter RAM, persisted to a
// host file between runs.
//
// The file holds an 8-byte signature, the blob size as a little-endian
// uint32, then the blob.
package nvram

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/macppc/internal/hwcomp"
)

const (
	Signature   = "PPCNVRAM"
	DefaultSize = 8192
	headerSize  = len(Signature) + 4
)

var ErrBadHeader = errors.New("nvram: bad file header")

// NVRAM is the component. Reads and writes address single bytes.
type NVRAM struct {
	hwcomp.Base
	path string
	data []byte
}

// New creates an NVRAM of size bytes backed by path. An empty path keeps
// the contents in memory only. A missing, short or foreign file yields
// zeroed contents.
func New(name, path string, size int) *NVRAM {
	n := &NVRAM{path: path, data: make([]byte, size)}
	n.Init(n, name, hwcomp.TypeNVRAM)
	if path == "" {
		return n
	}
	if err := n.load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("nvram: no saved contents, starting zeroed", "path", path)
		} else {
			slog.Warn("nvram: discarding saved contents", "path", path, "err", err)
		}
		clear(n.data)
	}
	return n
}

func (n *NVRAM) load() error {
	f, err := os.Open(n.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if !bytes.Equal(hdr[:len(Signature)], []byte(Signature)) {
		return fmt.Errorf("%w: signature %q", ErrBadHeader, hdr[:len(Signature)])
	}
	if size := binary.LittleEndian.Uint32(hdr[len(Signature):]); int(size) != len(n.data) {
		return fmt.Errorf("%w: size %d, want %d", ErrBadHeader, size, len(n.data))
	}
	if _, err := io.ReadFull(f, n.data); err != nil {
		return fmt.Errorf("%w: short blob: %v", ErrBadHeader, err)
	}
	return nil
}

// Size returns the number of bytes.
func (n *NVRAM) Size() int { return len(n.data) }

// Byte returns the byte at offset. Out of range offsets read as zero.
func (n *NVRAM) Byte(offset int) byte {
	if offset < 0 || offset >= len(n.data) {
		slog.Debug("nvram: read out of range", "offset", offset)
		return 0
	}
	return n.data[offset]
}

// SetByte stores v at offset. Out of range offsets are ignored.
func (n *NVRAM) SetByte(offset int, v byte) {
	if offset < 0 || offset >= len(n.data) {
		slog.Debug("nvram: write out of range", "offset", offset)
		return
	}
	n.data[offset] = v
}

// Flush writes the contents to the backing file. It is a no-op without a
// file.
func (n *NVRAM) Flush() error {
	if n.path == "" {
		return nil
	}
	buf := make([]byte, headerSize+len(n.data))
	copy(buf, Signature)
	binary.LittleEndian.PutUint32(buf[len(Signature):], uint32(len(n.data)))
	copy(buf[headerSize:], n.data)
	if err := os.WriteFile(n.path, buf, 0o644); err != nil {
		return fmt.Errorf("nvram: save %s: %w", n.path, err)
	}
	return nil
}

// Release implements hwcomp.Releaser: contents are saved on teardown.
func (n *NVRAM) Release() error { return n.Flush() }

// MMIOSize returns the span of the register window, 16 bytes per cell.
func (n *NVRAM) MMIOSize() uint64 { return uint64(len(n.data)) << 4 }

// ReadMMIO implements memctrl.MMIOHandler. mac-io spaces the bytes 16
// apart.
func (n *NVRAM) ReadMMIO(off uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	v := n.Byte(int(off >> 4))
	for i := range data {
		data[i] = 0
	}
	data[len(data)-1] = v
	return nil
}

// WriteMMIO implements memctrl.MMIOHandler.
func (n *NVRAM) WriteMMIO(off uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n.SetByte(int(off>>4), data[len(data)-1])
	return nil
}
