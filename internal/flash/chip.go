// Package flash implements AMD-style parallel flash chips and the
// controller facet that maps them into the physical address space.
package flash

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/macppc/internal/hwcomp"
)

// Geometry describes a chip part.
type Geometry struct {
	Name         string
	Manufacturer uint8
	DeviceID     uint8
	Size         uint64
	SectorSize   uint64
}

// Am29F080 is the 1 MiB boot flash of the Blue & White G3.
var Am29F080 = Geometry{
	Name:         "Am29F080",
	Manufacturer: 0x01,
	DeviceID:     0xd5,
	Size:         1 << 20,
	SectorSize:   64 << 10,
}

type chipState int

const (
	stateRead chipState = iota
	stateUnlock1
	stateUnlock2
	stateAutoselect
	stateProgram
	stateEraseSetup
	stateEraseUnlock1
	stateEraseUnlock2
)

var stateNames = [...]string{
	stateRead:         "read",
	stateUnlock1:      "unlock1",
	stateUnlock2:      "unlock2",
	stateAutoselect:   "autoselect",
	stateProgram:      "program",
	stateEraseSetup:   "erase-setup",
	stateEraseUnlock1: "erase-unlock1",
	stateEraseUnlock2: "erase-unlock2",
}

func (s chipState) String() string { return stateNames[s] }

const (
	cmdAddr1 = 0x555
	cmdAddr2 = 0x2aa
	addrMask = 0x7ff

	cmdReset       = 0xf0
	cmdAutoselect  = 0x90
	cmdProgram     = 0xa0
	cmdEraseSetup  = 0x80
	cmdChipErase   = 0x10
	cmdSectorErase = 0x30
)

// Chip is the array plus its command state machine. Device types embed it
// next to hwcomp.Base and call InitChip.
type Chip struct {
	geo   Geometry
	data  []byte
	state chipState
	path  string
	dirty bool
}

// InitChip allocates an erased array. If path is set the array is loaded
// from it and written back by Save.
func (c *Chip) InitChip(geo Geometry, path string) error {
	c.geo = geo
	c.path = path
	c.data = make([]byte, geo.Size)
	for i := range c.data {
		c.data[i] = 0xff
	}
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("flash: image missing, starting erased", "path", path)
		return nil
	case err != nil:
		return fmt.Errorf("flash: load %s: %w", path, err)
	}
	if uint64(len(b)) > geo.Size {
		slog.Warn("flash: image larger than part, truncating", "path", path, "size", len(b), "part", geo.Name)
		b = b[:geo.Size]
	}
	copy(c.data, b)
	return nil
}

// FlashChip returns c.
func (c *Chip) FlashChip() *Chip { return c }

// Geometry returns the part description.
func (c *Chip) Geometry() Geometry { return c.geo }

// Contents returns the array. Callers must not keep it across writes.
func (c *Chip) Contents() []byte { return c.data }

// Load copies an image into the array starting at offset 0.
func (c *Chip) Load(image []byte) error {
	if uint64(len(image)) > c.geo.Size {
		return fmt.Errorf("flash: image of %d bytes does not fit %s", len(image), c.geo.Name)
	}
	copy(c.data, image)
	c.dirty = true
	return nil
}

// Save writes the array back to its file, if it has one and was modified.
func (c *Chip) Save() error {
	if c.path == "" || !c.dirty {
		return nil
	}
	if err := os.WriteFile(c.path, c.data, 0o644); err != nil {
		return fmt.Errorf("flash: save %s: %w", c.path, err)
	}
	c.dirty = false
	return nil
}

// Release implements hwcomp.Releaser.
func (c *Chip) Release() error { return c.Save() }

func (c *Chip) readByte(off uint64) byte {
	if c.state == stateAutoselect {
		switch off & 0xff {
		case 0:
			return c.geo.Manufacturer
		case 1:
			return c.geo.DeviceID
		}
		return 0
	}
	if off >= c.geo.Size {
		return 0xff
	}
	return c.data[off]
}

func (c *Chip) writeByte(off uint64, v byte) {
	if v == cmdReset && c.state != stateProgram {
		c.state = stateRead
		return
	}
	cmd := off & addrMask
	switch c.state {
	case stateRead, stateAutoselect:
		if cmd == cmdAddr1 && v == 0xaa {
			c.state = stateUnlock1
			return
		}
	case stateUnlock1:
		if cmd == cmdAddr2 && v == 0x55 {
			c.state = stateUnlock2
			return
		}
	case stateUnlock2:
		if cmd == cmdAddr1 {
			switch v {
			case cmdAutoselect:
				c.state = stateAutoselect
				return
			case cmdProgram:
				c.state = stateProgram
				return
			case cmdEraseSetup:
				c.state = stateEraseSetup
				return
			}
		}
	case stateProgram:
		if off < c.geo.Size {
			// Programming can only clear bits.
			c.data[off] &= v
			c.dirty = true
		}
		c.state = stateRead
		return
	case stateEraseSetup:
		if cmd == cmdAddr1 && v == 0xaa {
			c.state = stateEraseUnlock1
			return
		}
	case stateEraseUnlock1:
		if cmd == cmdAddr2 && v == 0x55 {
			c.state = stateEraseUnlock2
			return
		}
	case stateEraseUnlock2:
		switch {
		case v == cmdChipErase && cmd == cmdAddr1:
			c.erase(0, c.geo.Size)
			c.state = stateRead
			return
		case v == cmdSectorErase:
			start := off &^ (c.geo.SectorSize - 1)
			c.erase(start, c.geo.SectorSize)
			c.state = stateRead
			return
		}
	}
	slog.Debug("flash: unexpected write, back to read mode", "part", c.geo.Name, "state", c.state, "offset", off, "value", v)
	c.state = stateRead
}

func (c *Chip) erase(start, size uint64) {
	if start >= c.geo.Size {
		return
	}
	end := min(start+size, c.geo.Size)
	for i := start; i < end; i++ {
		c.data[i] = 0xff
	}
	c.dirty = true
}

// ReadMMIO implements memctrl.MMIOHandler.
func (c *Chip) ReadMMIO(off uint64, data []byte) error {
	for i := range data {
		data[i] = c.readByte(off + uint64(i))
	}
	return nil
}

// WriteMMIO implements memctrl.MMIOHandler. The part is eight bits wide;
// wider accesses present their bytes in address order.
func (c *Chip) WriteMMIO(off uint64, data []byte) error {
	for i, v := range data {
		c.writeByte(off+uint64(i), v)
	}
	return nil
}

// Device is a component carrying a Chip.
type Device interface {
	hwcomp.Component
	FlashChip() *Chip
}
