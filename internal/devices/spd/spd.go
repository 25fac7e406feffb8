// Package spd implements the serial presence detect EEPROM of an SDRAM
// DIMM, read by the firmware over I2C to size the memory banks.
package spd

import (
	"fmt"

	"github.com/tinyrange/macppc/internal/devreg"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/i2c"
	"github.com/tinyrange/macppc/internal/props"
)

// Size is the EEPROM capacity.
const Size = 256

// Field offsets.
const (
	offBytesUsed  = 0
	offTotalBytes = 1
	offMemType    = 2
	offRowAddr    = 3
	offColAddr    = 4
	offBanks      = 5
	offWidthLo    = 6
	offVoltage    = 8
	offDensity    = 31
	offChecksum   = 63

	memTypeSDRAM = 4
)

// BaseAddress is the I2C address of bank 0's EEPROM; bank n sits at
// BaseAddress+n.
const BaseAddress = 0x50

func init() {
	devreg.Register("SpdSdram", devreg.Description{
		Create: func(name string, s *props.Settings) (hwcomp.Component, error) {
			return New(name, int(s.IntOr("spd_size", 64)))
		},
		Props: map[string]props.Property{"spd_size": props.NewIntList(64, 8, 16, 32, 64, 128, 256)},
		Types: hwcomp.TypeI2CDev,
	})
}

// EEPROM describes one DIMM. Reads auto-increment the address pointer.
type EEPROM struct {
	hwcomp.Base
	data [Size]byte
	ptr  int
}

// New returns the EEPROM of a sizeMB SDRAM module. The size must be a
// power of two between 4 and 512 MB.
func New(name string, sizeMB int) (*EEPROM, error) {
	if sizeMB < 4 || sizeMB > 512 || sizeMB&(sizeMB-1) != 0 {
		return nil, fmt.Errorf("spd: unsupported module size %d MB", sizeMB)
	}
	e := &EEPROM{}
	e.Init(e, name, hwcomp.TypeI2CDev)
	d := &e.data
	d[offBytesUsed] = 128
	d[offTotalBytes] = 8
	d[offMemType] = memTypeSDRAM
	d[offRowAddr] = 12
	d[offColAddr] = 9
	d[offBanks] = 1
	d[offWidthLo] = 64
	d[offVoltage] = 1
	d[offDensity] = byte(sizeMB / 4)
	var sum byte
	for _, b := range d[:offChecksum] {
		sum += b
	}
	d[offChecksum] = sum
	return e, nil
}

// SizeMB decodes the module size from the density byte.
func (e *EEPROM) SizeMB() int { return int(e.data[offDensity]) * 4 }

// Bytes returns the EEPROM contents.
func (e *EEPROM) Bytes() []byte { return e.data[:] }

// StartTransaction implements i2c.Device.
func (e *EEPROM) StartTransaction() bool { return true }

// SendSubaddress implements i2c.Device.
func (e *EEPROM) SendSubaddress(sub uint8) bool {
	e.ptr = int(sub)
	return true
}

// SendByte implements i2c.Device. The EEPROM is read-only.
func (e *EEPROM) SendByte(uint8) bool { return false }

// ReceiveByte implements i2c.Device.
func (e *EEPROM) ReceiveByte() (uint8, bool) {
	if e.ptr >= Size {
		return 0, false
	}
	b := e.data[e.ptr]
	e.ptr++
	return b, true
}

var _ i2c.Device = (*EEPROM)(nil)
