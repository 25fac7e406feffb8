// Package bootflash is the boot ROM of machines that keep their firmware
// in writable flash: a controller decoding the top megabyte of the address
// space and the Am29F080 part behind it.
package bootflash

import (
	"github.com/tinyrange/macppc/internal/devreg"
	"github.com/tinyrange/macppc/internal/flash"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/props"
)

// Address is where the first chip is decoded.
const Address = 0xfff00000

func init() {
	devreg.Register("BootFlash", devreg.Description{
		Create: func(name string, _ *props.Settings) (hwcomp.Component, error) {
			return NewController(name, Address), nil
		},
		Children:    []string{"Am29F080@0"},
		Types:       hwcomp.TypeFlashCtrl,
		DisplayName: "boot flash",
	})
	devreg.Register("Am29F080", devreg.Description{
		Create: func(name string, s *props.Settings) (hwcomp.Component, error) {
			return NewChip(name, flash.Am29F080, s.StrOr("flash_img", ""))
		},
		Props:       map[string]props.Property{"flash_img": props.NewStr("")},
		Types:       hwcomp.TypeFlashChip,
		DisplayName: "AMD Am29F080",
	})
}

// Controller maps its chips from its base address on.
type Controller struct {
	hwcomp.Base
	flash.Controller
}

// NewController returns an empty controller decoding from base.
func NewController(name string, base uint64) *Controller {
	c := &Controller{}
	c.Init(c, name, hwcomp.TypeFlashCtrl)
	c.InitController(c, base)
	return c
}

// Chip is one flash part. A non-empty image path is loaded at creation
// and written back on teardown when modified.
type Chip struct {
	hwcomp.Base
	flash.Chip
}

// NewChip returns a part of geometry geo backed by path.
func NewChip(name string, geo flash.Geometry, path string) (*Chip, error) {
	c := &Chip{}
	c.Init(c, name, hwcomp.TypeFlashChip)
	if err := c.InitChip(geo, path); err != nil {
		return nil, err
	}
	return c, nil
}

var (
	_ flash.Device      = (*Chip)(nil)
	_ hwcomp.Releaser   = (*Chip)(nil)
	_ hwcomp.PostIniter = (*Controller)(nil)
)
