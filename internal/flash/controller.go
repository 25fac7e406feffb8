package flash

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/memctrl"
)

var ErrNotFlashChip = errors.New("not a flash chip")

// Controller maps its chips back to back from a base address. Components
// embed it and call InitController. Chip n sits at base plus the sizes of
// the chips at lower unit addresses.
type Controller struct {
	owner  hwcomp.Component
	base   uint64
	chips  map[int]Device
	mapped map[Device]uint64
	ready  bool
}

// InitController prepares an empty controller decoding from base.
func (fc *Controller) InitController(owner hwcomp.Component, base uint64) {
	fc.owner = owner
	fc.base = base
	fc.chips = make(map[int]Device)
	fc.mapped = make(map[Device]uint64)
}

// FlashController returns fc.
func (fc *Controller) FlashController() *Controller { return fc }

// Base returns the address of the first chip.
func (fc *Controller) Base() uint64 { return fc.base }

// Chips returns the chips in unit address order.
func (fc *Controller) Chips() []Device {
	addrs := make([]int, 0, len(fc.chips))
	for a := range fc.chips {
		addrs = append(addrs, a)
	}
	sort.Ints(addrs)
	out := make([]Device, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fc.chips[a])
	}
	return out
}

// AttachChild implements hwcomp.ChildAttacher.
func (fc *Controller) AttachChild(addr int, child hwcomp.Component) error {
	d, ok := child.(Device)
	if !ok {
		return fmt.Errorf("flash: %q: %w", child.HW().Name(), ErrNotFlashChip)
	}
	fc.chips[addr] = d
	if fc.ready {
		return fc.mapAll()
	}
	return nil
}

// DetachChild implements hwcomp.ChildDetacher.
func (fc *Controller) DetachChild(child hwcomp.Component) error {
	for a, d := range fc.chips {
		if hwcomp.Component(d) != child {
			continue
		}
		delete(fc.chips, a)
		if start, ok := fc.mapped[d]; ok {
			delete(fc.mapped, d)
			if mc, err := memctrl.Find(fc.owner); err == nil {
				if err := mc.RemoveMMIORegion(start, d); err != nil {
					return fmt.Errorf("flash: unmap %q: %w", d.HW().Name(), err)
				}
			}
		}
	}
	return nil
}

// NextSlot implements hwcomp.SlotAssigner.
func (fc *Controller) NextSlot(hwcomp.Component) (int, error) {
	n := 0
	for {
		if _, used := fc.chips[n]; !used {
			return n, nil
		}
		n++
	}
}

// mapAll maps every chip that is not mapped yet.
func (fc *Controller) mapAll() error {
	mc, err := memctrl.Find(fc.owner)
	if err != nil {
		return err
	}
	addr := fc.base
	for _, d := range fc.Chips() {
		size := d.FlashChip().geo.Size
		if _, ok := fc.mapped[d]; !ok {
			if err := mc.AddMMIORegion(addr, size, d, d.FlashChip()); err != nil {
				return fmt.Errorf("flash: map %q at %#x: %w", d.HW().Name(), addr, err)
			}
			fc.mapped[d] = addr
			slog.Debug("flash: chip mapped", "chip", d.HW().Name(), "addr", addr, "size", size)
		}
		addr += size
	}
	return nil
}

// PostInit implements hwcomp.PostIniter.
func (fc *Controller) PostInit(hwcomp.Component) hwcomp.PostInitResult {
	if err := fc.mapAll(); err != nil {
		if errors.Is(err, hwcomp.ErrNotFound) {
			return hwcomp.PostInitRetry
		}
		slog.Error("flash: mapping chips", "controller", fc.owner.HW().Name(), "err", err)
		return hwcomp.PostInitFail
	}
	fc.ready = true
	return hwcomp.PostInitOK
}
