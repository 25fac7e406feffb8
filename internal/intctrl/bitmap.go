package intctrl

import (
	"fmt"
	"log/slog"
	"sort"
)

// Wiring assigns interrupt sources to bit positions of a Bitmap controller.
type Wiring map[Source]uint

// Bitmap is the event/level/mask interrupt logic shared by the mac-io
// family of controllers. Each wired source owns one bit; the handle returned
// to devices is that bit's mask. Components embed it next to hwcomp.Base to
// satisfy Controller.
type Bitmap struct {
	dev Wiring
	dma Wiring

	events uint64
	levels uint64
	mask   uint64
	refs   map[uint64]int

	out    OutputSink
	outLvl bool
}

// NewBitmap builds controller logic for the given wiring.
func NewBitmap(dev, dma Wiring) Bitmap {
	return Bitmap{dev: dev, dma: dma, refs: make(map[uint64]int), out: OutputSinkFunc(nil)}
}

// SetOutput connects the combined output line.
func (b *Bitmap) SetOutput(out OutputSink) {
	if out == nil {
		out = OutputSinkFunc(nil)
	}
	b.out = out
	b.outLvl = false
	b.update()
}

func (b *Bitmap) register(w Wiring, src Source) (uint64, error) {
	bit, ok := w[src]
	if !ok || bit >= 64 {
		return 0, fmt.Errorf("intctrl: %w: %s", ErrUnknownSource, src)
	}
	irq := uint64(1) << bit
	if b.refs == nil {
		b.refs = make(map[uint64]int)
	}
	b.refs[irq]++
	return irq, nil
}

// RegisterDevInt implements Controller.
func (b *Bitmap) RegisterDevInt(src Source) (uint64, error) {
	return b.register(b.dev, src)
}

// RegisterDMAInt implements Controller.
func (b *Bitmap) RegisterDMAInt(src Source) (uint64, error) {
	return b.register(b.dma, src)
}

// AckInt implements Controller. A rising level latches an event.
func (b *Bitmap) AckInt(irq uint64, level bool) {
	if level {
		if b.levels&irq == 0 {
			b.events |= irq
		}
		b.levels |= irq
	} else {
		b.levels &^= irq
	}
	b.update()
}

// AckDMAInt implements Controller.
func (b *Bitmap) AckDMAInt(irq uint64, level bool) {
	b.AckInt(irq, level)
}

// IRQToSource implements Controller.
func (b *Bitmap) IRQToSource(irq uint64) Source {
	for _, w := range []Wiring{b.dev, b.dma} {
		for src, bit := range w {
			if uint64(1)<<bit == irq {
				return src
			}
		}
	}
	return SrcNone
}

// ReleaseInt implements Controller.
func (b *Bitmap) ReleaseInt(irq uint64) {
	n, ok := b.refs[irq]
	if !ok {
		slog.Warn("intctrl: release of unregistered irq", "irq", fmt.Sprintf("%#x", irq))
		return
	}
	if n <= 1 {
		delete(b.refs, irq)
		b.levels &^= irq
		b.events &^= irq
	} else {
		b.refs[irq] = n - 1
	}
	b.update()
}

// Registered returns the handles currently held by devices, sorted.
func (b *Bitmap) Registered() []uint64 {
	out := make([]uint64, 0, len(b.refs))
	for irq := range b.refs {
		out = append(out, irq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Events returns the latched event register.
func (b *Bitmap) Events() uint64 { return b.events | b.levels }

// Levels returns the raw line levels.
func (b *Bitmap) Levels() uint64 { return b.levels }

// Mask returns the enable mask.
func (b *Bitmap) Mask() uint64 { return b.mask }

// SetMask writes the enable mask.
func (b *Bitmap) SetMask(mask uint64) {
	b.mask = mask
	b.update()
}

// ClearEvents acknowledges latched events (write-one-to-clear).
func (b *Bitmap) ClearEvents(bits uint64) {
	b.events &^= bits
	b.update()
}

// Pending reports whether any enabled source is active.
func (b *Bitmap) Pending() bool { return b.Events()&b.mask != 0 }

func (b *Bitmap) update() {
	lvl := b.Pending()
	if lvl == b.outLvl {
		return
	}
	b.outLvl = lvl
	if b.out != nil {
		b.out.SetExtInt(lvl)
	}
}
