// Package memctrl implements the physical address map the CPU's load/store
// path consults: RAM banks, ROM, mirrors and memory-mapped device windows.
package memctrl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/macppc/internal/hwcomp"
)

var (
	ErrUnmapped = errors.New("address not mapped")
	ErrOverlap  = errors.New("region overlaps an existing region")
)

// Kind classifies a region.
type Kind int

const (
	KindRAM Kind = iota
	KindROM
	KindMirror
	KindMMIO
)

func (k Kind) String() string {
	switch k {
	case KindRAM:
		return "ram"
	case KindROM:
		return "rom"
	case KindMirror:
		return "mirror"
	case KindMMIO:
		return "mmio"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MMIOHandler serves accesses to a device window. offset is relative to the
// start of the region; data is big-endian, as the bus presents it.
type MMIOHandler interface {
	ReadMMIO(offset uint64, data []byte) error
	WriteMMIO(offset uint64, data []byte) error
}

// Region is one entry of the address map.
type Region struct {
	Start   uint64
	Size    uint64
	Kind    Kind
	Owner   hwcomp.Component
	Handler MMIOHandler
	// Target is the aliased address of a mirror.
	Target uint64

	mem   []byte
	unmap func() error
}

// End returns the first address past the region.
func (r *Region) End() uint64 { return r.Start + r.Size }

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uint64) bool { return addr >= r.Start && addr < r.End() }

func (r *Region) String() string {
	owner := ""
	if r.Owner != nil {
		owner = " " + r.Owner.HW().Name()
	}
	return fmt.Sprintf("%#010x-%#010x %s%s", r.Start, r.End()-1, r.Kind, owner)
}

// Host is a component that owns a memory controller.
type Host interface {
	hwcomp.Component
	MemoryController() *Controller
}

// Find returns the memory controller of the machine containing c.
func Find(c hwcomp.Component) (*Controller, error) {
	h, err := hwcomp.Lookup[Host](c, hwcomp.TypeMemCtrl)
	if err != nil {
		return nil, fmt.Errorf("memctrl: %w", err)
	}
	return h.MemoryController(), nil
}

// Controller holds the address map. Components embed it and tag themselves
// with hwcomp.TypeMemCtrl; their Release must call ReleaseRegions.
type Controller struct {
	regions []*Region
}

// MemoryController implements Host.
func (m *Controller) MemoryController() *Controller { return m }

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

func (m *Controller) insert(r *Region) error {
	if r.Size == 0 {
		return fmt.Errorf("memctrl: %s region at %#x has zero size", r.Kind, r.Start)
	}
	if r.Start+r.Size < r.Start {
		return fmt.Errorf("memctrl: %s region at %#x with size %#x overflows", r.Kind, r.Start, r.Size)
	}
	for _, existing := range m.regions {
		if regionsOverlap(r.Start, r.Size, existing.Start, existing.Size) {
			return fmt.Errorf("memctrl: %s region %#x-%#x overlaps %s: %w",
				r.Kind, r.Start, r.End()-1, existing, ErrOverlap)
		}
	}
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].Start >= r.Start })
	m.regions = append(m.regions, nil)
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
	slog.Debug("memctrl: region added", "region", r.String())
	return nil
}

func (m *Controller) addBacked(start, size uint64, kind Kind) error {
	if size == 0 {
		return fmt.Errorf("memctrl: %s region at %#x has zero size", kind, start)
	}
	mem, unmap, err := allocate(size)
	if err != nil {
		return fmt.Errorf("memctrl: allocate %s %#x bytes: %w", kind, size, err)
	}
	r := &Region{Start: start, Size: size, Kind: kind, mem: mem, unmap: unmap}
	if err := m.insert(r); err != nil {
		if uerr := unmap(); uerr != nil {
			slog.Warn("memctrl: free after failed insert", "err", uerr)
		}
		return err
	}
	return nil
}

// AddRAMRegion maps size bytes of zeroed RAM at start.
func (m *Controller) AddRAMRegion(start, size uint64) error {
	return m.addBacked(start, size, KindRAM)
}

// AddROMRegion maps size bytes of ROM at start. Guest writes are dropped;
// use LoadData to fill it.
func (m *Controller) AddROMRegion(start, size uint64) error {
	return m.addBacked(start, size, KindROM)
}

// AddMemMirror makes [start, start+size) alias [target, target+size), which
// must lie inside one RAM or ROM region.
func (m *Controller) AddMemMirror(start, size, target uint64) error {
	src := m.FindRange(target)
	if src == nil || src.mem == nil || target+size > src.End() || target+size < target {
		return fmt.Errorf("memctrl: mirror target %#x+%#x is not backed memory: %w", target, size, ErrUnmapped)
	}
	off := target - src.Start
	return m.insert(&Region{
		Start:  start,
		Size:   size,
		Kind:   KindMirror,
		Target: target,
		mem:    src.mem[off : off+size],
	})
}

// AddMMIORegion routes [start, start+size) to h on behalf of owner.
func (m *Controller) AddMMIORegion(start, size uint64, owner hwcomp.Component, h MMIOHandler) error {
	if h == nil {
		return fmt.Errorf("memctrl: MMIO handler for region %#x size %#x is nil", start, size)
	}
	return m.insert(&Region{Start: start, Size: size, Kind: KindMMIO, Owner: owner, Handler: h})
}

// RemoveMMIORegion unmaps the MMIO region of owner that starts at start.
func (m *Controller) RemoveMMIORegion(start uint64, owner hwcomp.Component) error {
	for i, r := range m.regions {
		if r.Kind == KindMMIO && r.Start == start && r.Owner == owner {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			slog.Debug("memctrl: region removed", "region", r.String())
			return nil
		}
	}
	return fmt.Errorf("memctrl: no MMIO region at %#x: %w", start, ErrUnmapped)
}

// RemoveRegionsOf unmaps every region owned by owner or one of its
// descendants and returns how many were removed.
func (m *Controller) RemoveRegionsOf(owner hwcomp.Component) int {
	kept := m.regions[:0]
	n := 0
	for _, r := range m.regions {
		if r.Owner != nil && ownedBy(r.Owner, owner) {
			slog.Debug("memctrl: region reclaimed", "region", r.String())
			n++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(m.regions); i++ {
		m.regions[i] = nil
	}
	m.regions = kept
	return n
}

func ownedBy(c, owner hwcomp.Component) bool {
	for ; c != nil; c = c.HW().Parent() {
		if c == owner {
			return true
		}
	}
	return false
}

// FindRange returns the region containing addr, or nil.
func (m *Controller) FindRange(addr uint64) *Region {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End() > addr })
	if i < len(m.regions) && m.regions[i].Contains(addr) {
		return m.regions[i]
	}
	return nil
}

// Regions returns a snapshot of the address map in address order.
func (m *Controller) Regions() []Region {
	out := make([]Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = *r
	}
	return out
}

// Bytes returns the backing memory of a RAM, ROM or mirror region covering
// [addr, addr+size).
func (m *Controller) Bytes(addr, size uint64) ([]byte, error) {
	r := m.FindRange(addr)
	if r == nil || r.mem == nil || addr+size > r.End() {
		return nil, fmt.Errorf("memctrl: %#x+%#x: %w", addr, size, ErrUnmapped)
	}
	off := addr - r.Start
	return r.mem[off : off+size], nil
}

// LoadData copies data into backed memory at addr, ROM included.
func (m *Controller) LoadData(addr uint64, data []byte) error {
	dst, err := m.Bytes(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func checkSize(size int) error {
	switch size {
	case 1, 2, 4, 8:
		return nil
	}
	return fmt.Errorf("memctrl: unsupported access size %d", size)
}

// Read performs a big-endian load of size bytes.
func (m *Controller) Read(addr uint64, size int) (uint64, error) {
	if err := checkSize(size); err != nil {
		return 0, err
	}
	r := m.FindRange(addr)
	if r == nil || addr+uint64(size) > r.End() {
		return 0, fmt.Errorf("memctrl: read %#x/%d: %w", addr, size, ErrUnmapped)
	}
	off := addr - r.Start
	var buf [8]byte
	data := buf[8-size:]
	if r.Kind == KindMMIO {
		if err := r.Handler.ReadMMIO(off, data); err != nil {
			return 0, fmt.Errorf("memctrl: read %#x via %s: %w", addr, r, err)
		}
	} else {
		copy(data, r.mem[off:off+uint64(size)])
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// Write performs a big-endian store of the low size bytes of value. Stores
// to ROM are dropped.
func (m *Controller) Write(addr, value uint64, size int) error {
	if err := checkSize(size); err != nil {
		return err
	}
	r := m.FindRange(addr)
	if r == nil || addr+uint64(size) > r.End() {
		return fmt.Errorf("memctrl: write %#x/%d: %w", addr, size, ErrUnmapped)
	}
	off := addr - r.Start
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	data := buf[8-size:]
	switch r.Kind {
	case KindMMIO:
		if err := r.Handler.WriteMMIO(off, data); err != nil {
			return fmt.Errorf("memctrl: write %#x via %s: %w", addr, r, err)
		}
	case KindROM:
		slog.Debug("memctrl: write to ROM dropped", "addr", fmt.Sprintf("%#x", addr))
	default:
		copy(r.mem[off:], data)
	}
	return nil
}

// ReleaseRegions frees every backed bank and empties the map.
func (m *Controller) ReleaseRegions() error {
	var errs []error
	for _, r := range m.regions {
		if r.unmap != nil {
			if err := r.unmap(); err != nil {
				errs = append(errs, fmt.Errorf("memctrl: free %s: %w", r, err))
			}
		}
	}
	m.regions = nil
	return errors.Join(errs...)
}
