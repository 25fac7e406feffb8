package pci

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sort"

	"github.com/tinyrange/macppc/internal/cpu"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/intctrl"
	"github.com/tinyrange/macppc/internal/memctrl"
)

var (
	ErrNotPCIDevice = errors.New("not a PCI device")
	ErrNoIRQ        = errors.New("no interrupt wired for slot")
)

// IRQMapEntry wires a slot to an interrupt source. A non-empty SlotName
// also makes the slot fillable through a property of that name.
type IRQMapEntry struct {
	DevFun   int
	SlotName string
	Source   intctrl.Source
}

// BusBridge is a device that is also the host of a secondary bus.
type BusBridge interface {
	Device
	PCIHost() *Host
	BusRange() (secondary, subordinate int)
}

// Host is the bus side of a PCI host bridge or PCI-to-PCI bridge. Components
// embed it and call InitHost; the embedding type is then a SlotAssigner,
// ChildAttacher, ChildDetacher, PropertySetter and PostIniter.
type Host struct {
	owner   hwcomp.Component
	busNum  int
	devMin  int
	devMax  int
	devMap  map[int]Device
	ioDevs  []Device
	bridges []BusBridge
	irqMap  []IRQMapEntry
	ready   bool
}

// InitHost prepares the bus tables. Device numbers devMin..devMax are
// offered to slot filling.
func (h *Host) InitHost(owner hwcomp.Component, bus, devMin, devMax int, irqMap []IRQMapEntry) {
	h.owner = owner
	h.busNum = bus
	h.devMin = devMin
	h.devMax = devMax
	h.devMap = make(map[int]Device)
	h.irqMap = irqMap
}

// PCIHost returns h.
func (h *Host) PCIHost() *Host { return h }

// BusNumber returns the number of the bus this host drives.
func (h *Host) BusNumber() int { return h.busNum }

// IRQMap returns the slot wiring.
func (h *Host) IRQMap() []IRQMapEntry { return h.irqMap }

// RegisterDevice enters dev in the device table at devFun. Registering the
// same device again is a no-op; a different device at the slot is fully
// unregistered first.
func (h *Host) RegisterDevice(devFun int, dev Device) error {
	if dev == nil {
		return fmt.Errorf("pci: register nil device at %s", slotString(devFun))
	}
	if devFun < 0 || devFun > 0xff {
		return fmt.Errorf("pci: device/function %#x out of range", devFun)
	}
	if old, ok := h.devMap[devFun]; ok {
		if old == dev {
			return nil
		}
		slog.Warn("pci: replacing device in occupied slot",
			"slot", slotString(devFun), "old", old.HW().Name(), "new", dev.HW().Name())
		if err := h.UnregisterDevice(old); err != nil {
			return err
		}
	}

	f := dev.PCIFunction()
	f.host = h
	f.devFun = devFun
	h.devMap[devFun] = dev
	if br, ok := dev.(BusBridge); ok {
		h.bridges = append(h.bridges, br)
	}
	if _, isIO := dev.(IOHandler); isIO && (f.hasIOBAR() || isBridge(dev)) {
		h.ioDevs = append(h.ioDevs, dev)
	}
	h.updateMultiFunction(devFun >> 3)
	f.updateMappings()

	slog.Debug("pci: device registered", "bus", h.busNum, "slot", slotString(devFun), "name", dev.HW().Name())
	if h.ready && f.intPin != 0 {
		if _, err := h.RegisterPCIInt(dev); err != nil {
			slog.Warn("pci: interrupt not wired", "device", dev.HW().Name(), "err", err)
		}
	}
	return nil
}

func isBridge(dev Device) bool {
	_, ok := dev.(BusBridge)
	return ok
}

// UnregisterDevice removes dev from every table of the bus, reclaims its
// memory windows and releases its interrupt.
func (h *Host) UnregisterDevice(dev Device) error {
	f := dev.PCIFunction()
	devFun := -1
	for k, d := range h.devMap {
		if d == dev {
			devFun = k
			break
		}
	}
	if devFun < 0 {
		return fmt.Errorf("pci: %q is not on bus %d: %w", dev.HW().Name(), h.busNum, hwcomp.ErrNotFound)
	}
	delete(h.devMap, devFun)
	h.ioDevs = removeDevice(h.ioDevs, dev)
	for i, br := range h.bridges {
		if Device(br) == dev {
			h.bridges = append(h.bridges[:i], h.bridges[i+1:]...)
			break
		}
	}

	var errs []error
	if mc, err := memctrl.Find(h.owner); err == nil {
		if n := mc.RemoveRegionsOf(dev); n > 0 {
			slog.Debug("pci: reclaimed memory windows", "device", dev.HW().Name(), "count", n)
		}
	} else if f.anyMapped() {
		errs = append(errs, fmt.Errorf("pci: reclaim windows of %q: %w", dev.HW().Name(), err))
	}
	f.forgetMappings()
	f.irq.Release()
	f.irq = intctrl.Details{}
	f.host = nil
	f.devFun = -1
	f.multiFunc = false
	h.updateMultiFunction(devFun >> 3)
	slog.Debug("pci: device unregistered", "bus", h.busNum, "slot", slotString(devFun), "name", dev.HW().Name())
	return errors.Join(errs...)
}

func (f *Function) anyMapped() bool {
	for _, b := range f.bars {
		if b.mapped {
			return true
		}
	}
	return f.romMapped
}

func removeDevice(list []Device, dev Device) []Device {
	for i, d := range list {
		if d == dev {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// updateMultiFunction marks function 0 of dev when any other function of
// the same device number is present.
func (h *Host) updateMultiFunction(dev int) {
	fn0, ok := h.devMap[dev<<3]
	if !ok {
		return
	}
	multi := false
	for fun := 1; fun < 8; fun++ {
		if _, ok := h.devMap[dev<<3|fun]; ok {
			multi = true
			break
		}
	}
	fn0.PCIFunction().SetMultiFunction(multi)
}

// FindLocal returns the function at dev/fun on this bus.
func (h *Host) FindLocal(dev, fun int) Device {
	return h.devMap[DevFun(dev, fun)]
}

// FindDevice resolves bus/dev/fun through nested bridges.
func (h *Host) FindDevice(bus, dev, fun int) Device {
	if bus == h.busNum {
		return h.FindLocal(dev, fun)
	}
	for _, br := range h.bridges {
		sec, sub := br.BusRange()
		if sec == bus {
			return br.PCIHost().FindLocal(dev, fun)
		}
		if bus > sec && bus <= sub {
			return br.PCIHost().FindDevice(bus, dev, fun)
		}
	}
	return nil
}

// Devices returns the registered functions in slot order.
func (h *Host) Devices() []Device {
	keys := make([]int, 0, len(h.devMap))
	for k := range h.devMap {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]Device, len(keys))
	for i, k := range keys {
		out[i] = h.devMap[k]
	}
	return out
}

func (h *Host) routeConfig(bus int) (*Host, bool) {
	if bus == h.busNum {
		return h, true
	}
	for _, br := range h.bridges {
		sec, sub := br.BusRange()
		if bus >= sec && bus <= sub {
			return br.PCIHost().routeConfig(bus)
		}
	}
	return nil, false
}

// BusConfigRead reads size bytes of configuration space at offset of the
// function at bus/devFun. Absent functions read as all ones.
func (h *Host) BusConfigRead(bus, devFun int, offset uint8, size int) uint32 {
	target, ok := h.routeConfig(bus)
	if !ok {
		return 0xffffffff
	}
	dev, ok := target.devMap[devFun]
	if !ok {
		return 0xffffffff
	}
	v := dev.ReadConfig(offset&^3) >> (8 * (offset & 3))
	return maskValue(v, size)
}

// BusConfigWrite writes size bytes of configuration space. Partial writes
// merge with the current dword.
func (h *Host) BusConfigWrite(bus, devFun int, offset uint8, size int, value uint32) {
	target, ok := h.routeConfig(bus)
	if !ok {
		return
	}
	dev, ok := target.devMap[devFun]
	if !ok {
		return
	}
	reg := offset &^ 3
	if size != 4 {
		shift := 8 * uint32(offset&3)
		mask := maskValue(0xffffffff, size) << shift
		cur := dev.ReadConfig(reg)
		value = cur&^mask | (value<<shift)&mask
	}
	dev.WriteConfig(reg, value)
}

func maskValue(value uint32, size int) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffffffff
	}
}

func (h *Host) ioRead(port uint32, size int) (uint32, bool) {
	for _, d := range h.ioDevs {
		if v, ok := d.(IOHandler).PCIIORead(port, size); ok {
			return v, true
		}
	}
	return 0, false
}

func (h *Host) ioWrite(port, value uint32, size int) bool {
	for _, d := range h.ioDevs {
		if d.(IOHandler).PCIIOWrite(port, value, size) {
			return true
		}
	}
	return false
}

// IOReadBroadcast offers a port read to each I/O device in turn. When no
// device claims it the CPU takes a machine check and the read returns all
// ones.
func (h *Host) IOReadBroadcast(port uint32, size int) uint32 {
	if v, ok := h.ioRead(port, size); ok {
		return v
	}
	cpu.Find(h.owner).MachineCheck(fmt.Errorf("pci: unmapped I/O read at %#x/%d: %w", port, size, cpu.ErrBusFault))
	return maskValue(0xffffffff, size)
}

// IOWriteBroadcast offers a port write to each I/O device in turn. Unclaimed
// writes are dropped.
func (h *Host) IOWriteBroadcast(port, value uint32, size int) {
	if h.ioWrite(port, value, size) {
		return
	}
	slog.Warn("pci: unmapped I/O write dropped", "bus", h.busNum,
		"port", fmt.Sprintf("%#x", port), "size", size, "value", fmt.Sprintf("%#x", value))
}

// RegisterMMIORegion maps a device window in the machine's memory
// controller.
func (h *Host) RegisterMMIORegion(start, size uint64, owner hwcomp.Component, handler memctrl.MMIOHandler) error {
	mc, err := memctrl.Find(h.owner)
	if err != nil {
		return fmt.Errorf("pci: map window %#x: %w", start, err)
	}
	return mc.AddMMIORegion(start, size, owner, handler)
}

// UnregisterMMIORegion unmaps a device window.
func (h *Host) UnregisterMMIORegion(start uint64, owner hwcomp.Component) error {
	mc, err := memctrl.Find(h.owner)
	if err != nil {
		return fmt.Errorf("pci: unmap window %#x: %w", start, err)
	}
	return mc.RemoveMMIORegion(start, owner)
}

func (h *Host) irqSource(devFun int) (intctrl.Source, bool) {
	for _, e := range h.irqMap {
		if e.DevFun == devFun {
			return e.Source, true
		}
	}
	for _, e := range h.irqMap {
		if e.DevFun == devFun&^7 {
			return e.Source, true
		}
	}
	return intctrl.SrcNone, false
}

// RegisterPCIInt wires dev's interrupt. The slot's own map entry wins, then
// the entry of function 0 of the same device. A bridge without an entry
// shares its own upstream interrupt, registering that first.
func (h *Host) RegisterPCIInt(dev Device) (intctrl.Details, error) {
	f := dev.PCIFunction()
	if f.irq.Valid() {
		return f.irq, nil
	}
	src, ok := h.irqSource(f.devFun)
	if !ok {
		br, isBridge := h.owner.(BusBridge)
		if !isBridge {
			return intctrl.Details{}, fmt.Errorf("pci: %q at %s: %w", dev.HW().Name(), slotString(f.devFun), ErrNoIRQ)
		}
		bf := br.PCIFunction()
		if !bf.irq.Valid() {
			up, ok := bf.Bus()
			if !ok {
				return intctrl.Details{}, fmt.Errorf("pci: bridge %q is not on a bus: %w", br.HW().Name(), ErrNoIRQ)
			}
			if _, err := up.RegisterPCIInt(br); err != nil {
				return intctrl.Details{}, err
			}
		}
		src = bf.irq.Source
	}
	d, err := intctrl.Register(h.owner, src)
	if err != nil {
		return intctrl.Details{}, err
	}
	f.irq = d
	f.intLine = uint8(bits.TrailingZeros64(d.IRQ))
	slog.Debug("pci: interrupt wired", "device", dev.HW().Name(), "irq", d.String())
	return d, nil
}

// NextSlot implements hwcomp.SlotAssigner: the first free device number's
// function 0.
func (h *Host) NextSlot(hwcomp.Component) (int, error) {
	for dev := h.devMin; dev <= h.devMax; dev++ {
		if h.slotFree(dev << 3) {
			return dev << 3, nil
		}
	}
	return -1, fmt.Errorf("pci: bus %d: %w", h.busNum, hwcomp.ErrNoSlot)
}

func (h *Host) slotFree(devFun int) bool {
	if _, ok := h.devMap[devFun]; ok {
		return false
	}
	_, ok := h.owner.HW().Child(devFun)
	return !ok
}

// AttachChild implements hwcomp.ChildAttacher.
func (h *Host) AttachChild(addr int, child hwcomp.Component) error {
	dev, ok := child.(Device)
	if !ok {
		return fmt.Errorf("pci: %q: %w", child.HW().Name(), ErrNotPCIDevice)
	}
	return h.RegisterDevice(addr, dev)
}

// DetachChild implements hwcomp.ChildDetacher.
func (h *Host) DetachChild(child hwcomp.Component) error {
	dev, ok := child.(Device)
	if !ok {
		return nil
	}
	return h.UnregisterDevice(dev)
}

// ChildReaddressed implements hwcomp.ChildReaddresser. The function takes
// the device table entry of its new unit address and its interrupt is
// rewired for the new slot.
func (h *Host) ChildReaddressed(child hwcomp.Component, oldAddr int) error {
	dev, ok := child.(Device)
	if !ok {
		return nil
	}
	devFun := child.HW().UnitAddress()
	if devFun < 0 || devFun > 0xff {
		return fmt.Errorf("pci: device/function %#x out of range", devFun)
	}
	if cur, ok := h.devMap[devFun]; ok && cur != dev {
		return fmt.Errorf("pci: %s held by %q: %w", slotString(devFun), cur.HW().Name(), hwcomp.ErrAddressInUse)
	}
	if h.devMap[oldAddr] != dev {
		return h.RegisterDevice(devFun, dev)
	}

	f := dev.PCIFunction()
	delete(h.devMap, oldAddr)
	h.devMap[devFun] = dev
	f.devFun = devFun
	f.multiFunc = false
	h.updateMultiFunction(oldAddr >> 3)
	h.updateMultiFunction(devFun >> 3)
	if f.irq.Valid() {
		f.irq.Release()
		f.irq = intctrl.Details{}
		if _, err := h.RegisterPCIInt(dev); err != nil {
			slog.Warn("pci: interrupt not rewired", "device", dev.HW().Name(), "err", err)
		}
	}
	slog.Debug("pci: device moved", "bus", h.busNum, "from", slotString(oldAddr), "to", slotString(devFun), "name", dev.HW().Name())
	return nil
}

// SetProperty implements hwcomp.PropertySetter. "pci" fills the slot at addr
// (or the first declared, then the first free slot); a declared slot name
// fills that slot. Any occupant is removed first. Other names fall back to
// the owner's own properties.
func (h *Host) SetProperty(c hwcomp.Creator, name, value string, addr int) (hwcomp.Component, error) {
	slot := -1
	switch {
	case name == "pci":
		slot = addr
		if slot < 0 {
			slot = h.freeSlot()
		}
		if slot < 0 {
			return nil, fmt.Errorf("pci: no free slot on bus %d for %q: %w", h.busNum, value, hwcomp.ErrNoSlot)
		}
	default:
		for _, e := range h.irqMap {
			if e.SlotName != "" && e.SlotName == name {
				slot = e.DevFun
				break
			}
		}
		if slot < 0 {
			return h.owner.HW().SetOwnProperty(c, name, value, addr)
		}
	}
	if value == "" {
		return h.owner, nil
	}
	if c == nil {
		return nil, fmt.Errorf("pci: fill slot %s with %q: no device creator", slotString(slot), value)
	}
	comp, err := c.CreateDevice(value)
	if err != nil {
		return nil, fmt.Errorf("pci: fill slot %s: %w", slotString(slot), err)
	}
	if _, ok := comp.(Device); !ok {
		return nil, fmt.Errorf("pci: fill slot %s with %q: %w", slotString(slot), value, ErrNotPCIDevice)
	}
	if _, occupied := h.owner.HW().Child(slot); occupied {
		if err := h.owner.HW().RemoveDevice(slot); err != nil {
			slog.Warn("pci: removing slot occupant", "slot", slotString(slot), "err", err)
		}
	}
	if _, err := h.owner.HW().AddDevice(slot, comp, ""); err != nil {
		return nil, err
	}
	slog.Info("pci: slot filled", "bus", h.busNum, "slot", slotString(slot), "device", value)
	return comp, nil
}

// freeSlot prefers declared slots, then the first free device number.
func (h *Host) freeSlot() int {
	for _, e := range h.irqMap {
		if e.SlotName != "" && h.slotFree(e.DevFun) {
			return e.DevFun
		}
	}
	slot, err := h.NextSlot(nil)
	if err != nil {
		return -1
	}
	return slot
}

// PostInit implements hwcomp.PostIniter: it wires the interrupt of every
// function with an interrupt pin, retrying until the machine's interrupt
// controller exists.
func (h *Host) PostInit(hwcomp.Component) hwcomp.PostInitResult {
	for _, dev := range h.Devices() {
		f := dev.PCIFunction()
		if f.intPin == 0 || f.irq.Valid() {
			continue
		}
		if _, err := h.RegisterPCIInt(dev); err != nil {
			if errors.Is(err, hwcomp.ErrNotFound) {
				return hwcomp.PostInitRetry
			}
			slog.Warn("pci: interrupt not wired", "device", dev.HW().Name(), "err", err)
		}
	}
	h.ready = true
	return hwcomp.PostInitOK
}

func slotString(devFun int) string {
	dev, fun := SplitDevFun(devFun)
	return fmt.Sprintf("%02x.%d", dev, fun)
}
