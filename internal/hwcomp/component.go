// Package hwcomp implements the ownership tree every emulated hardware
// object lives in.
//
// Each node embeds Base. A node owns its children exclusively, keyed by unit
// address; parents are non-owning back references. Bus behaviour (PCI, I2C,
// ADB, IDE) is layered on through facet interfaces that Base resolves once,
// when the node is initialised.
package hwcomp

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/macppc/internal/props"
)

var (
	ErrNotFound        = errors.New("component not found")
	ErrAddressInUse    = errors.New("unit address in use")
	ErrNoSlot          = errors.New("no free slot")
	ErrHasParent       = errors.New("component already has a parent")
	ErrNotInitialized  = errors.New("component not initialised")
	ErrUnknownProperty = errors.New("unknown property")
)

// Component is any node in the machine tree.
type Component interface {
	HW() *Base
}

// Base carries the identity and ownership state of a node.
type Base struct {
	self     Component
	name     string
	types    Type
	unitAddr int
	parent   Component
	children map[int]Component
	order    []int
	props    map[string]props.Property
	facets   facets
	dead     bool
}

// Init must be called by every constructor before the component is used.
// self is the outer value embedding b.
func (b *Base) Init(self Component, name string, types Type) {
	b.self = self
	b.name = name
	b.types = types
	b.unitAddr = -1
	b.children = make(map[int]Component)
	b.facets = resolveFacets(self)
}

// HW implements Component.
func (b *Base) HW() *Base { return b }

// Self returns the outer component embedding b.
func (b *Base) Self() Component { return b.self }

func (b *Base) Name() string { return b.name }

// SetName renames the component.
func (b *Base) SetName(name string) { b.name = name }

// Types returns the capability tags fixed at construction.
func (b *Base) Types() Type { return b.types }

// SupportsType reports whether the component carries every tag in t.
func (b *Base) SupportsType(t Type) bool { return b.types.Has(t) }

// UnitAddress returns the slot this component occupies under its parent, or
// -1 when unassigned.
func (b *Base) UnitAddress() int { return b.unitAddr }

// Parent returns the owning component or nil for a root.
func (b *Base) Parent() Component { return b.parent }

// Alive reports whether the component has not been torn down. Deferred
// callbacks check it before touching the component.
func (b *Base) Alive() bool { return b.self != nil && !b.dead }

// Children returns the direct children ordered by unit address.
func (b *Base) Children() []Component {
	out := make([]Component, 0, len(b.order))
	for _, addr := range b.order {
		out = append(out, b.children[addr])
	}
	return out
}

// Child returns the child at addr.
func (b *Base) Child(addr int) (Component, bool) {
	c, ok := b.children[addr]
	return c, ok
}

// NumChildren returns the number of direct children.
func (b *Base) NumChildren() int { return len(b.children) }

// AddDevice makes child a child of b at addr. When addr is -1 the
// component's SlotAssigner chooses the address. name, if not empty,
// renames the child. The child is returned for chaining.
func (b *Base) AddDevice(addr int, child Component, name string) (Component, error) {
	if b.self == nil {
		return nil, fmt.Errorf("hwcomp: add to %q: %w", b.name, ErrNotInitialized)
	}
	if child == nil {
		return nil, fmt.Errorf("hwcomp: add to %q: nil component", b.name)
	}
	cb := child.HW()
	if cb.self == nil {
		return nil, fmt.Errorf("hwcomp: add %q: %w", cb.name, ErrNotInitialized)
	}
	if cb.parent != nil {
		return nil, fmt.Errorf("hwcomp: add %q to %q: %w", cb.name, b.name, ErrHasParent)
	}
	if name != "" {
		cb.name = name
	}
	if addr < 0 {
		if b.facets.slots == nil {
			return nil, fmt.Errorf("hwcomp: add %q to %q: %w", cb.name, b.name, ErrNoSlot)
		}
		next, err := b.facets.slots.NextSlot(child)
		if err != nil {
			return nil, fmt.Errorf("hwcomp: add %q to %q: %w", cb.name, b.name, err)
		}
		addr = next
	}
	if existing, taken := b.children[addr]; taken {
		return nil, fmt.Errorf("hwcomp: add %q to %q at %#x (held by %q): %w",
			cb.name, b.name, addr, existing.HW().name, ErrAddressInUse)
	}
	for _, sib := range b.children {
		if sib.HW().name == cb.name {
			slog.Warn("hwcomp: duplicate sibling name, name-only paths resolve to the lowest address",
				"parent", b.Path(), "name", cb.name, "addr", fmt.Sprintf("%#x", addr))
			break
		}
	}

	cb.unitAddr = addr
	cb.parent = b.self
	if b.facets.attach != nil {
		if err := b.facets.attach.AttachChild(addr, child); err != nil {
			cb.unitAddr = -1
			cb.parent = nil
			return nil, fmt.Errorf("hwcomp: attach %q to %q: %w", cb.name, b.name, err)
		}
	}
	b.insert(addr, child)
	cb.dead = false
	return child, nil
}

func (b *Base) insert(addr int, child Component) {
	b.children[addr] = child
	i := sort.SearchInts(b.order, addr)
	b.order = append(b.order, 0)
	copy(b.order[i+1:], b.order[i:])
	b.order[i] = addr
}

func (b *Base) erase(addr int) {
	delete(b.children, addr)
	i := sort.SearchInts(b.order, addr)
	if i < len(b.order) && b.order[i] == addr {
		b.order = append(b.order[:i], b.order[i+1:]...)
	}
}

// RemoveDevice tears down and drops the child at addr. Descendants go first,
// then the parent's bus detaches the child, then the child releases its own
// resources. Teardown continues past individual failures; all errors are
// returned joined.
func (b *Base) RemoveDevice(addr int) error {
	child, ok := b.children[addr]
	if !ok {
		return fmt.Errorf("hwcomp: remove %#x from %q: %w", addr, b.name, ErrNotFound)
	}
	cb := child.HW()

	var errs []error
	if err := cb.ClearDevices(); err != nil {
		errs = append(errs, err)
	}
	if err := b.unlink(child); err != nil {
		errs = append(errs, err)
	}
	if cb.facets.release != nil {
		if err := cb.facets.release.Release(); err != nil {
			errs = append(errs, fmt.Errorf("hwcomp: release %q: %w", cb.name, err))
		}
	}
	cb.dead = true
	if b.facets.removed != nil {
		b.facets.removed.ChildRemoved(child)
	}
	return errors.Join(errs...)
}

// unlink detaches child from b's bus tables and the children map without
// releasing it.
func (b *Base) unlink(child Component) error {
	cb := child.HW()
	var err error
	if b.facets.detach != nil {
		if derr := b.facets.detach.DetachChild(child); derr != nil {
			err = fmt.Errorf("hwcomp: detach %q from %q: %w", cb.name, b.name, derr)
		}
	}
	b.erase(cb.unitAddr)
	cb.parent = nil
	cb.unitAddr = -1
	return err
}

// ClearDevices removes every child, highest address first.
func (b *Base) ClearDevices() error {
	var errs []error
	for len(b.order) > 0 {
		addr := b.order[len(b.order)-1]
		if err := b.RemoveDevice(addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MoveTo re-parents the component under newParent at addr (-1 lets the new
// parent choose). Descendants move with it and are told via Rehomer. If the
// old parent's bus will not let go the component stays put; if the new
// parent refuses it, it is put back where it was.
func (b *Base) MoveTo(newParent Component, addr int) error {
	if newParent == nil {
		return fmt.Errorf("hwcomp: move %q: nil parent", b.name)
	}
	for p := newParent; p != nil; p = p.HW().parent {
		if p.HW() == b {
			return fmt.Errorf("hwcomp: move %q under its own descendant", b.name)
		}
	}
	oldParent := b.parent
	oldAddr := b.unitAddr
	if oldParent != nil {
		op := oldParent.HW()
		if op.facets.detach != nil {
			if err := op.facets.detach.DetachChild(b.self); err != nil {
				return fmt.Errorf("hwcomp: move %q: detach from %q: %w", b.name, op.name, err)
			}
		}
		op.erase(oldAddr)
		b.parent = nil
		b.unitAddr = -1
		if op.facets.removed != nil {
			op.facets.removed.ChildRemoved(b.self)
		}
	}
	if _, err := newParent.HW().AddDevice(addr, b.self, ""); err != nil {
		if oldParent != nil {
			if _, rerr := oldParent.HW().AddDevice(oldAddr, b.self, ""); rerr != nil {
				slog.Error("hwcomp: could not restore component after failed move",
					"name", b.name, "err", rerr)
			}
		}
		return err
	}
	b.Iterate(func(c Component) bool {
		if r := c.HW().facets.rehome; r != nil {
			r.Rehomed()
		}
		return true
	})
	return nil
}

// ChangeUnitAddress moves the component to a different slot under the same
// parent. The parent's bus tables follow: through its ChildReaddresser if it
// has one, otherwise by detaching and re-attaching the component. On error
// the component stays at its old address.
func (b *Base) ChangeUnitAddress(addr int) error {
	if addr == b.unitAddr {
		return nil
	}
	if b.parent == nil {
		b.unitAddr = addr
		return nil
	}
	p := b.parent.HW()
	if other, taken := p.children[addr]; taken {
		return fmt.Errorf("hwcomp: readdress %q to %#x (held by %q): %w",
			b.name, addr, other.HW().name, ErrAddressInUse)
	}
	oldAddr := b.unitAddr
	switch {
	case p.facets.readdr != nil:
		b.unitAddr = addr
		if err := p.facets.readdr.ChildReaddressed(b.self, oldAddr); err != nil {
			b.unitAddr = oldAddr
			return fmt.Errorf("hwcomp: readdress %q to %#x: %w", b.name, addr, err)
		}
	case p.facets.attach != nil && p.facets.detach != nil:
		if err := p.facets.detach.DetachChild(b.self); err != nil {
			return fmt.Errorf("hwcomp: readdress %q: detach: %w", b.name, err)
		}
		b.unitAddr = addr
		if err := p.facets.attach.AttachChild(addr, b.self); err != nil {
			b.unitAddr = oldAddr
			if rerr := p.facets.attach.AttachChild(oldAddr, b.self); rerr != nil {
				slog.Error("hwcomp: could not re-attach component at its old address",
					"name", b.name, "addr", fmt.Sprintf("%#x", oldAddr), "err", rerr)
			}
			return fmt.Errorf("hwcomp: readdress %q to %#x: %w", b.name, addr, err)
		}
	default:
		b.unitAddr = addr
	}
	p.erase(oldAddr)
	p.insert(addr, b.self)
	return nil
}

// RunPostInit runs the component's second-phase initialiser, if it has one.
func (b *Base) RunPostInit(root Component) PostInitResult {
	if b.facets.postInit == nil {
		return PostInitOK
	}
	return b.facets.postInit.PostInit(root)
}

// HasPostInit reports whether the component takes part in post-init.
func (b *Base) HasPostInit() bool { return b.facets.postInit != nil }

// Root returns the top of the tree c belongs to.
func Root(c Component) Component {
	for c != nil {
		p := c.HW().parent
		if p == nil {
			return c
		}
		c = p
	}
	return nil
}
