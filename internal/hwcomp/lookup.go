package hwcomp

import (
	"fmt"
	"strconv"
	"strings"
)

// Iterate walks b and its descendants depth-first, parents before children,
// children in address order. fn returns false to stop the walk; Iterate then
// returns false.
func (b *Base) Iterate(fn func(Component) bool) bool {
	if !fn(b.self) {
		return false
	}
	for _, child := range b.Children() {
		if !child.HW().Iterate(fn) {
			return false
		}
	}
	return true
}

// CompByNameOptional returns the first component in the subtree with the
// given name, or nil.
func (b *Base) CompByNameOptional(name string) Component {
	var found Component
	b.Iterate(func(c Component) bool {
		if c.HW().name == name {
			found = c
			return false
		}
		return true
	})
	return found
}

// CompByName is CompByNameOptional for callers that need the component.
func (b *Base) CompByName(name string) (Component, error) {
	if c := b.CompByNameOptional(name); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("hwcomp: no component named %q under %q: %w", name, b.name, ErrNotFound)
}

// CompByTypeOptional returns the first component in the subtree carrying
// every tag in t, or nil.
func (b *Base) CompByTypeOptional(t Type) Component {
	var found Component
	b.Iterate(func(c Component) bool {
		if c.HW().types.Has(t) {
			found = c
			return false
		}
		return true
	})
	return found
}

// CompByType is CompByTypeOptional for callers that need the component.
func (b *Base) CompByType(t Type) (Component, error) {
	if c := b.CompByTypeOptional(t); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("hwcomp: no %s component under %q: %w", t, b.name, ErrNotFound)
}

// CompsByType returns every component in the subtree carrying t.
func (b *Base) CompsByType(t Type) []Component {
	var out []Component
	b.Iterate(func(c Component) bool {
		if c.HW().types.Has(t) {
			out = append(out, c)
		}
		return true
	})
	return out
}

// Lookup finds the first component tagged t in the tree containing from and
// returns it as facet T. It fails if no tagged component exists or the
// component does not implement T.
func Lookup[T any](from Component, t Type) (T, error) {
	var zero T
	root := Root(from)
	if root == nil {
		return zero, fmt.Errorf("hwcomp: lookup %s from nil: %w", t, ErrNotFound)
	}
	var found T
	ok := false
	root.HW().Iterate(func(c Component) bool {
		if !c.HW().types.Has(t) {
			return true
		}
		if f, is := c.(T); is {
			found, ok = f, true
			return false
		}
		return true
	})
	if !ok {
		return zero, fmt.Errorf("hwcomp: no %s component with facet %T: %w", t, zero, ErrNotFound)
	}
	return found, nil
}

// Segment renders the component's path element: name@unit-address in hex,
// or just the name when no address is assigned.
func (b *Base) Segment() string {
	if b.unitAddr < 0 {
		return b.name
	}
	return fmt.Sprintf("%s@%x", b.name, b.unitAddr)
}

// Path returns the firmware-style path of the component from the root.
func (b *Base) Path() string {
	if b.parent == nil {
		return "/"
	}
	var segs []string
	for c := b.self; c != nil && c.HW().parent != nil; c = c.HW().parent {
		segs = append(segs, c.HW().Segment())
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return "/" + strings.Join(segs, "/")
}

type pathSegment struct {
	name    string
	addr    int
	hasAddr bool
}

func parseSegment(seg string) (pathSegment, error) {
	name, addrStr, found := strings.Cut(seg, "@")
	ps := pathSegment{name: name, addr: -1}
	if !found {
		return ps, nil
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 32)
	if err != nil {
		return ps, fmt.Errorf("hwcomp: bad unit address in path segment %q", seg)
	}
	ps.addr = int(addr)
	ps.hasAddr = true
	return ps, nil
}

// ParsePathSegment splits "name@hexaddr" into its parts. addr is -1 when the
// segment carries no address.
func ParsePathSegment(seg string) (name string, addr int, err error) {
	ps, err := parseSegment(seg)
	return ps.name, ps.addr, err
}

func (b *Base) matchChild(ps pathSegment) Component {
	if ps.hasAddr {
		c, ok := b.children[ps.addr]
		if !ok {
			return nil
		}
		if ps.name != "" && c.HW().name != ps.name {
			return nil
		}
		return c
	}
	for _, c := range b.Children() {
		if c.HW().name == ps.name {
			return c
		}
	}
	return nil
}

// FindPath resolves a slash-separated path of name@addr segments relative
// to b (a leading slash resolves from the root). Either part of a segment
// may be omitted. With allowPartial, resolution stops at the deepest match
// instead of failing and leaf reports whether the whole path was consumed.
func (b *Base) FindPath(path string, allowPartial bool) (c Component, leaf bool, err error) {
	cur := b.self
	if strings.HasPrefix(path, "/") {
		cur = Root(b.self)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		ps, err := parseSegment(seg)
		if err != nil {
			return nil, false, err
		}
		next := cur.HW().matchChild(ps)
		if next == nil {
			if allowPartial {
				return cur, false, nil
			}
			return nil, false, fmt.Errorf("hwcomp: path %q: no %q under %q: %w",
				path, seg, cur.HW().Path(), ErrNotFound)
		}
		cur = next
	}
	return cur, true, nil
}
