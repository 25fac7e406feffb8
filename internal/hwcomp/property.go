package hwcomp

import (
	"fmt"
	"sort"

	"github.com/tinyrange/macppc/internal/props"
)

// DeclareProperty exposes a named, typed configuration point on the
// component. p holds the default.
func (b *Base) DeclareProperty(name string, p props.Property) {
	if b.props == nil {
		b.props = make(map[string]props.Property)
	}
	b.props[name] = p
}

// Property returns a declared property.
func (b *Base) Property(name string) (props.Property, bool) {
	p, ok := b.props[name]
	return p, ok
}

// PropertyNames returns the declared property names in sorted order.
func (b *Base) PropertyNames() []string {
	names := make([]string, 0, len(b.props))
	for name := range b.props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OverrideProperty sets a declared property. Unknown names return
// ErrUnknownProperty; invalid values leave the property untouched.
func (b *Base) OverrideProperty(name, value string) error {
	p, ok := b.props[name]
	if !ok {
		return fmt.Errorf("hwcomp: %q has no property %q: %w", b.name, name, ErrUnknownProperty)
	}
	if err := p.Set(value); err != nil {
		return fmt.Errorf("hwcomp: %q property %q: %w", b.name, name, err)
	}
	return nil
}

// SetOwnProperty accepts the component's own declared properties and
// reports everything else as not recognised. It is the fallback for
// components without a PropertySetter; slot-filling setters end with it.
func (b *Base) SetOwnProperty(_ Creator, name, value string, _ int) (Component, error) {
	if _, ok := b.props[name]; !ok {
		return nil, nil
	}
	if err := b.OverrideProperty(name, value); err != nil {
		return nil, err
	}
	return b.self, nil
}

// ApplyProperty dispatches to the component's PropertySetter.
func (b *Base) ApplyProperty(c Creator, name, value string, addr int) (Component, error) {
	if b.facets.props == nil {
		return b.SetOwnProperty(c, name, value, addr)
	}
	return b.facets.props.SetProperty(c, name, value, addr)
}
