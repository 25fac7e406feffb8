package machine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tinyrange/macppc/internal/cpu"
	"github.com/tinyrange/macppc/internal/devreg"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/props"
)

// DefaultMaxPostInitPasses bounds the post-init fixpoint when the factory
// does not set its own bound.
const DefaultMaxPostInitPasses = 32

// Factory builds machines from descriptors.
type Factory struct {
	Registry *devreg.Registry
	// CPU is handed to the machine root. A nil CPU gets a cpu.Recorder.
	CPU cpu.Collaborator
	// MaxPostInitPasses bounds the post-init fixpoint.
	MaxPostInitPasses int
}

// NewFactory returns a factory using reg, or devreg.Default when reg is nil.
func NewFactory(reg *devreg.Registry) *Factory {
	if reg == nil {
		reg = devreg.Default
	}
	return &Factory{Registry: reg, MaxPostInitPasses: DefaultMaxPostInitPasses}
}

// Build assembles the registered machine name with the given command-line
// overrides.
func (f *Factory) Build(name string, overrides map[string]string) (*Machine, error) {
	d, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return f.BuildDescriptor(d, overrides)
}

// Settings resolves the settings of d: registry defaults of every device it
// names, then the machine defaults, then overrides. Invalid or unknown
// overrides are logged and dropped.
func (f *Factory) Settings(d *Descriptor, overrides map[string]string) *props.Settings {
	s := props.NewSettings()
	for _, line := range d.Devices {
		for _, dev := range devreg.EntryDevices(line) {
			f.Registry.DefineSettings(dev, s)
		}
		if e, err := devreg.ParseEntry(line); err == nil && e.Assign && f.Registry.Exists(e.Value) {
			f.Registry.DefineSettings(e.Value, s)
		}
	}
	keys := make([]string, 0, len(d.Settings))
	for k := range d.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.DefineMachine(k, d.Settings[k])
	}
	// Values of slot settings may name devices with settings of their own.
	for _, k := range s.Names() {
		st, _ := s.Lookup(k)
		if v := st.Value().String(); f.Registry.Exists(v) {
			f.Registry.DefineSettings(v, s)
		}
	}

	keys = keys[:0]
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.SetCommandLine(k, overrides[k]); err != nil {
			slog.Warn("machine: ignoring setting", "name", k, "value", overrides[k], "err", err)
			continue
		}
		if f.Registry.Exists(overrides[k]) {
			f.Registry.DefineSettings(overrides[k], s)
		}
	}
	return s
}

// BuildDescriptor assembles d. Configuration errors are logged and skipped;
// assembly errors tear down what was built and are returned.
func (f *Factory) BuildDescriptor(d *Descriptor, overrides map[string]string) (*Machine, error) {
	settings := f.Settings(d, overrides)
	c := f.CPU
	if c == nil {
		c = &cpu.Recorder{}
	}
	m := newMachine(d, settings, c)
	b := &builder{reg: f.Registry, settings: settings, root: m}

	fail := func(err error) (*Machine, error) {
		if cerr := m.Close(); cerr != nil {
			slog.Warn("machine: teardown after failed build", "err", cerr)
		}
		return nil, err
	}

	b.pushBlock()
	b.push(m)
	for _, line := range d.Devices {
		if err := b.entry(m, line); err != nil {
			return fail(fmt.Errorf("machine: %s: %w", d.Name, err))
		}
	}
	b.popBlock()

	b.applySettings()

	if d.Setup != nil {
		if err := d.Setup(m); err != nil {
			return fail(fmt.Errorf("machine: %s setup: %w", d.Name, err))
		}
	}

	passes := f.MaxPostInitPasses
	if passes <= 0 {
		passes = DefaultMaxPostInitPasses
	}
	if err := PostInit(m, passes); err != nil {
		return fail(fmt.Errorf("machine: %s: %w", d.Name, err))
	}
	slog.Info("machine: assembled", "machine", d.Name, "components", countComponents(m))
	return m, nil
}

func countComponents(root hwcomp.Component) int {
	n := 0
	root.HW().Iterate(func(hwcomp.Component) bool {
		n++
		return true
	})
	return n
}

// builder carries the state of one assembly. It implements hwcomp.Creator
// so that buses can fill slots with fully built devices.
type builder struct {
	reg      *devreg.Registry
	settings *props.Settings
	root     *Machine
	// stack holds recently created components; nil entries are block
	// markers that stop unqualified property lookups.
	stack []hwcomp.Component
}

func (b *builder) push(c hwcomp.Component) { b.stack = append(b.stack, c) }

func (b *builder) pushBlock() { b.stack = append(b.stack, nil) }

// popBlock drops everything up to and including the innermost marker.
func (b *builder) popBlock() {
	for len(b.stack) > 0 {
		top := b.stack[len(b.stack)-1]
		b.stack = b.stack[:len(b.stack)-1]
		if top == nil {
			return
		}
	}
}

// CreateDevice implements hwcomp.Creator: the device is created and its
// default children are instantiated under it.
func (b *builder) CreateDevice(name string) (hwcomp.Component, error) {
	desc, ok := b.reg.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w %q", devreg.ErrUnknownDevice, name)
	}
	c, err := b.reg.Create(name, b.settings)
	if err != nil {
		return nil, err
	}
	if len(desc.Children) == 0 {
		return c, nil
	}
	b.pushBlock()
	b.push(c)
	defer b.popBlock()
	for _, line := range desc.Children {
		if err := b.entry(c, line); err != nil {
			// The half-built device is dropped; release what its children
			// claimed.
			if cerr := c.HW().ClearDevices(); cerr != nil {
				slog.Warn("machine: cleanup after failed create", "device", name, "err", cerr)
			}
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return c, nil
}

// entry processes one device-list line relative to base.
func (b *builder) entry(base hwcomp.Component, line string) error {
	e, err := devreg.ParseEntry(line)
	if err != nil {
		slog.Warn("machine: skipping malformed device entry", "entry", line, "err", err)
		return nil
	}
	if !e.Assign {
		return b.instantiate(base, e.Path)
	}
	b.assign(base, e)
	return nil
}

// instantiate walks path under base, creating every segment that does not
// exist yet. Created components are pushed on the stack.
func (b *builder) instantiate(base hwcomp.Component, path []devreg.Segment) error {
	cur := base
	for _, seg := range path {
		if existing := findChild(cur, seg); existing != nil {
			cur = existing
			continue
		}
		c, err := b.CreateDevice(seg.Name)
		if err != nil {
			return err
		}
		if _, err := cur.HW().AddDevice(seg.Addr, c, ""); err != nil {
			if cerr := c.HW().ClearDevices(); cerr != nil {
				slog.Warn("machine: cleanup after failed add", "device", seg.Name, "err", cerr)
			}
			return err
		}
		slog.Debug("machine: device added", "path", c.HW().Path())
		b.push(c)
		cur = c
	}
	return nil
}

func findChild(parent hwcomp.Component, seg devreg.Segment) hwcomp.Component {
	if seg.Addr >= 0 {
		if c, ok := parent.HW().Child(seg.Addr); ok && c.HW().Name() == seg.Name {
			return c
		}
		return nil
	}
	for _, c := range parent.HW().Children() {
		if c.HW().Name() == seg.Name {
			return c
		}
	}
	return nil
}

// assign applies a property assignment. A qualified assignment targets the
// component at its path; an unqualified one walks the stack from the most
// recent component back to the innermost block marker.
func (b *builder) assign(base hwcomp.Component, e devreg.Entry) {
	if len(e.Path) > 0 {
		path := e.PathString()
		target, _, err := base.HW().FindPath(path, false)
		if err != nil && base != hwcomp.Component(b.root) {
			target, _, err = b.root.FindPath(path, false)
		}
		if err != nil {
			slog.Warn("machine: assignment target not found", "path", path, "prop", e.Prop, "err", err)
			return
		}
		b.apply(target, e)
		return
	}
	for i := len(b.stack) - 1; i >= 0 && b.stack[i] != nil; i-- {
		if b.apply(b.stack[i], e) {
			return
		}
	}
	slog.Warn("machine: property not accepted by any component in scope", "prop", e.Prop, "value", e.Value)
}

// apply offers the assignment to c and reports whether c accepted it.
func (b *builder) apply(c hwcomp.Component, e devreg.Entry) bool {
	got, err := c.HW().ApplyProperty(b, e.Prop, e.Value, e.PropAddr)
	if err != nil {
		slog.Warn("machine: ignoring property", "component", c.HW().Path(), "prop", e.Prop, "value", e.Value, "err", err)
		return true
	}
	if got == nil {
		return false
	}
	if got != c {
		b.push(got)
	}
	return true
}

// applySettings offers every non-empty setting to the tree. The first
// component that accepts a setting consumes it; settings that only device
// constructors read are accepted by nobody.
func (b *builder) applySettings() {
	for _, name := range b.settings.Names() {
		st, _ := b.settings.Lookup(name)
		if st.Source() == props.SourceUnset {
			continue
		}
		value := st.Value().String()
		if value == "" {
			continue
		}
		var accepted bool
		b.root.Iterate(func(c hwcomp.Component) bool {
			if c == hwcomp.Component(b.root) {
				return true
			}
			got, err := c.HW().ApplyProperty(b, name, value, -1)
			if err != nil {
				slog.Warn("machine: ignoring setting", "component", c.HW().Path(), "name", name, "value", value, "err", err)
				accepted = true
				return false
			}
			if got != nil {
				accepted = true
				return false
			}
			return true
		})
		if !accepted {
			slog.Debug("machine: setting consumed at construction only", "name", name)
		}
	}
}

// PostInit runs the second initialisation phase over the tree under root
// until every component has succeeded. Components created during a pass
// join the next one. A pass without progress, or more than maxPasses
// passes, yields ErrUnsatisfiedDependency naming the components still
// waiting; a component returning PostInitFail yields ErrPostInitFailed.
func PostInit(root hwcomp.Component, maxPasses int) error {
	done := make(map[hwcomp.Component]bool)
	for pass := 1; ; pass++ {
		var pending []hwcomp.Component
		root.HW().Iterate(func(c hwcomp.Component) bool {
			if c.HW().HasPostInit() && !done[c] {
				pending = append(pending, c)
			}
			return true
		})
		if len(pending) == 0 {
			return nil
		}
		if pass > maxPasses {
			return unsatisfied(pending, fmt.Sprintf("%d passes", maxPasses))
		}

		progress := false
		var waiting []hwcomp.Component
		for _, c := range pending {
			if !c.HW().Alive() {
				continue
			}
			switch res := c.HW().RunPostInit(root); res {
			case hwcomp.PostInitOK:
				done[c] = true
				progress = true
			case hwcomp.PostInitRetry:
				waiting = append(waiting, c)
			default:
				return fmt.Errorf("%s: %w", c.HW().Path(), ErrPostInitFailed)
			}
		}
		if len(waiting) > 0 && !progress {
			return unsatisfied(waiting, fmt.Sprintf("no progress in pass %d", pass))
		}
		if len(waiting) > 0 {
			slog.Debug("machine: post-init pass", "pass", pass, "waiting", len(waiting))
		}
	}
}

func unsatisfied(waiting []hwcomp.Component, why string) error {
	paths := make([]string, len(waiting))
	for i, c := range waiting {
		paths[i] = c.HW().Path()
	}
	return fmt.Errorf("%w (%s): %s", ErrUnsatisfiedDependency, why, strings.Join(paths, ", "))
}

var _ hwcomp.Creator = (*builder)(nil)
