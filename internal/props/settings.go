package props

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownSetting is returned when a value is supplied for a setting no
// device or machine declared.
var ErrUnknownSetting = errors.New("unknown setting")

// Source reports where a setting's current value came from.
type Source int

const (
	SourceUnset Source = iota
	SourceRegistry
	SourceMachine
	SourceCommandLine
)

func (s Source) String() string {
	switch s {
	case SourceUnset:
		return "unset"
	case SourceRegistry:
		return "registry"
	case SourceMachine:
		return "machine"
	case SourceCommandLine:
		return "command-line"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Setting is a named property with layered value resolution. The template
// carries the validator and the default value of the highest layer that
// declared it; a command-line value, when present, wins.
type Setting struct {
	name     string
	template Property
	value    Property
	base     Source
	source   Source
	cmdline  string
	hasCmd   bool
}

// Name returns the setting name.
func (s *Setting) Name() string { return s.name }

// Source reports which layer supplied the current value.
func (s *Setting) Source() Source { return s.source }

// Value returns the resolved property. Callers must not modify it.
func (s *Setting) Value() Property { return s.value }

// Default returns the value that applies when no command-line value is set.
func (s *Setting) Default() Property { return s.template }

func (s *Setting) resolve() {
	s.value = s.template.Clone()
	s.source = s.base
	if s.hasCmd {
		if err := s.value.Set(s.cmdline); err == nil {
			s.source = SourceCommandLine
			return
		}
		s.hasCmd = false
		s.value = s.template.Clone()
	}
}

// Settings is the machine-wide settings store consulted by device
// constructors.
type Settings struct {
	items map[string]*Setting
}

// NewSettings returns an empty store.
func NewSettings() *Settings {
	return &Settings{items: make(map[string]*Setting)}
}

// DefineDefault declares a registry-level default. The first declaration of
// a name wins; later registry declarations of the same name are ignored so
// that several devices can share a setting.
func (s *Settings) DefineDefault(name string, p Property) {
	if _, ok := s.items[name]; ok {
		return
	}
	st := &Setting{name: name, template: p.Clone(), base: SourceRegistry}
	st.resolve()
	s.items[name] = st
}

// DefineMachine declares a machine-level default, replacing any registry
// default of the same name. An existing command-line value is re-validated
// against the new template.
func (s *Settings) DefineMachine(name string, p Property) {
	st, ok := s.items[name]
	if !ok {
		st = &Setting{name: name}
		s.items[name] = st
	}
	st.template = p.Clone()
	st.base = SourceMachine
	st.resolve()
}

// SetCommandLine applies a user override. An override that fails validation
// is rejected and the setting keeps its default.
func (s *Settings) SetCommandLine(name, value string) error {
	st, ok := s.items[name]
	if !ok {
		return fmt.Errorf("props: %w %q", ErrUnknownSetting, name)
	}
	probe := st.template.Clone()
	if err := probe.Set(value); err != nil {
		st.hasCmd = false
		st.resolve()
		return fmt.Errorf("props: setting %q: %w", name, err)
	}
	st.cmdline = value
	st.hasCmd = true
	st.resolve()
	return nil
}

// ClearCommandLine drops a user override, restoring the default.
func (s *Settings) ClearCommandLine(name string) {
	st, ok := s.items[name]
	if !ok {
		return
	}
	st.hasCmd = false
	st.resolve()
}

// Lookup returns the named setting.
func (s *Settings) Lookup(name string) (*Setting, bool) {
	st, ok := s.items[name]
	return st, ok
}

// Has reports whether name is defined.
func (s *Settings) Has(name string) bool {
	_, ok := s.items[name]
	return ok
}

// Names returns all defined setting names in sorted order.
func (s *Settings) Names() []string {
	names := make([]string, 0, len(s.items))
	for name := range s.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Settings) mustGet(name string, kind Kind) Property {
	st, ok := s.items[name]
	if !ok {
		panic(fmt.Sprintf("props: setting %q is not defined", name))
	}
	if st.value.Kind() != kind {
		panic(fmt.Sprintf("props: setting %q is %s, not %s", name, st.value.Kind(), kind))
	}
	return st.value
}

// GetStr returns a string setting. The setting must exist.
func (s *Settings) GetStr(name string) string {
	return s.mustGet(name, KindString).String()
}

// GetInt returns an integer setting. The setting must exist.
func (s *Settings) GetInt(name string) int64 {
	return s.mustGet(name, KindInt).(*IntProperty).Value()
}

// GetBin returns a binary setting. The setting must exist.
func (s *Settings) GetBin(name string) bool {
	return s.mustGet(name, KindBinary).(*BinProperty).Value()
}

// StrOr returns the string setting or fallback when it is not defined.
func (s *Settings) StrOr(name, fallback string) string {
	if s == nil {
		return fallback
	}
	st, ok := s.items[name]
	if !ok || st.value.Kind() != KindString {
		return fallback
	}
	return st.value.String()
}

// IntOr returns the integer setting or fallback when it is not defined.
func (s *Settings) IntOr(name string, fallback int64) int64 {
	if s == nil {
		return fallback
	}
	st, ok := s.items[name]
	if !ok || st.value.Kind() != KindInt {
		return fallback
	}
	return st.value.(*IntProperty).Value()
}
