// Package props models typed, validated configuration values for machines
// and devices.
package props

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidValue is returned when a value fails the property's validator.
var ErrInvalidValue = errors.New("invalid property value")

// Kind identifies the value type stored in a Property.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// CheckKind selects how a property validates new values.
type CheckKind int

const (
	CheckFree CheckKind = iota
	CheckRange
	CheckList
)

// Property is a typed configuration value.
type Property interface {
	Kind() Kind
	Check() CheckKind
	// String renders the current value the way it would be written on the
	// command line.
	String() string
	// Set parses and validates value. On failure the previous value is kept.
	Set(value string) error
	Clone() Property
	// Describe returns a short human-readable summary of the valid values.
	Describe() string
}

// StrProperty holds a string value, optionally restricted to a set of choices.
type StrProperty struct {
	value   string
	choices []string
}

// NewStr returns a free-form string property.
func NewStr(value string) *StrProperty {
	return &StrProperty{value: value}
}

// NewStrList returns a string property restricted to choices.
func NewStrList(value string, choices ...string) *StrProperty {
	return &StrProperty{value: value, choices: slices.Clone(choices)}
}

func (p *StrProperty) Kind() Kind { return KindString }

func (p *StrProperty) Check() CheckKind {
	if len(p.choices) > 0 {
		return CheckList
	}
	return CheckFree
}

func (p *StrProperty) String() string { return p.value }

// Value returns the current string.
func (p *StrProperty) Value() string { return p.value }

func (p *StrProperty) Set(value string) error {
	if len(p.choices) > 0 && !slices.Contains(p.choices, value) {
		return fmt.Errorf("%w: %q not in %v", ErrInvalidValue, value, p.choices)
	}
	p.value = value
	return nil
}

func (p *StrProperty) Clone() Property {
	return &StrProperty{value: p.value, choices: slices.Clone(p.choices)}
}

func (p *StrProperty) Describe() string {
	if len(p.choices) > 0 {
		return "one of " + strings.Join(p.choices, ", ")
	}
	return "string"
}

// IntProperty holds an integer. It is validated either against an inclusive
// range or against a list of allowed values.
type IntProperty struct {
	value   int64
	check   CheckKind
	min     int64
	max     int64
	choices []int64
}

// NewInt returns an unvalidated integer property.
func NewInt(value int64) *IntProperty {
	return &IntProperty{value: value}
}

// NewIntRange returns an integer property limited to [min, max].
func NewIntRange(value, min, max int64) *IntProperty {
	return &IntProperty{value: value, check: CheckRange, min: min, max: max}
}

// NewIntList returns an integer property limited to choices.
func NewIntList(value int64, choices ...int64) *IntProperty {
	return &IntProperty{value: value, check: CheckList, choices: slices.Clone(choices)}
}

func (p *IntProperty) Kind() Kind       { return KindInt }
func (p *IntProperty) Check() CheckKind { return p.check }
func (p *IntProperty) String() string   { return strconv.FormatInt(p.value, 10) }

// Value returns the current integer.
func (p *IntProperty) Value() int64 { return p.value }

func (p *IntProperty) Set(value string) error {
	v, err := strconv.ParseInt(strings.TrimSpace(value), 0, 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, value)
	}
	switch p.check {
	case CheckRange:
		if v < p.min || v > p.max {
			return fmt.Errorf("%w: %d outside [%d, %d]", ErrInvalidValue, v, p.min, p.max)
		}
	case CheckList:
		if !slices.Contains(p.choices, v) {
			return fmt.Errorf("%w: %d not in %v", ErrInvalidValue, v, p.choices)
		}
	}
	p.value = v
	return nil
}

func (p *IntProperty) Clone() Property {
	c := *p
	c.choices = slices.Clone(p.choices)
	return &c
}

func (p *IntProperty) Describe() string {
	switch p.check {
	case CheckRange:
		return fmt.Sprintf("integer in [%d, %d]", p.min, p.max)
	case CheckList:
		parts := make([]string, len(p.choices))
		for i, c := range p.choices {
			parts[i] = strconv.FormatInt(c, 10)
		}
		return "one of " + strings.Join(parts, ", ")
	default:
		return "integer"
	}
}

// BinProperty holds an on/off switch. It accepts on/off, yes/no, true/false
// and 1/0.
type BinProperty struct {
	value bool
}

// NewBin returns a binary property.
func NewBin(value bool) *BinProperty {
	return &BinProperty{value: value}
}

func (p *BinProperty) Kind() Kind       { return KindBinary }
func (p *BinProperty) Check() CheckKind { return CheckList }

func (p *BinProperty) String() string {
	if p.value {
		return "on"
	}
	return "off"
}

// Value returns the current switch state.
func (p *BinProperty) Value() bool { return p.value }

func (p *BinProperty) Set(value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "yes", "true", "1":
		p.value = true
	case "off", "no", "false", "0":
		p.value = false
	default:
		return fmt.Errorf("%w: %q is not on/off", ErrInvalidValue, value)
	}
	return nil
}

func (p *BinProperty) Clone() Property  { return &BinProperty{value: p.value} }
func (p *BinProperty) Describe() string { return "on/off" }

// ParseHexBytes decodes a string property value holding hex digits. It is
// used by devices that take raw byte blobs (e.g. EDID or SPD contents).
func ParseHexBytes(value string) ([]byte, error) {
	value = strings.TrimPrefix(strings.ReplaceAll(value, " ", ""), "0x")
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return b, nil
}
