package machine

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/macppc/internal/props"
)

// SupportedVersion is the newest descriptor schema this build reads. Files
// with a newer major version are rejected; older and equal ones load.
const SupportedVersion = "v1.0.0"

// DescriptorFile is the YAML form of a machine descriptor.
type DescriptorFile struct {
	Version     string                 `yaml:"version"`
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Devices     []string               `yaml:"devices"`
	Settings    map[string]SettingSpec `yaml:"settings"`
}

// SettingSpec declares a machine setting with its validator.
type SettingSpec struct {
	Type    string   `yaml:"type"`
	Default Scalar   `yaml:"default"`
	Min     *int64   `yaml:"min,omitempty"`
	Max     *int64   `yaml:"max,omitempty"`
	Choices []Scalar `yaml:"choices,omitempty"`
}

// Scalar is any YAML scalar kept in its textual form.
type Scalar string

// UnmarshalYAML implements yaml.Unmarshaler for Scalar.
func (s *Scalar) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", value.Line)
	}
	*s = Scalar(value.Value)
	return nil
}

// ConfigFile is a settings file: overrides applied as if given on the
// command line, optionally naming the machine to build.
type ConfigFile struct {
	Version  string            `yaml:"version"`
	Machine  string            `yaml:"machine"`
	Settings map[string]Scalar `yaml:"settings"`
}

func checkVersion(v string) error {
	if v == "" {
		return nil
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("machine: version %q is not a semantic version: %w", v, ErrUnsupportedVersion)
	}
	if semver.Compare(semver.Major(v), semver.Major(SupportedVersion)) > 0 {
		return fmt.Errorf("machine: version %s is newer than supported %s: %w", v, SupportedVersion, ErrUnsupportedVersion)
	}
	return nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// ParseDescriptor decodes a YAML machine descriptor.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var f DescriptorFile
	if err := decodeStrict(data, &f); err != nil {
		return nil, fmt.Errorf("machine: parse descriptor: %w", err)
	}
	if err := checkVersion(f.Version); err != nil {
		return nil, err
	}
	if f.Name == "" {
		return nil, fmt.Errorf("machine: descriptor has no name")
	}
	d := &Descriptor{
		Name:        f.Name,
		Description: f.Description,
		Devices:     f.Devices,
		Settings:    make(map[string]props.Property, len(f.Settings)),
	}
	for name, spec := range f.Settings {
		p, err := spec.property()
		if err != nil {
			return nil, fmt.Errorf("machine: %s: setting %q: %w", f.Name, name, err)
		}
		d.Settings[name] = p
	}
	return d, nil
}

func (s SettingSpec) property() (props.Property, error) {
	switch s.Type {
	case "", "string":
		if len(s.Choices) == 0 {
			return props.NewStr(string(s.Default)), nil
		}
		choices := make([]string, len(s.Choices))
		for i, c := range s.Choices {
			choices[i] = string(c)
		}
		p := props.NewStrList(choices[0], choices...)
		if err := p.Set(string(s.Default)); err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		return p, nil
	case "int", "integer":
		def, err := strconv.ParseInt(string(s.Default), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("default %q: %w", s.Default, err)
		}
		switch {
		case len(s.Choices) > 0:
			choices := make([]int64, len(s.Choices))
			for i, c := range s.Choices {
				if choices[i], err = strconv.ParseInt(string(c), 0, 64); err != nil {
					return nil, fmt.Errorf("choice %q: %w", c, err)
				}
			}
			p := props.NewIntList(choices[0], choices...)
			if err := p.Set(string(s.Default)); err != nil {
				return nil, fmt.Errorf("default: %w", err)
			}
			return p, nil
		case s.Min != nil || s.Max != nil:
			lo, hi := int64(-1<<63), int64(1<<63-1)
			if s.Min != nil {
				lo = *s.Min
			}
			if s.Max != nil {
				hi = *s.Max
			}
			if def < lo || def > hi {
				return nil, fmt.Errorf("default %d outside [%d, %d]: %w", def, lo, hi, props.ErrInvalidValue)
			}
			return props.NewIntRange(def, lo, hi), nil
		}
		return props.NewInt(def), nil
	case "bin", "binary", "bool":
		p := props.NewBin(false)
		if s.Default != "" {
			if err := p.Set(string(s.Default)); err != nil {
				return nil, fmt.Errorf("default: %w", err)
			}
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown type %q", s.Type)
}

// LoadDescriptor reads a YAML machine descriptor from path.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	return ParseDescriptor(data)
}

// ParseConfig decodes a YAML settings file.
func ParseConfig(data []byte) (*ConfigFile, error) {
	var c ConfigFile
	if err := decodeStrict(data, &c); err != nil {
		return nil, fmt.Errorf("machine: parse config: %w", err)
	}
	if err := checkVersion(c.Version); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadConfig reads a YAML settings file from path.
func LoadConfig(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	return ParseConfig(data)
}

// Overrides returns the settings as command-line overrides merged under
// extra; extra wins.
func (c *ConfigFile) Overrides(extra map[string]string) map[string]string {
	out := make(map[string]string, len(c.Settings)+len(extra))
	for k, v := range c.Settings {
		out[k] = string(v)
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
