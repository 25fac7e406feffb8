package devreg

import (
	"fmt"
	"strings"

	"github.com/tinyrange/macppc/internal/hwcomp"
)

// Segment is one "Name@hexaddr" element of a device path. Addr is -1 when
// the address is left to the parent.
type Segment struct {
	Name string
	Addr int
}

func (s Segment) String() string {
	if s.Addr < 0 {
		return s.Name
	}
	return fmt.Sprintf("%s@%x", s.Name, s.Addr)
}

// Entry is one line of a device list. It either instantiates the devices
// along Path or, when Assign is set, assigns Value to property Prop
// (optionally at unit address PropAddr) on the component named by Path, or
// on the nearest component that accepts it when Path is empty.
type Entry struct {
	Path     []Segment
	Assign   bool
	Prop     string
	PropAddr int
	Value    string
}

// ParseEntry parses device-list syntax:
//
//	Grackle@80000000
//	Grackle@80000000/Heathrow@10
//	pci_GPU=AtiRagePro
//	Grackle@80000000/pci@90=AtiRagePro
func ParseEntry(s string) (Entry, error) {
	e := Entry{PropAddr: -1}
	s = strings.TrimSpace(s)
	if s == "" {
		return e, fmt.Errorf("devreg: empty device entry")
	}
	pathPart := s
	if i := strings.IndexByte(s, '='); i >= 0 {
		e.Assign = true
		e.Value = strings.TrimSpace(s[i+1:])
		lhs := strings.TrimSpace(s[:i])
		pathPart = ""
		if j := strings.LastIndexByte(lhs, '/'); j >= 0 {
			pathPart = lhs[:j]
			lhs = lhs[j+1:]
		}
		name, addr, err := hwcomp.ParsePathSegment(lhs)
		if err != nil {
			return e, err
		}
		if name == "" {
			return e, fmt.Errorf("devreg: entry %q assigns to an empty property name", s)
		}
		e.Prop, e.PropAddr = name, addr
	}
	for _, seg := range strings.Split(pathPart, "/") {
		if seg == "" {
			continue
		}
		name, addr, err := hwcomp.ParsePathSegment(seg)
		if err != nil {
			return e, err
		}
		e.Path = append(e.Path, Segment{Name: name, Addr: addr})
	}
	if !e.Assign && len(e.Path) == 0 {
		return e, fmt.Errorf("devreg: entry %q names no device", s)
	}
	return e, nil
}

// PathString renders the entry's path part.
func (e Entry) PathString() string {
	parts := make([]string, len(e.Path))
	for i, seg := range e.Path {
		parts[i] = seg.String()
	}
	return strings.Join(parts, "/")
}

// EntryDevices returns the device names along a device-list entry's path.
// Property assignments and malformed entries name no devices.
func EntryDevices(entry string) []string {
	e, err := ParseEntry(entry)
	if err != nil || e.Assign {
		return nil
	}
	names := make([]string, 0, len(e.Path))
	for _, seg := range e.Path {
		if seg.Name != "" {
			names = append(names, seg.Name)
		}
	}
	return names
}
