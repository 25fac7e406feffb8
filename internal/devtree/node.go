package devtree

// Property is one device-tree property. Exactly one of the typed fields
// should be populated.
type Property struct {
	Strings []string
	U32     []uint32
	Bytes   []byte
	Flag    bool
}

// Str returns a single-string property.
func Str(s string) Property { return Property{Strings: []string{s}} }

// Cells returns a property of 32-bit cells.
func Cells(v ...uint32) Property { return Property{U32: v} }

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Node is a device-tree node.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Child returns the direct child called name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}
