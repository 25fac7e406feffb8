package devtree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16
	magic       = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

var ErrMalformed = errors.New("devtree: malformed blob")

// Reservation is a memory reservation block entry.
type Reservation struct {
	Address uint64
	Size    uint64
}

// Build serializes the node tree into an FDT blob. bootCPU goes into the
// header's boot_cpuid_phys field.
func Build(root Node, bootCPU uint32, reserved ...Reservation) ([]byte, error) {
	b := &builder{stringsOff: make(map[string]uint32)}
	if err := b.emitNode(root); err != nil {
		return nil, err
	}
	return b.finish(bootCPU, reserved), nil
}

type builder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (b *builder) emitNode(n Node) error {
	b.beginNode(n.Name)

	keys := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	for _, name := range keys {
		if err := b.emitProperty(name, n.Properties[name]); err != nil {
			return fmt.Errorf("%s: %w", n.Name, err)
		}
	}

	for _, child := range n.Children {
		if err := b.emitNode(child); err != nil {
			return err
		}
	}

	b.writeToken(tokenEndNode)
	return nil
}

func (b *builder) emitProperty(name string, prop Property) error {
	if prop.DefinedCount() == 0 {
		return fmt.Errorf("devtree: property %q has no values", name)
	}
	if prop.DefinedCount() > 1 {
		return fmt.Errorf("devtree: property %q has multiple value kinds", name)
	}
	var data []byte
	switch prop.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range prop.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		data = buf.Bytes()
	case "u32":
		data = make([]byte, 0, len(prop.U32)*4)
		for _, v := range prop.U32 {
			data = binary.BigEndian.AppendUint32(data, v)
		}
	case "bytes":
		data = append(data, prop.Bytes...)
	case "flag":
		data = nil
	}
	b.property(name, data)
	return nil
}

func (b *builder) beginNode(name string) {
	b.writeToken(tokenBeginNode)
	b.structBuf.WriteString(name)
	b.structBuf.WriteByte(0)
	b.padStruct()
}

func (b *builder) property(name string, value []byte) {
	b.writeToken(tokenProp)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(value)))
	b.structBuf.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:], b.stringOffset(name))
	b.structBuf.Write(tmp[:])
	b.structBuf.Write(value)
	b.padStruct()
}

func (b *builder) finish(bootCPU uint32, reserved []Reservation) []byte {
	b.writeToken(tokenEnd)
	b.padStruct()

	structBytes := b.structBuf.Bytes()
	stringsBytes := b.strings.Bytes()

	// The reservation block ends with an all-zero entry.
	memReserve := make([]byte, 0, 16*(len(reserved)+1))
	for _, r := range reserved {
		memReserve = binary.BigEndian.AppendUint64(memReserve, r.Address)
		memReserve = binary.BigEndian.AppendUint64(memReserve, r.Size)
	}
	memReserve = append(memReserve, make([]byte, 16)...)

	offMemReserve := headerSize
	offStruct := offMemReserve + len(memReserve)
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	header := blob[:headerSize]
	binary.BigEndian.PutUint32(header[0:4], magic)
	binary.BigEndian.PutUint32(header[4:8], uint32(totalSize))
	binary.BigEndian.PutUint32(header[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(header[12:16], uint32(offStrings))
	binary.BigEndian.PutUint32(header[16:20], uint32(offMemReserve))
	binary.BigEndian.PutUint32(header[20:24], version)
	binary.BigEndian.PutUint32(header[24:28], lastCompVer)
	binary.BigEndian.PutUint32(header[28:32], bootCPU)
	binary.BigEndian.PutUint32(header[32:36], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(header[36:40], uint32(len(structBytes)))

	copy(blob[offMemReserve:], memReserve)
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)

	return blob
}

func (b *builder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *builder) writeToken(token uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], token)
	b.structBuf.Write(tmp[:])
}

func (b *builder) padStruct() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}

// Parse decodes a blob produced by Build. Property values come back as raw
// bytes; empty properties come back as flags.
func Parse(blob []byte) (Node, error) {
	if len(blob) < headerSize || binary.BigEndian.Uint32(blob) != magic {
		return Node{}, fmt.Errorf("%w: bad header", ErrMalformed)
	}
	total := binary.BigEndian.Uint32(blob[4:])
	offStruct := binary.BigEndian.Uint32(blob[8:])
	offStrings := binary.BigEndian.Uint32(blob[12:])
	sizeStrings := binary.BigEndian.Uint32(blob[32:])
	sizeStruct := binary.BigEndian.Uint32(blob[36:])
	if uint64(total) > uint64(len(blob)) ||
		uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return Node{}, fmt.Errorf("%w: blocks exceed blob", ErrMalformed)
	}
	p := parser{
		data:    blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}
	p.skipNops()
	if p.token() != tokenBeginNode {
		return Node{}, fmt.Errorf("%w: no root node", ErrMalformed)
	}
	root, err := p.node()
	if err != nil {
		return Node{}, err
	}
	p.skipNops()
	if p.token() != tokenEnd {
		return Node{}, fmt.Errorf("%w: missing end token", ErrMalformed)
	}
	return root, nil
}

type parser struct {
	data    []byte
	strings []byte
	pos     int
}

func (p *parser) u32() (uint32, bool) {
	if p.pos+4 > len(p.data) {
		return 0, false
	}
	v := binary.BigEndian.Uint32(p.data[p.pos:])
	p.pos += 4
	return v, true
}

func (p *parser) token() uint32 {
	v, ok := p.u32()
	if !ok {
		return 0
	}
	return v
}

func (p *parser) skipNops() {
	for p.pos+4 <= len(p.data) && binary.BigEndian.Uint32(p.data[p.pos:]) == tokenNop {
		p.pos += 4
	}
}

func (p *parser) align() { p.pos = (p.pos + 3) &^ 3 }

func cstring(b []byte) (string, int, bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", 0, false
	}
	return string(b[:i]), i + 1, true
}

// node parses a node whose begin token has been consumed.
func (p *parser) node() (Node, error) {
	name, n, ok := cstring(p.data[p.pos:])
	if !ok {
		return Node{}, fmt.Errorf("%w: unterminated node name", ErrMalformed)
	}
	p.pos += n
	p.align()
	out := Node{Name: name, Properties: map[string]Property{}}
	for {
		p.skipNops()
		switch tok := p.token(); tok {
		case tokenProp:
			length, ok1 := p.u32()
			nameOff, ok2 := p.u32()
			if !ok1 || !ok2 || p.pos+int(length) > len(p.data) || int(nameOff) >= len(p.strings) {
				return Node{}, fmt.Errorf("%w: truncated property in %q", ErrMalformed, name)
			}
			pname, _, ok := cstring(p.strings[nameOff:])
			if !ok {
				return Node{}, fmt.Errorf("%w: bad property name offset", ErrMalformed)
			}
			val := bytes.Clone(p.data[p.pos : p.pos+int(length)])
			p.pos += int(length)
			p.align()
			if length == 0 {
				out.Properties[pname] = Property{Flag: true}
			} else {
				out.Properties[pname] = Property{Bytes: val}
			}
		case tokenBeginNode:
			child, err := p.node()
			if err != nil {
				return Node{}, err
			}
			out.Children = append(out.Children, child)
		case tokenEndNode:
			return out, nil
		default:
			return Node{}, fmt.Errorf("%w: unexpected token %#x in %q", ErrMalformed, tok, name)
		}
	}
}
