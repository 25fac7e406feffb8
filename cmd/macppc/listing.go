package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/macppc/internal/devreg"
	"github.com/tinyrange/macppc/internal/hwcomp"
	"github.com/tinyrange/macppc/internal/machine"
)

var (
	nameStyle = ansi.Style{}.Bold()
	addrStyle = ansi.Style{}.ForegroundColor(ansi.Cyan)
	typeStyle = ansi.Style{}.ForegroundColor(ansi.BrightBlack)
)

// printer writes styled lines, or plain ones when color is off.
type printer struct {
	w     io.Writer
	color bool
}

func (p printer) style(s ansi.Style, text string) string {
	if !p.color || text == "" {
		return text
	}
	return s.Styled(text)
}

func (p printer) line(format string, args ...any) {
	out := fmt.Sprintf(format, args...)
	if !p.color {
		out = ansi.Strip(out)
	}
	fmt.Fprintln(p.w, out)
}

func printMachines(w io.Writer, color bool) error {
	p := printer{w, color}
	names := machine.Names()
	width := 0
	for _, n := range names {
		width = max(width, len(n))
	}
	for _, n := range names {
		d, err := machine.Lookup(n)
		if err != nil {
			return err
		}
		pad := strings.Repeat(" ", width-len(n))
		p.line("%s%s  %s", p.style(nameStyle, n), pad, d.Description)
	}
	return nil
}

func printDevices(w io.Writer, reg *devreg.Registry, color bool) error {
	p := printer{w, color}
	for _, n := range reg.Names() {
		d, _ := reg.Lookup(n)
		label := n
		if d.DisplayName != "" {
			label += " (" + d.DisplayName + ")"
		}
		p.line("%s %s", p.style(nameStyle, label), p.style(typeStyle, "["+d.Types.String()+"]"))
		keys := make([]string, 0, len(d.Props))
		for k := range d.Props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			prop := d.Props[k]
			p.line("    %s = %q  %s", k, prop.String(), p.style(typeStyle, prop.Describe()))
		}
	}
	return nil
}

// renderTree prints one component per line, indented by depth, with its
// unit address and capability tags.
func renderTree(w io.Writer, m *machine.Machine, color bool) {
	p := printer{w, color}
	m.Walk(func(c hwcomp.Component, depth int) {
		b := c.HW()
		addr := ""
		if b.UnitAddress() >= 0 {
			addr = fmt.Sprintf("@%x", b.UnitAddress())
		}
		p.line("%s%s%s %s", strings.Repeat("  ", depth),
			p.style(nameStyle, b.Name()), p.style(addrStyle, addr),
			p.style(typeStyle, "["+b.Types().String()+"]"))
	})
}
