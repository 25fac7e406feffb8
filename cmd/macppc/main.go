// Command macppc assembles a Power Macintosh device tree and inspects it.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/macppc/internal/devreg"
	"github.com/tinyrange/macppc/internal/devtree"
	"github.com/tinyrange/macppc/internal/machine"
	"github.com/tinyrange/macppc/internal/machines"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "macppc: %v\n", err)
		os.Exit(1)
	}
}

// setFlags collects repeated -set name=value flags.
type setFlags map[string]string

func (s setFlags) String() string {
	parts := make([]string, 0, len(s))
	for k, v := range s {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (s setFlags) Set(v string) error {
	name, value, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("expected name=value, got %q", v)
	}
	s[strings.TrimSpace(name)] = strings.TrimSpace(value)
	return nil
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("macppc", flag.ContinueOnError)
	machineName := fs.String("machine", "pmg3dt", "Machine to build (see -list-machines)")
	machineFile := fs.String("machine-file", "", "Build the machine described by this YAML descriptor")
	configFile := fs.String("config", "", "YAML settings file")
	listMachines := fs.Bool("list-machines", false, "List the available machines and exit")
	listDevices := fs.Bool("list-devices", false, "List the registered devices and their settings and exit")
	dumpTree := fs.Bool("dump-tree", false, "Print the assembled component tree")
	fdtOut := fs.String("fdt", "", "Write the flattened device tree to this file")
	romPath := fs.String("rom", "", "Firmware image to load")
	nvramPath := fs.String("nvram", "", "NVRAM backing file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	sets := setFlags{}
	fs.Var(sets, "set", "Override a setting, name=value (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: macppc [flags]\n\n")
		fmt.Fprintf(fs.Output(), "Assemble a Power Macintosh G3 and inspect its device tree.\n\n")
		fmt.Fprintf(fs.Output(), "Examples:\n")
		fmt.Fprintf(fs.Output(), "  macppc -machine pmg3dt -dump-tree\n")
		fmt.Fprintf(fs.Output(), "  macppc -machine pmg3yos -set pci_A=AtiRagePro -fdt yos.dtb\n\n")
		fmt.Fprintf(fs.Output(), "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	color := isTerminal(stdout)
	if *listMachines {
		return printMachines(stdout, color)
	}
	if *listDevices {
		return printDevices(stdout, devreg.Default, color)
	}

	overrides := map[string]string{}
	if *nvramPath != "" {
		overrides["nvram_path"] = *nvramPath
	}
	for k, v := range sets {
		overrides[k] = v
	}
	name := *machineName
	if *configFile != "" {
		cfg, err := machine.LoadConfig(*configFile)
		if err != nil {
			return err
		}
		overrides = cfg.Overrides(overrides)
		if cfg.Machine != "" && !flagGiven(fs, "machine") {
			name = cfg.Machine
		}
	}

	factory := machine.NewFactory(nil)
	var (
		m   *machine.Machine
		err error
	)
	if *machineFile != "" {
		d, derr := machine.LoadDescriptor(*machineFile)
		if derr != nil {
			return derr
		}
		m, err = factory.BuildDescriptor(d, overrides)
	} else {
		m, err = factory.Build(name, overrides)
	}
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			slog.Error("macppc: teardown", "err", cerr)
		}
	}()

	if *romPath != "" {
		image, err := readROM(*romPath, color)
		if err != nil {
			return err
		}
		if err := machines.LoadROM(m, image); err != nil {
			return err
		}
		slog.Info("macppc: ROM loaded", "path", *romPath, "bytes", len(image))
	}

	if *dumpTree {
		renderTree(stdout, m, color)
	}

	if *fdtOut != "" {
		blob, err := devtree.Build(devtree.FromTree(m, m.Descriptor().Description), 0)
		if err != nil {
			return fmt.Errorf("build device tree: %w", err)
		}
		if err := os.WriteFile(*fdtOut, blob, 0o644); err != nil {
			return fmt.Errorf("write device tree: %w", err)
		}
		slog.Info("macppc: device tree written", "path", *fdtOut, "bytes", len(blob))
	}
	return nil
}

func flagGiven(fs *flag.FlagSet, name string) bool {
	given := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			given = true
		}
	})
	return given
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// readROM reads the image, showing progress when stderr is a terminal.
func readROM(path string, interactive bool) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ROM: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if interactive && term.IsTerminal(int(os.Stderr.Fd())) {
		size := int64(-1)
		if st, err := f.Stat(); err == nil {
			size = st.Size()
		}
		bar := progressbar.DefaultBytes(size, "load "+path)
		defer bar.Close()
		r = io.TeeReader(f, bar)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("read ROM: %w", err)
	}
	return buf.Bytes(), nil
}
