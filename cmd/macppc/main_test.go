package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/macppc/internal/devtree"
)

func TestSetFlags(t *testing.T) {
	s := setFlags{}
	for _, v := range []string{"pci_A=AtiRagePro", " rambank1_size = 32 "} {
		if err := s.Set(v); err != nil {
			t.Fatalf("%q: %v", v, err)
		}
	}
	if s["rambank1_size"] != "32" || s["pci_A"] != "AtiRagePro" {
		t.Fatalf("parsed %v", s)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if err := s.Set(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

func TestListMachines(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-list-machines"}, &out); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"pmg3dt", "pmg3yos"} {
		if !strings.Contains(out.String(), name) {
			t.Errorf("%s missing from\n%s", name, out.String())
		}
	}
	if strings.Contains(out.String(), "\x1b[") {
		t.Errorf("escape sequences written to a non-terminal")
	}
}

func TestDumpTreeAndFDT(t *testing.T) {
	dir := t.TempDir()
	dtb := filepath.Join(dir, "g3.dtb")
	cfg := filepath.Join(dir, "g3.yaml")
	if err := os.WriteFile(cfg, []byte("version: v1.0.0\nmachine: pmg3yos\nsettings:\n  rambank1_size: 128\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err := run([]string{
		"-config", cfg,
		"-set", "pci_C=AtiRagePro",
		"-nvram", filepath.Join(dir, "nvram.bin"),
		"-dump-tree",
		"-fdt", dtb,
	}, &out)
	if err != nil {
		t.Fatal(err)
	}
	tree := out.String()
	for _, want := range []string{"pmg3yos", "Dec21154Yosemite@68", "Paddington@80", "Spd1@51", "Am29F080@0"} {
		if !strings.Contains(tree, want) {
			t.Errorf("tree lacks %s:\n%s", want, tree)
		}
	}

	blob, err := os.ReadFile(dtb)
	if err != nil {
		t.Fatal(err)
	}
	root, err := devtree.Parse(blob)
	if err != nil {
		t.Fatal(err)
	}
	mem, ok := root.Child("memory@0")
	if !ok {
		t.Fatalf("no memory node")
	}
	if reg := mem.Properties["reg"].U32; len(reg) != 4 || reg[3] != 128<<20 {
		t.Fatalf("memory reg %v", reg)
	}
	if _, err := os.Stat(filepath.Join(dir, "nvram.bin")); err != nil {
		t.Fatalf("NVRAM not saved on exit: %v", err)
	}
}

func TestUnknownMachine(t *testing.T) {
	if err := run([]string{"-machine", "pmg4"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("unknown machine accepted")
	}
}
