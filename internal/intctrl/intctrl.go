// Package intctrl defines how devices obtain and drive interrupt lines.
//
// A device registers the interrupt source it was wired to and receives an
// opaque IRQ handle. The controller owns priority and masking; devices only
// report level changes through the handle.
package intctrl

import (
	"errors"
	"fmt"

	"github.com/tinyrange/macppc/internal/hwcomp"
)

var (
	ErrUnknownSource = errors.New("interrupt source not wired")
	ErrUnknownIRQ    = errors.New("unknown irq handle")
)

// Source names an interrupt input as the machine wiring sees it.
type Source int

const (
	SrcNone Source = iota
	SrcVIACuda
	SrcSCSIMesh
	SrcSCSICurio
	SrcIDE0
	SrcIDE1
	SrcSCCA
	SrcSCCB
	SrcEthernet
	SrcSWIM3
	SrcNMI
	SrcPCIA
	SrcPCIB
	SrcPCIC
	SrcPCID
	SrcPCIE
	SrcPCIF
	SrcPCIGPU
	SrcPCIPerch
	SrcPCICardbus
	SrcUSB
	SrcFirewire
	SrcPCIBridge

	SrcDMASCSIMesh
	SrcDMASCCATx
	SrcDMASCCARx
	SrcDMASCCBTx
	SrcDMASCCBRx
	SrcDMAIDE0
	SrcDMAIDE1
	SrcDMAEthernetTx
	SrcDMAEthernetRx
	SrcDMADAVBusTx
	SrcDMADAVBusRx

	numSources
)

var sourceNames = [...]string{
	SrcNone:          "none",
	SrcVIACuda:       "via-cuda",
	SrcSCSIMesh:      "scsi-mesh",
	SrcSCSICurio:     "scsi-curio",
	SrcIDE0:          "ide0",
	SrcIDE1:          "ide1",
	SrcSCCA:          "scc-a",
	SrcSCCB:          "scc-b",
	SrcEthernet:      "ethernet",
	SrcSWIM3:         "swim3",
	SrcNMI:           "nmi",
	SrcPCIA:          "pci-a",
	SrcPCIB:          "pci-b",
	SrcPCIC:          "pci-c",
	SrcPCID:          "pci-d",
	SrcPCIE:          "pci-e",
	SrcPCIF:          "pci-f",
	SrcPCIGPU:        "pci-gpu",
	SrcPCIPerch:      "pci-perch",
	SrcPCICardbus:    "pci-cardbus",
	SrcUSB:           "usb",
	SrcFirewire:      "firewire",
	SrcPCIBridge:     "pci-bridge",
	SrcDMASCSIMesh:   "dma-scsi-mesh",
	SrcDMASCCATx:     "dma-scc-a-tx",
	SrcDMASCCARx:     "dma-scc-a-rx",
	SrcDMASCCBTx:     "dma-scc-b-tx",
	SrcDMASCCBRx:     "dma-scc-b-rx",
	SrcDMAIDE0:       "dma-ide0",
	SrcDMAIDE1:       "dma-ide1",
	SrcDMAEthernetTx: "dma-ethernet-tx",
	SrcDMAEthernetRx: "dma-ethernet-rx",
	SrcDMADAVBusTx:   "dma-davbus-tx",
	SrcDMADAVBusRx:   "dma-davbus-rx",
}

func (s Source) String() string {
	if s >= 0 && s < numSources {
		return sourceNames[s]
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// IsDMA reports whether s is a DMA channel interrupt.
func (s Source) IsDMA() bool { return s >= SrcDMASCSIMesh && s < numSources }

// Controller is the contract an interrupt controller offers devices.
type Controller interface {
	hwcomp.Component

	// RegisterDevInt returns the handle for a device interrupt source.
	RegisterDevInt(src Source) (uint64, error)
	// RegisterDMAInt returns the handle for a DMA channel interrupt source.
	RegisterDMAInt(src Source) (uint64, error)
	AckInt(irq uint64, level bool)
	AckDMAInt(irq uint64, level bool)
	// IRQToSource maps a handle back to its source; it is only used for
	// diagnostics.
	IRQToSource(irq uint64) Source
	// ReleaseInt deasserts the line and forgets one registration of irq.
	ReleaseInt(irq uint64)
}

// Details is what a device keeps after registering its interrupt.
type Details struct {
	Ctrl   Controller
	Source Source
	IRQ    uint64
	DMA    bool
}

// Valid reports whether d refers to a controller.
func (d Details) Valid() bool { return d.Ctrl != nil }

// Raise asserts or deasserts the interrupt.
func (d Details) Raise(level bool) {
	if d.Ctrl == nil {
		return
	}
	if d.DMA {
		d.Ctrl.AckDMAInt(d.IRQ, level)
		return
	}
	d.Ctrl.AckInt(d.IRQ, level)
}

// Line returns a Line handle bound to d.
func (d Details) Line() Line {
	if d.Ctrl == nil {
		return LineDetached()
	}
	return LineFromFunc(d.Raise)
}

// Release gives the registration back to the controller.
func (d Details) Release() {
	if d.Ctrl != nil {
		d.Ctrl.ReleaseInt(d.IRQ)
	}
}

func (d Details) String() string {
	if d.Ctrl == nil {
		return "unwired"
	}
	return fmt.Sprintf("%s@%s irq=%#x", d.Source, d.Ctrl.HW().Name(), d.IRQ)
}

// Register finds the machine's interrupt controller from c and registers
// src with it.
func Register(c hwcomp.Component, src Source) (Details, error) {
	ctrl, err := hwcomp.Lookup[Controller](c, hwcomp.TypeIntCtrl)
	if err != nil {
		return Details{}, fmt.Errorf("intctrl: register %s: %w", src, err)
	}
	var irq uint64
	if src.IsDMA() {
		irq, err = ctrl.RegisterDMAInt(src)
	} else {
		irq, err = ctrl.RegisterDevInt(src)
	}
	if err != nil {
		return Details{}, err
	}
	return Details{Ctrl: ctrl, Source: src, IRQ: irq, DMA: src.IsDMA()}, nil
}
