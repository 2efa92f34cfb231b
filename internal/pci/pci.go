// Package pci discovers the NPU function on the PCI bus, enables bus
// mastering and memory space, and maps its BAR0 into the process address
// space. Two backends exist (pci_linux.go / pci_sim.go, selected by the
// linux_pci build tag) sharing the error taxonomy and the Device type
// below.
package pci

import (
	"fmt"

	"vpudrv.dev/core/internal/mmio"
	"vpudrv.dev/core/internal/regs"
)

// Device groups everything the rest of the driver needs about the
// discovered NPU function: its bus address, identity, BAR0 geometry, and
// mapped MMIO region.
type Device struct {
	BusAddr string
	Vendor  uint16
	Device  uint16
	Name    string
	BarPhys uint64
	BarLen  int
	MMIO    *mmio.Region

	closer func() error
}

// Close tears down the BAR0 mapping. It must only be called once the
// device is guaranteed to have been reset or is otherwise known not to
// reference host memory any longer.
func (d *Device) Close() error {
	if d.closer == nil {
		return nil
	}
	c := d.closer
	d.closer = nil
	return c()
}

// ErrSchemeFailed wraps a failure to enumerate the PCI bus itself (the
// "scheme" terminology is inherited from the bring-up core this driver
// reimplements; on Linux it names a sysfs walk failure).
type ErrSchemeFailed struct{ Err error }

func (e *ErrSchemeFailed) Error() string { return fmt.Sprintf("pci: bus scheme failed: %v", e.Err) }
func (e *ErrSchemeFailed) Unwrap() error { return e.Err }

// ErrDeviceNotFound is returned when no device on the bus matches
// regs.Supported.
type ErrDeviceNotFound struct{}

func (ErrDeviceNotFound) Error() string { return "pci: no supported NPU device found" }

// ErrConfigShort is returned when a function's configuration space is
// shorter than the 6 bytes decodeHeader requires.
type ErrConfigShort struct{ Got int }

func (e *ErrConfigShort) Error() string {
	return fmt.Sprintf("pci: configuration space too short (%d bytes)", e.Got)
}

// ErrConfigWriteFailed is returned when enabling bus-master / memory
// space fails.
type ErrConfigWriteFailed struct{ Err error }

func (e *ErrConfigWriteFailed) Error() string {
	return fmt.Sprintf("pci: configuration write failed: %v", e.Err)
}
func (e *ErrConfigWriteFailed) Unwrap() error { return e.Err }

// ErrBarOpenFailed is returned when the BAR0 resource cannot be opened.
type ErrBarOpenFailed struct{ Err error }

func (e *ErrBarOpenFailed) Error() string { return fmt.Sprintf("pci: bar open failed: %v", e.Err) }
func (e *ErrBarOpenFailed) Unwrap() error { return e.Err }

// ErrBarZeroSize is returned when BAR0 reports a zero byte length.
type ErrBarZeroSize struct{}

func (ErrBarZeroSize) Error() string { return "pci: bar0 has zero size" }

// ErrBarMapFailed is returned when mapping the BAR0 resource fails.
type ErrBarMapFailed struct{ Err error }

func (e *ErrBarMapFailed) Error() string { return fmt.Sprintf("pci: bar map failed: %v", e.Err) }
func (e *ErrBarMapFailed) Unwrap() error { return e.Err }

// configCommandOffset is the PCI command word offset within configuration
// space.
const configCommandOffset = 0x04

const (
	cmdMemorySpaceEnable = 0x1 << 1
	cmdBusMasterEnable   = 0x1 << 2
)

// decodeHeader extracts (vendor, device) from a 64-byte configuration
// header, the layout shared by both backends.
func decodeHeader(header []byte) (vendor, device uint16, err error) {
	if len(header) < 6 {
		return 0, 0, &ErrConfigShort{Got: len(header)}
	}
	vendor = uint16(header[0]) | uint16(header[1])<<8
	device = uint16(header[2]) | uint16(header[3])<<8
	return vendor, device, nil
}

func isSupported(vendor, device uint16) (string, bool) {
	return regs.Lookup(vendor, device)
}
