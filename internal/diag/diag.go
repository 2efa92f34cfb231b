// Package diag produces the register snapshot the boot sequence and the
// --diagnostics CLI flag dump on a terminal error.
package diag

import (
	"fmt"
	"log"

	"github.com/fxamacker/cbor/v2"
	"vpudrv.dev/core/internal/pci"
	"vpudrv.dev/core/internal/regs"
)

// Snapshot is the decoded diagnostic register set, per spec.md §4.5's
// "diagnostics" paragraph: firmware status, firmware version, boot
// count, buttress status, general control, and global interrupt status.
type Snapshot struct {
	FWStatus        uint32 `cbor:"fw_status"`
	FWVersion       uint32 `cbor:"fw_version"`
	BootCounter     uint32 `cbor:"boot_counter"`
	ButtressStatus  uint32 `cbor:"buttress_status"`
	GeneralControl  uint32 `cbor:"general_control"`
	GlobalIntStatus uint32 `cbor:"global_int_status"`
}

// Take reads the diagnostic register set from dev without interpreting
// it further.
func Take(dev *pci.Device) Snapshot {
	m := dev.MMIO
	return Snapshot{
		FWStatus:        m.Read32(regs.FWStatus),
		FWVersion:       m.Read32(regs.FWVersion),
		BootCounter:     m.Read32(regs.BootCounter),
		ButtressStatus:  m.Read32(regs.ButtressStatus),
		GeneralControl:  m.Read32(regs.GeneralControl),
		GlobalIntStatus: m.Read32(regs.GlobalIntStatus),
	}
}

// Dump logs a human-readable diagnostic snapshot, grounded on
// drive/boot.rs's terminal-error dump in the original implementation.
func Dump(dev *pci.Device, logger *log.Logger) Snapshot {
	s := Take(dev)
	logger.Printf("diag: fw_status=%#010x fw_version=%#010x boot_counter=%d buttress_status=%#010x general_control=%#010x global_int_status=%#010x",
		s.FWStatus, s.FWVersion, s.BootCounter, s.ButtressStatus, s.GeneralControl, s.GlobalIntStatus)
	return s
}

// EncodeCBOR serializes a Snapshot to CBOR, for the --diagnostics
// --format=cbor CLI surface.
func EncodeCBOR(s Snapshot) ([]byte, error) {
	b, err := cbor.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("diag: cbor encode: %w", err)
	}
	return b, nil
}
