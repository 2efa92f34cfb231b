// Package boot implements the four-phase handshake that brings the NPU
// from cold reset to a ready-to-submit state: power-up, firmware staging,
// address publish, and a doorbell-triggered status poll with a nudge
// retry protocol. See spec.md §4.5 for the phase-by-phase contract; the
// ordering here is load-bearing and must not be reshuffled.
package boot

import (
	"fmt"
	"log"
	"time"

	"vpudrv.dev/core/internal/diag"
	"vpudrv.dev/core/internal/dma"
	"vpudrv.dev/core/internal/firmware"
	"vpudrv.dev/core/internal/mmio"
	"vpudrv.dev/core/internal/pci"
	"vpudrv.dev/core/internal/regs"
)

// Clock abstracts wall-clock time so the status-poll loop's timeout and
// back-off arithmetic can be exercised deterministically in tests without
// waiting on real sleeps.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time      { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Kind distinguishes the two BootResult shapes the state machine may
// produce. Ambiguous is never constructed by the phases described in
// spec.md §4.5; it is retained for forward compatibility, per §9.
type Kind int

const (
	Ready Kind = iota
	Ambiguous
)

// Result is the outcome of a successful (or ambiguous) boot.
type Result struct {
	Kind Kind

	// FWVersion is valid when Kind == Ready.
	FWVersion uint32
	// Status is valid when Kind == Ambiguous.
	Status uint32
}

// ErrAddressReadbackMismatch is returned when the firmware load address
// registers don't read back what was just written — a silent MMIO write
// failure. No doorbell is rung when this happens.
type ErrAddressReadbackMismatch struct {
	WroteLo, WroteHi uint32
	GotLo, GotHi     uint32
}

func (e *ErrAddressReadbackMismatch) Error() string {
	return fmt.Sprintf("boot: address readback mismatch: wrote (%#x,%#x) got (%#x,%#x)",
		e.WroteLo, e.WroteHi, e.GotLo, e.GotHi)
}

// ErrFirmwareDead is returned when the firmware status register reports
// 0xDEAD.
type ErrFirmwareDead struct{}

func (ErrFirmwareDead) Error() string { return "boot: firmware reported fatal error (0xDEAD)" }

// ErrFirmwareBadImage is returned when the firmware status register
// reports 0x0BAD.
type ErrFirmwareBadImage struct{}

func (ErrFirmwareBadImage) Error() string { return "boot: firmware rejected the image (0x0BAD)" }

// ErrNudgeExhausted is returned when the device still reports 0xCAFE
// after regs.MaxNudges doorbell nudges. Attempts is the stall count that
// tripped the limit, regs.MaxNudges+1.
type ErrNudgeExhausted struct{ Attempts int }

func (e *ErrNudgeExhausted) Error() string {
	return fmt.Sprintf("boot: nudge protocol exhausted after %d attempts", e.Attempts)
}

// ErrTimeout is returned when the global firmware-ready deadline expires
// without reaching a terminal status.
type ErrTimeout struct{ LastStatus uint32 }

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("boot: timed out waiting for firmware ready, last status %#06x", e.LastStatus>>16)
}

// Execute runs the full boot sequence against dev, staging the firmware
// image at firmwarePath. It returns the boot result together with the
// firmware DMA buffer: on success, and on any failure occurring after the
// doorbell has been rung, the caller owns the buffer and must keep it
// alive for the remainder of the device session, since the hardware may
// still be reading it. On failures before the doorbell rings, the buffer
// (if any) has been released already and the returned buffer is nil.
func Execute(dev *pci.Device, firmwarePath string, logger *log.Logger) (Result, *dma.Buffer, error) {
	return execute(dev, firmwarePath, logger, realClock{})
}

func execute(dev *pci.Device, firmwarePath string, logger *log.Logger, clock Clock) (Result, *dma.Buffer, error) {
	powerUp(dev, clock, logger)

	fwBuf, err := firmware.Load(firmwarePath)
	if err != nil {
		return Result{}, nil, err
	}

	if err := publishAddress(dev, fwBuf); err != nil {
		diag.Dump(dev, logger)
		fwBuf.Free()
		return Result{}, nil, err
	}

	result, err := triggerAndWait(dev, fwBuf, clock, logger)
	if err != nil {
		diag.Dump(dev, logger)
		// The doorbell has already been rung by this point: the device
		// may be reading fwBuf right now. It is not ours to free.
		return result, fwBuf, err
	}
	return result, fwBuf, nil
}

// powerUp is phase 1. A power-poll timeout is logged but not fatal: some
// silicon revisions report power indirectly.
func powerUp(dev *pci.Device, clock Clock, logger *log.Logger) {
	m := dev.MMIO
	startStatus := m.Read32(regs.FWStatus)
	logger.Printf("boot: power-up starting, firmware status %#010x", startStatus)

	m.Write32(regs.D0i3Control, 0)
	clock.Sleep(regs.D0i3ExitDelayMS * time.Millisecond)

	m.Write32(regs.ClockEnable, 1)
	clock.Sleep(regs.ClockEnableDelayMS * time.Millisecond)

	// Clock-then-reset ordering is mandatory: reversing it leaves the
	// tile in an undefined state.
	m.Write32(regs.ResetClear, 1)
	clock.Sleep(regs.ResetClearDelayMS * time.Millisecond)

	poll := mmioPollUntilPowered(m, clock)
	if poll.TimedOut {
		logger.Printf("boot: power-poll timed out after %dms (non-fatal, some revisions report power indirectly)", regs.PowerPollTimeoutMS)
	}

	fuse := m.Read32(regs.TileFuse)
	logger.Printf("boot: tile fuse %#010x", fuse)

	// Interrupts stay masked: firmware is not loaded yet and a spurious
	// interrupt here would fire against nothing.
}

func mmioPollUntilPowered(m *mmio.Region, clock Clock) pollOutcome {
	start := clock.Now()
	for {
		v := m.Read32(regs.ButtressStatus)
		if v&regs.ButtressPoweredBit != 0 {
			return pollOutcome{Value: v}
		}
		if clock.Now().Sub(start) >= regs.PowerPollTimeoutMS*time.Millisecond {
			return pollOutcome{Value: v, TimedOut: true}
		}
		clock.Sleep(regs.PowerPollIntervalMS * time.Millisecond)
	}
}

type pollOutcome struct {
	Value    uint32
	TimedOut bool
}

// publishAddress is phase 3: write the firmware buffer's physical
// address and read it back. A mismatch is a hard error and is not
// followed by a doorbell ring.
func publishAddress(dev *pci.Device, fwBuf *dma.Buffer) error {
	m := dev.MMIO
	lo, hi := fwBuf.PhysLo(), fwBuf.PhysHi()
	m.Write32(regs.FWLoadAddrLo, lo)
	m.Write32(regs.FWLoadAddrHi, hi)
	gotLo := m.Read32(regs.FWLoadAddrLo)
	gotHi := m.Read32(regs.FWLoadAddrHi)
	if gotLo != lo || gotHi != hi {
		return &ErrAddressReadbackMismatch{WroteLo: lo, WroteHi: hi, GotLo: gotLo, GotHi: gotHi}
	}
	return nil
}

// triggerAndWait is phase 4: unmask interrupts, ring the doorbell, and
// run the status poll loop with the nudge back-off schedule defined
// verbatim in spec.md §4.5.
func triggerAndWait(dev *pci.Device, fwBuf *dma.Buffer, clock Clock, logger *log.Logger) (Result, error) {
	m := dev.MMIO

	// Interrupts are only safe to unmask now that firmware staging and
	// address publish are both done.
	m.Write32(regs.GlobalIntMask, 0)
	m.Write32(regs.IPCIntMask, 0)

	ringDoorbell(m)
	clock.Sleep(regs.InitialNudgeDelayMS * time.Millisecond)

	deadline := clock.Now().Add(regs.FWBootTimeoutMS * time.Millisecond)
	nudgeCount := 0
	for {
		raw := m.Read32(regs.FWStatus)
		status := regs.DecodeStatus(raw)

		if bc := m.Read32(regs.BootCounter); bc > regs.BootCounterWarnAbove {
			logger.Printf("boot: boot counter %d exceeds warning threshold; device may be looping internally", bc)
		}

		switch status {
		case regs.StatusReady:
			fwver := m.Read32(regs.FWVersion)
			return Result{Kind: Ready, FWVersion: fwver}, nil
		case regs.StatusDead:
			return Result{}, &ErrFirmwareDead{}
		case regs.StatusBadImage:
			return Result{}, &ErrFirmwareBadImage{}
		case regs.StatusStalled:
			nudgeCount++
			if nudgeCount > regs.MaxNudges {
				return Result{}, &ErrNudgeExhausted{Attempts: nudgeCount}
			}
			ringDoorbell(m)
			clock.Sleep(time.Duration(regs.NudgeBackoffUnitMS*(nudgeCount+1)) * time.Millisecond)
		case regs.StatusBooting, regs.StatusInitialising:
			clock.Sleep(regs.BootingPollDelayMS * time.Millisecond)
		case regs.StatusUninitialized:
			clock.Sleep(regs.UninitPollDelayMS * time.Millisecond)
		default:
			clock.Sleep(regs.OtherStatusDelayMS * time.Millisecond)
		}

		if clock.Now().After(deadline) {
			return Result{}, &ErrTimeout{LastStatus: status}
		}
	}
}

// ringDoorbell writes only the trigger bit. Writing bit 0 is a no-op on
// real silicon — a common reverse-engineering pitfall this driver avoids
// by construction.
func ringDoorbell(m *mmio.Region) {
	m.Write32(regs.Doorbell, regs.DoorbellTriggerBit)
}
