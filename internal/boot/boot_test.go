package boot

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vpudrv.dev/core/internal/firmware"
	"vpudrv.dev/core/internal/pci"
	"vpudrv.dev/core/internal/regs"
)

// fakeClock advances only when Sleep is called, so a full boot sequence
// with multi-second timeouts runs in microseconds.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

// frozenClock never advances, so the firmware-ready deadline never
// expires.
type frozenClock struct {
	now time.Time
}

func (c *frozenClock) Now() time.Time      { return c.now }
func (c *frozenClock) Sleep(time.Duration) {}

func newSimDevice(t *testing.T) *pci.Device {
	t.Helper()
	id := regs.Supported[0]
	return pci.NewSimulated(id.Vendor, id.Device, nil)
}

func validFirmwarePath(t *testing.T) string {
	t.Helper()
	data := append([]byte{}, firmware.Magic[:]...)
	data = append(data, []byte("test-image")...)
	path := filepath.Join(t.TempDir(), "fw.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newDiscardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// The sim backend has no device-side actor, so the firmware status
// register is set to its terminal value before execute is called, so the
// first status read in triggerAndWait (after the initial nudge delay)
// already observes it.
func TestExecuteReachesReady(t *testing.T) {
	dev := newSimDevice(t)
	defer dev.Close()
	dev.MMIO.Write32(regs.ButtressStatus, regs.ButtressPoweredBit)
	dev.MMIO.Write32(regs.FWStatus, regs.StatusReady)
	dev.MMIO.Write32(regs.FWVersion, 0x00010002)

	clock := &fakeClock{now: time.Unix(0, 0)}
	logger := newDiscardLogger()
	result, fwBuf, err := execute(dev, validFirmwarePath(t), logger, clock)
	if err != nil {
		t.Fatal(err)
	}
	defer fwBuf.Free()
	if result.Kind != Ready {
		t.Fatalf("Kind = %v, want Ready", result.Kind)
	}
	if result.FWVersion != 0x00010002 {
		t.Fatalf("FWVersion = %#x, want 0x00010002", result.FWVersion)
	}
}

func TestExecuteFirmwareDead(t *testing.T) {
	dev := newSimDevice(t)
	defer dev.Close()
	dev.MMIO.Write32(regs.ButtressStatus, regs.ButtressPoweredBit)
	dev.MMIO.Write32(regs.FWStatus, regs.StatusDead)

	clock := &fakeClock{now: time.Unix(0, 0)}
	_, fwBuf, err := execute(dev, validFirmwarePath(t), newDiscardLogger(), clock)
	if _, ok := err.(*ErrFirmwareDead); !ok {
		t.Fatalf("err = %T, want *ErrFirmwareDead", err)
	}
	// The doorbell has already rung by the time the dead status is
	// observed: the buffer is the caller's to keep, not free.
	if fwBuf == nil {
		t.Fatal("expected non-nil firmware buffer on post-doorbell failure")
	}
	fwBuf.Free()
}

func TestExecuteFirmwareBadImage(t *testing.T) {
	dev := newSimDevice(t)
	defer dev.Close()
	dev.MMIO.Write32(regs.ButtressStatus, regs.ButtressPoweredBit)
	dev.MMIO.Write32(regs.FWStatus, regs.StatusBadImage)

	clock := &fakeClock{now: time.Unix(0, 0)}
	_, fwBuf, err := execute(dev, validFirmwarePath(t), newDiscardLogger(), clock)
	if _, ok := err.(*ErrFirmwareBadImage); !ok {
		t.Fatalf("err = %T, want *ErrFirmwareBadImage", err)
	}
	fwBuf.Free()
}

func TestExecuteNudgesOnStalledThenReady(t *testing.T) {
	dev := newSimDevice(t)
	defer dev.Close()
	dev.MMIO.Write32(regs.ButtressStatus, regs.ButtressPoweredBit)
	dev.MMIO.Write32(regs.FWStatus, regs.StatusStalled)

	// recoveringClock mutates the device to Ready on its 6th sleep: the
	// first 4 are the three power-up delays and the initial nudge delay,
	// the next 2 are nudge back-offs, exercising the nudge path without a
	// real device-side actor.
	clock := &recoveringClock{dev: dev, recoverAfter: 6, now: time.Unix(0, 0)}
	result, fwBuf, err := execute(dev, validFirmwarePath(t), newDiscardLogger(), clock)
	if err != nil {
		t.Fatal(err)
	}
	defer fwBuf.Free()
	if result.Kind != Ready {
		t.Fatalf("Kind = %v, want Ready", result.Kind)
	}
	if clock.sleeps < 6 {
		t.Fatalf("expected at least 6 sleeps (4 fixed delays + 2 nudges), got %d", clock.sleeps)
	}
}

func TestExecuteNudgeExhausted(t *testing.T) {
	dev := newSimDevice(t)
	defer dev.Close()
	dev.MMIO.Write32(regs.ButtressStatus, regs.ButtressPoweredBit)
	dev.MMIO.Write32(regs.FWStatus, regs.StatusStalled)

	// With a clock that advances, the five back-offs (600+900+1200+1500+
	// 1800ms) outlast the 5000ms deadline and the loop ends in ErrTimeout;
	// a frozen clock leaves the nudge cap as the only way out.
	clock := &frozenClock{now: time.Unix(0, 0)}
	_, fwBuf, err := execute(dev, validFirmwarePath(t), newDiscardLogger(), clock)
	if _, ok := err.(*ErrNudgeExhausted); !ok {
		t.Fatalf("err = %T, want *ErrNudgeExhausted", err)
	}
	fwBuf.Free()
}

func TestExecuteTimeout(t *testing.T) {
	dev := newSimDevice(t)
	defer dev.Close()
	dev.MMIO.Write32(regs.ButtressStatus, regs.ButtressPoweredBit)
	dev.MMIO.Write32(regs.FWStatus, regs.StatusBooting)

	clock := &fakeClock{now: time.Unix(0, 0)}
	_, fwBuf, err := execute(dev, validFirmwarePath(t), newDiscardLogger(), clock)
	if _, ok := err.(*ErrTimeout); !ok {
		t.Fatalf("err = %T, want *ErrTimeout", err)
	}
	fwBuf.Free()
}

// The simulated BAR0 is ordinary memory, so every write reads back; this
// confirms the matching path that every other scenario above relies on.
// The mismatch branch of publishAddress is not exercised here.
func TestPublishAddressReadbackMatches(t *testing.T) {
	dev := newSimDevice(t)
	defer dev.Close()
	dev.MMIO.Write32(regs.ButtressStatus, regs.ButtressPoweredBit)
	fwBuf, err := firmware.Load(validFirmwarePath(t))
	if err != nil {
		t.Fatal(err)
	}
	defer fwBuf.Free()

	if err := publishAddress(dev, fwBuf); err != nil {
		t.Fatalf("expected matching readback on an honest simulated region, got %v", err)
	}
}

// recoveringClock sleeps normally but, after a configured number of
// sleeps, flips the device's firmware status to Ready so a nudge loop
// can observe forward progress exactly once real hardware would.
type recoveringClock struct {
	dev          *pci.Device
	recoverAfter int
	now          time.Time
	sleeps       int
}

func (c *recoveringClock) Now() time.Time { return c.now }

func (c *recoveringClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
	c.sleeps++
	if c.sleeps == c.recoverAfter {
		c.dev.MMIO.Write32(regs.FWStatus, regs.StatusReady)
		c.dev.MMIO.Write32(regs.FWVersion, 1)
	}
}
