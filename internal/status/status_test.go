package status

import (
	"testing"

	"vpudrv.dev/core/internal/pci"
	"vpudrv.dev/core/internal/regs"
)

func TestDecodeKnownCodes(t *testing.T) {
	cases := []struct {
		raw  uint32
		want State
	}{
		{regs.StatusUninitialized, PoweredOff},
		{regs.StatusReady, Ready},
		{regs.StatusDead, Dead},
		{regs.StatusBadImage, Unknown},
		{regs.StatusStalled, Booting},
		{regs.StatusBooting, Booting},
		{regs.StatusInitialising, Booting},
		{0x1234_0000, Unknown},
	}
	for _, c := range cases {
		if got := decode(c.raw); got != c.want {
			t.Errorf("decode(%#x) = %s, want %s", c.raw, got, c.want)
		}
	}
}

func TestPollRecordsTransitionOnChange(t *testing.T) {
	dev := pci.NewSimulated(regs.Supported[0].Vendor, regs.Supported[0].Device, nil)
	defer dev.Close()
	m := New(dev, nil)

	if got := m.Poll(); got != PoweredOff {
		t.Fatalf("initial poll = %s, want powered-off", got)
	}
	if len(m.Transitions()) != 1 {
		t.Fatalf("expected 1 transition after first poll, got %d", len(m.Transitions()))
	}

	dev.MMIO.Write32(regs.FWStatus, regs.StatusReady)
	if got := m.Poll(); got != Ready {
		t.Fatalf("poll after status change = %s, want ready", got)
	}
	if len(m.Transitions()) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(m.Transitions()))
	}

	// Polling again with no change records nothing new.
	m.Poll()
	if len(m.Transitions()) != 2 {
		t.Fatalf("expected transitions to stay at 2, got %d", len(m.Transitions()))
	}
}

func TestInferenceCount(t *testing.T) {
	dev := pci.NewSimulated(regs.Supported[0].Vendor, regs.Supported[0].Device, nil)
	defer dev.Close()
	m := New(dev, nil)
	m.RecordInference()
	m.RecordInference()
	if m.InferenceCount() != 2 {
		t.Fatalf("InferenceCount() = %d, want 2", m.InferenceCount())
	}
}
