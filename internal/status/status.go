// Package status implements the post-boot health monitor: a strictly
// observational reader of the firmware status register that tracks state
// transitions and exposes read-only diagnostics. It never writes a
// register.
package status

import (
	"fmt"
	"log"
	"time"

	"vpudrv.dev/core/internal/pci"
	"vpudrv.dev/core/internal/regs"
)

// State is the NPU's logical state, derived from the firmware status
// register by masking to the upper 16 bits and mapping the hexspeak
// codes. Busy is reserved for a future runtime indicator distinct from
// the boot-time hexspeak codes; decode never produces it today, matching
// the original driver's decoder.
type State int

const (
	PoweredOff State = iota
	Booting
	Ready
	Dead
	Busy
	Unknown
)

func (s State) String() string {
	switch s {
	case PoweredOff:
		return "powered-off"
	case Booting:
		return "booting"
	case Ready:
		return "ready"
	case Dead:
		return "dead"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// decode maps a raw firmware status register value to a State. Codes
// that don't correspond to a recognized state (including 0x0BAD, which
// the boot sequence treats as a distinct terminal failure but which the
// monitor — observing post-boot — has no special case for) fall through
// to Unknown, carrying the raw value via Transition.Raw.
func decode(raw uint32) State {
	switch raw & regs.FWStatusMask {
	case regs.StatusUninitialized:
		return PoweredOff
	case regs.StatusReady:
		return Ready
	case regs.StatusDead:
		return Dead
	case regs.StatusBooting, regs.StatusInitialising, regs.StatusStalled:
		return Booting
	default:
		return Unknown
	}
}

// Transition records a single observed state change.
type Transition struct {
	At    time.Time
	State State
	Raw   uint32
}

// Monitor observes a device's post-boot health. It is single-owner, like
// every other component here: concurrent Poll calls would race on
// last/history exactly the way concurrent register access would race on
// hardware state.
type Monitor struct {
	dev     *pci.Device
	logger  *log.Logger
	created time.Time

	last    State
	polled  bool
	history []Transition

	inferenceCount uint64
}

// New creates a Monitor over dev. It performs no register access until
// the first Poll.
func New(dev *pci.Device, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{dev: dev, logger: logger, created: time.Now()}
}

// Poll reads the firmware status register, maps it to a State, records a
// Transition whenever the state differs from the last observed one, and
// returns the current state.
func (m *Monitor) Poll() State {
	raw := m.dev.MMIO.Read32(regs.FWStatus)
	s := decode(raw)
	if !m.polled || s != m.last {
		t := Transition{At: time.Now(), State: s, Raw: raw}
		m.history = append(m.history, t)
		if m.polled {
			m.logger.Printf("status: state change %s -> %s (raw=%#010x)", m.last, s, raw)
		}
		m.last = s
		m.polled = true
	}
	return s
}

// LastState returns the most recently observed state without touching
// hardware. It is PoweredOff until the first Poll.
func (m *Monitor) LastState() State { return m.last }

// RawStatus re-reads the firmware status register directly.
func (m *Monitor) RawStatus() uint32 { return m.dev.MMIO.Read32(regs.FWStatus) }

// FWVersion reads the firmware version register. Only meaningful once
// the device has reached Ready.
func (m *Monitor) FWVersion() uint32 { return m.dev.MMIO.Read32(regs.FWVersion) }

// ButtressStatus reads the buttress power status register.
func (m *Monitor) ButtressStatus() uint32 { return m.dev.MMIO.Read32(regs.ButtressStatus) }

// BootCounter reads the advisory boot counter register.
func (m *Monitor) BootCounter() uint32 { return m.dev.MMIO.Read32(regs.BootCounter) }

// Uptime returns the wall-clock time elapsed since the monitor was
// created.
func (m *Monitor) Uptime() time.Duration { return time.Since(m.created) }

// Transitions returns the recorded state-change history, oldest first.
func (m *Monitor) Transitions() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// RecordInference increments the cumulative inference counter. It is
// updated externally by the command ring's submission path; the monitor
// itself never initiates inference.
func (m *Monitor) RecordInference() { m.inferenceCount++ }

// InferenceCount returns the cumulative number of inferences recorded.
func (m *Monitor) InferenceCount() uint64 { return m.inferenceCount }

// Summary renders a short human-readable snapshot, the text the
// external scheme's status resource serves on read.
func (m *Monitor) Summary() string {
	return fmt.Sprintf("state=%s uptime=%s inferences=%d transitions=%d",
		m.last, m.Uptime().Round(time.Millisecond), m.inferenceCount, len(m.history))
}
