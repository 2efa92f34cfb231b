// Package gpio drives an optional power-state indicator LED over a
// single GPIO line, grounded directly on driver/wshat's periph.io usage
// in the teacher corpus. It is entirely optional: hosts without GPIO
// hardware (including every simulator-backed test run) simply skip it.
package gpio

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
	"vpudrv.dev/core/internal/status"
)

// Indicator toggles a GPIO output line to reflect the NPU's logical
// state: on for status.Ready, off otherwise.
type Indicator struct {
	pin gpio.PinIO
}

// Open initializes the periph.io host and opens pinName as an output.
// Callers that don't want GPIO feedback (the default, and every build
// without real hardware) simply never call Open.
func Open(pinName string) (*Indicator, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpio: host init: %w", err)
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("gpio: no such pin %q", pinName)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("gpio: set output: %w", err)
	}
	return &Indicator{pin: pin}, nil
}

// Reflect sets the indicator on for status.Ready and off for every other
// state, including Unknown and Dead.
func (i *Indicator) Reflect(s status.State) error {
	level := gpio.Low
	if s == status.Ready {
		level = gpio.High
	}
	return i.pin.Out(level)
}
