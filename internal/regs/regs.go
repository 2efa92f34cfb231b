// Package regs defines the BAR0-relative register map for the NPU, the
// hexspeak firmware status codes, and the timing constants the boot
// sequence and status monitor are built against. It holds no behavior:
// every value here is a closed, static fact about the silicon.
package regs

// Offset is a byte offset relative to the start of BAR0.
type Offset uint32

// Zones, grouped the way the datasheet groups them: buttress (power and
// clocking control), IPC (interrupts and the doorbell), and host (firmware
// staging and status).
const (
	GlobalIntMask   Offset = 0x00000020 // write 0 to unmask
	GlobalIntStatus Offset = 0x00000024 // read-only
	TileFuse        Offset = 0x00000050 // read-only
	ButtressStatus  Offset = 0x00000114 // bit 0 = powered
	D0i3Control     Offset = 0x00000118 // write 0 to exit low power

	Doorbell      Offset = 0x00073000 // write bit 31 to ring
	IPCIntMask    Offset = 0x00073030 // write 0 to unmask
	ClockEnable   Offset = 0x00080004 // write 1
	ResetClear    Offset = 0x00080014 // write 1
	FWLoadAddrLo  Offset = 0x00080040
	FWLoadAddrHi  Offset = 0x00080044
	FWStatus      Offset = 0x00080060 // hexspeak; mask 0xFFFF0000
	FWVersion     Offset = 0x00080064 // valid after 0xF00D
	BootCounter   Offset = 0x00080068 // advisory

	// GeneralControl is HOST_SS_GEN_CTRL, named in the original
	// implementation's terminal-error diagnostic dump but not enumerated
	// in the distilled register table; restored here (see DESIGN.md).
	GeneralControl Offset = 0x00080000
)

// DoorbellTriggerBit is the only bit of Doorbell real silicon reacts to.
// Writing bit 0 is a documented reverse-engineering trap: it is a no-op.
const DoorbellTriggerBit uint32 = 0x8000_0000

// ButtressPoweredBit is bit 0 of ButtressStatus.
const ButtressPoweredBit uint32 = 0x1

// FWStatusMask isolates the hexspeak code occupying the upper 16 bits of
// FWStatus.
const FWStatusMask uint32 = 0xFFFF0000

// Hexspeak firmware status codes, already shifted into the upper 16 bits
// so they can be compared directly against a value masked with
// FWStatusMask.
const (
	StatusUninitialized uint32 = 0x0000 << 16
	StatusReady         uint32 = 0xF00D << 16
	StatusDead          uint32 = 0xDEAD << 16
	StatusBadImage      uint32 = 0x0BAD << 16
	StatusStalled       uint32 = 0xCAFE << 16
	StatusBooting       uint32 = 0xBEEF << 16
	StatusInitialising  uint32 = 0xFACE << 16
)

// Timing constants, tuned against silicon. Do not treat these as
// placeholders — see spec.md §9 on the nudge back-off schedule.
const (
	D0i3ExitDelayMS      = 10
	ClockEnableDelayMS   = 10
	ResetClearDelayMS    = 50
	PowerPollIntervalMS  = 10
	PowerPollTimeoutMS   = 2000
	InitialNudgeDelayMS  = 300
	NudgeBackoffUnitMS   = 300
	MaxNudges            = 5
	FWBootTimeoutMS      = 5000
	BootingPollDelayMS   = 100
	UninitPollDelayMS    = 50
	OtherStatusDelayMS   = 100
	BootCounterWarnAbove = 100
)

// DeviceIdentity names a supported (vendor, device) PCI pair.
type DeviceIdentity struct {
	Vendor uint16
	Device uint16
	Name   string
}

// Supported is the closed list of (vendor, device) pairs this driver
// recognizes. PCI discovery accepts the first device matching any entry.
var Supported = []DeviceIdentity{
	{Vendor: 0x8086, Device: 0x7D1D, Name: "Meteor Lake NPU"},
	{Vendor: 0x8086, Device: 0xAD1D, Name: "Arrow Lake NPU"},
	{Vendor: 0x8086, Device: 0x6467, Name: "Lunar Lake NPU"},
}

// Lookup returns the human-readable model name for a (vendor, device)
// pair, and whether it is supported.
func Lookup(vendor, device uint16) (name string, ok bool) {
	for _, d := range Supported {
		if d.Vendor == vendor && d.Device == device {
			return d.Name, true
		}
	}
	return "", false
}

// DecodeStatus maps a raw firmware status register value to its hexspeak
// code (still shifted into the upper 16 bits, ready to compare against
// the Status* constants).
func DecodeStatus(raw uint32) uint32 {
	return raw & FWStatusMask
}
