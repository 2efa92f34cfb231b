// Package ring implements the fixed-capacity command ring: a DMA buffer
// holding N contiguous 64-byte descriptors, a host-side write index, and
// submission via a doorbell kick.
package ring

import (
	"encoding/binary"
	"fmt"
	"math"

	"vpudrv.dev/core/internal/dma"
	"vpudrv.dev/core/internal/mmio"
	"vpudrv.dev/core/internal/regs"
)

// DescriptorSize is the fixed, packed, little-endian size of one command
// descriptor.
const DescriptorSize = 64

// Opcode selects the operation a descriptor requests.
type Opcode uint32

const (
	OpInfer        Opcode = 1
	OpProfile      Opcode = 2
	OpValidate     Opcode = 3
	OpPowerControl Opcode = 0xF0
)

// Descriptor is the 64-byte command record programmed into the ring.
// Reserved tail bytes are always zero.
type Descriptor struct {
	Opcode Opcode
	Flags  uint32

	ModelAddr   uint64
	ModelLen    uint32
	InputAddr   uint64
	InputLen    uint32
	OutputAddr  uint64
	OutputLen   uint32

	JobID uint32
}

// MarshalBinary encodes d into its fixed 64-byte wire layout (spec.md
// §6).
func (d Descriptor) MarshalBinary() [DescriptorSize]byte {
	var b [DescriptorSize]byte
	le := binary.LittleEndian
	le.PutUint32(b[0:4], uint32(d.Opcode))
	le.PutUint32(b[4:8], d.Flags)
	le.PutUint32(b[8:12], uint32(d.ModelAddr))
	le.PutUint32(b[12:16], uint32(d.ModelAddr>>32))
	le.PutUint32(b[16:20], d.ModelLen)
	le.PutUint32(b[20:24], uint32(d.InputAddr))
	le.PutUint32(b[24:28], uint32(d.InputAddr>>32))
	le.PutUint32(b[28:32], d.InputLen)
	le.PutUint32(b[32:36], uint32(d.OutputAddr))
	le.PutUint32(b[36:40], uint32(d.OutputAddr>>32))
	le.PutUint32(b[40:44], d.OutputLen)
	le.PutUint32(b[44:48], d.JobID)
	// b[48:64] stays zero: reserved.
	return b
}

// ErrZeroCapacity is returned by New for a zero ring capacity.
type ErrZeroCapacity struct{}

func (ErrZeroCapacity) Error() string { return "ring: capacity must be positive" }

// ErrCapacityOverflow is returned by New when capacity*DescriptorSize
// would overflow the platform word.
type ErrCapacityOverflow struct{ Capacity int }

func (e *ErrCapacityOverflow) Error() string {
	return fmt.Sprintf("ring: capacity %d overflows ring byte length", e.Capacity)
}

// ErrBufferTooLarge is returned by Submit when a buffer's length does not
// fit in 32 bits.
type ErrBufferTooLarge struct {
	Which string
	Len   int
}

func (e *ErrBufferTooLarge) Error() string {
	return fmt.Sprintf("ring: %s buffer length %d does not fit in 32 bits", e.Which, e.Len)
}

// ErrQueueFull is reserved for a future consumer-cursor design (spec.md
// §9): the current ring has no device-read-index and never returns this,
// but the type exists so callers can already handle it.
type ErrQueueFull struct{}

func (ErrQueueFull) Error() string { return "ring: queue full" }

// Ring is a fixed-capacity command ring backed by a single DMA buffer
// requested at exactly Capacity*DescriptorSize bytes (dma.New rounds the
// allocation up to a whole page).
type Ring struct {
	buf      *dma.Buffer
	mmio     *mmio.Region
	capacity int

	writeIdx  int
	nextJobID uint32
}

// New allocates a ring of the given positive capacity.
func New(region *mmio.Region, capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, ErrZeroCapacity{}
	}
	if capacity > math.MaxInt/DescriptorSize {
		return nil, &ErrCapacityOverflow{Capacity: capacity}
	}
	buf, err := dma.New(capacity * DescriptorSize)
	if err != nil {
		return nil, err
	}
	return &Ring{buf: buf, mmio: region, capacity: capacity, nextJobID: 1}, nil
}

// Capacity returns the ring's descriptor capacity N.
func (r *Ring) Capacity() int { return r.capacity }

// WriteIndex returns the current host-side write index, 0..Capacity.
func (r *Ring) WriteIndex() int { return r.writeIdx }

// PhysAddr returns the ring's DMA buffer's physical base address, the
// value published to the device's ring-base registers.
func (r *Ring) PhysAddr() uint64 { return r.buf.PhysAddr() }

// Free releases the ring's DMA buffer. Must only be called once the
// device is guaranteed to have stopped reading the ring.
func (r *Ring) Free() { r.buf.Free() }

// Submit builds a descriptor for model/input/output, writes it into the
// next ring slot, rings the doorbell, and returns the assigned job id.
// The ring does not currently track device consumption: submitting to a
// full ring silently overwrites the oldest unread slot (spec.md §4.7,
// §9).
func (r *Ring) Submit(model, input, output *dma.Buffer) (uint32, error) {
	if err := checkLen("model", model.Len()); err != nil {
		return 0, err
	}
	if err := checkLen("input", input.Len()); err != nil {
		return 0, err
	}
	if err := checkLen("output", output.Len()); err != nil {
		return 0, err
	}

	jobID := r.nextJobID
	r.nextJobID++

	desc := Descriptor{
		Opcode:     OpInfer,
		ModelAddr:  model.PhysAddr(),
		ModelLen:   uint32(model.Len()),
		InputAddr:  input.PhysAddr(),
		InputLen:   uint32(input.Len()),
		OutputAddr: output.PhysAddr(),
		OutputLen:  uint32(output.Len()),
		JobID:      jobID,
	}
	wire := desc.MarshalBinary()
	if err := r.buf.WriteBytes(r.writeIdx*DescriptorSize, wire[:]); err != nil {
		return 0, err
	}

	r.writeIdx = (r.writeIdx + 1) % r.capacity
	r.mmio.Write32(regs.Doorbell, regs.DoorbellTriggerBit)

	return jobID, nil
}

func checkLen(which string, n int) error {
	if n < 0 || uint64(n) > math.MaxUint32 {
		return &ErrBufferTooLarge{Which: which, Len: n}
	}
	return nil
}
