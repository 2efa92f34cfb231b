// Package firmware loads and validates a firmware image file and stages
// it into a DMA buffer for the boot sequence.
package firmware

import (
	"fmt"
	"os"

	"vpudrv.dev/core/internal/dma"
)

// MaxSize is the firmware image size ceiling. Files larger than this are
// rejected before any DMA allocation is attempted.
const MaxSize = 16 * 1024 * 1024

// Magic is the required first four bytes of a valid firmware image.
var Magic = [4]byte{'V', 'P', 'U', '!'}

// ErrReadFailed wraps a failure to read the firmware file.
type ErrReadFailed struct {
	Path string
	Err  error
}

func (e *ErrReadFailed) Error() string {
	return fmt.Sprintf("firmware: read %s: %v", e.Path, e.Err)
}
func (e *ErrReadFailed) Unwrap() error { return e.Err }

// ErrEmpty is returned for a zero-length firmware file.
type ErrEmpty struct{ Path string }

func (e *ErrEmpty) Error() string { return fmt.Sprintf("firmware: %s is empty", e.Path) }

// ErrBadMagic is returned when the first four bytes are not "VPU!", or
// when the file is too short to contain them.
type ErrBadMagic struct {
	Path string
	Got  []byte
}

func (e *ErrBadMagic) Error() string {
	return fmt.Sprintf("firmware: %s has bad magic %#x, want %#x", e.Path, e.Got, Magic)
}

// ErrTooLarge is returned when the file exceeds MaxSize.
type ErrTooLarge struct {
	Path          string
	Actual, Max int
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("firmware: %s is %d bytes, exceeds max %d", e.Path, e.Actual, e.Max)
}

// Load reads path, validates it, allocates a DMA buffer exactly large
// enough (after page rounding) to hold it, and copies the image in via
// volatile writes. The returned buffer must outlive the device session:
// the hardware continues reading it after the boot sequence completes.
func Load(path string) (*dma.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ErrReadFailed{Path: path, Err: err}
	}
	if len(data) == 0 {
		return nil, &ErrEmpty{Path: path}
	}
	if len(data) > MaxSize {
		return nil, &ErrTooLarge{Path: path, Actual: len(data), Max: MaxSize}
	}
	if len(data) < len(Magic) || [4]byte(data[:4]) != Magic {
		return nil, &ErrBadMagic{Path: path, Got: data[:min(len(data), 4)]}
	}
	buf, err := dma.New(len(data))
	if err != nil {
		return nil, err
	}
	if err := buf.WriteBytes(0, data); err != nil {
		buf.Free()
		return nil, err
	}
	return buf, nil
}
