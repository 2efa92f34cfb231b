//go:build !linux_pci

package dma

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// New allocates a development/test buffer: ordinary page-aligned heap
// memory obtained via an anonymous mmap, with the virtual address reused
// as a stand-in "physical" address. This backend never talks to real
// silicon; it exists so the boot sequence, command ring, and their tests
// can run on any host.
func New(length int) (*Buffer, error) {
	if length <= 0 {
		return nil, ErrZeroSize{}
	}
	n := roundUpPage(length)
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	phys := uint64(uintptr(unsafe.Pointer(&mem[0])))
	b := &Buffer{
		virt: mem,
		phys: phys,
		free: func() { unix.Munmap(mem) },
	}
	b.Zero()
	return b, nil
}
