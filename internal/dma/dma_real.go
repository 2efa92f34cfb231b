//go:build linux_pci

package dma

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pagemapEntryBits is the width of one /proc/self/pagemap entry.
const pagemapEntryBits = 8

// pfnMask isolates the page-frame-number field of a pagemap entry; bit 63
// is the present bit.
const pfnMask = (1 << 55) - 1
const presentBit = 1 << 63

// New allocates a real, physically contiguous, pinned, uncached-from-the-
// device's-perspective buffer: a hugetlbfs-backed anonymous mapping
// (contiguity is only guaranteed by the kernel within a single huge page,
// which is why allocations are rounded up to the huge page size on this
// backend rather than PageSize), mlock'd so the kernel cannot migrate or
// swap it out from under the device, with its physical base resolved
// through /proc/self/pagemap.
func New(length int) (*Buffer, error) {
	if length <= 0 {
		return nil, ErrZeroSize{}
	}
	const hugePageSize = 2 * 1024 * 1024
	n := (length + hugePageSize - 1) &^ (hugePageSize - 1)
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_HUGETLB|unix.MAP_LOCKED)
	if err != nil {
		return nil, fmt.Errorf("dma: map failed: %w", err)
	}
	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("dma: mlock failed: %w", err)
	}
	phys, err := virtToPhys(uintptr(unsafe.Pointer(&mem[0])))
	if err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("dma: virt-to-phys failed: %w", err)
	}
	b := &Buffer{
		virt: mem,
		phys: phys,
		free: func() { unix.Munlock(mem); unix.Munmap(mem) },
	}
	b.Zero()
	return b, nil
}

// virtToPhys resolves the physical address backing a virtual address by
// reading this process's /proc/self/pagemap entry for the containing
// page.
func virtToPhys(addr uintptr) (uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	pageSize := uintptr(PageSize)
	pageIndex := addr / pageSize
	pageOffset := addr % pageSize

	var entry [pagemapEntryBits]byte
	if _, err := f.ReadAt(entry[:], int64(pageIndex)*pagemapEntryBits); err != nil {
		return 0, err
	}
	raw := binary.LittleEndian.Uint64(entry[:])
	if raw&presentBit == 0 {
		return 0, fmt.Errorf("page at %#x not present", addr)
	}
	pfn := raw & pfnMask
	return uint64(pfn)*uint64(pageSize) + uint64(pageOffset), nil
}
