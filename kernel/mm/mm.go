// Package mm defines the physical frame, virtual page and page table entry
// types shared by the physical allocator, the page table code and the MMU.
package mm

import "nucleos/kernel"

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageLevels is the number of paging levels walked by the MMU.
	PageLevels = 4

	// EntriesPerTable is the number of entries in each page table.
	EntriesPerTable = 1 << 9
)

// PageLevelShifts defines the shift required to access each page table
// component of a virtual address. Level 0 is the root (P4) table.
var PageLevelShifts = [PageLevels]uint8{39, 30, 21, 12}

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages required to hold a block of this size.
func (s Size) Pages() uintptr {
	return (uintptr(s) + PageSize - 1) >> PageShift
}

// FrameAllocator is implemented by physical frame allocators.
type FrameAllocator interface {
	// AllocFrame reserves a free physical frame.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a previously reserved frame to the allocator.
	FreeFrame(Frame) *kernel.Error
}

// TableIndex returns the index into the page table at the given level that
// corresponds to virtAddr.
func TableIndex(virtAddr uintptr, level int) uintptr {
	return (virtAddr >> PageLevelShifts[level]) & (EntriesPerTable - 1)
}

// IsCanonical reports whether virtAddr is a canonical 48-bit address, i.e.
// bits 48..63 are copies of bit 47.
func IsCanonical(virtAddr uintptr) bool {
	upper := uint64(virtAddr) >> 47
	return upper == 0 || upper == (1<<17)-1
}
