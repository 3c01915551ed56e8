package pmm

import (
	"nucleos/kernel"
	"nucleos/kernel/mm"
	"nucleos/multiboot"

	"go.uber.org/zap"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

// BootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator implementation uses the memory region information provided by
// the bootloader to detect free memory blocks and return the next available
// free frame. Allocations are tracked via an internal counter that contains
// the last allocated frame.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the kernel is properly initialized, the allocated
// blocks are handed over to the BitmapAllocator which flags them as reserved.
type BootMemAllocator struct {
	info *multiboot.Info

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// NewBootMemAllocator returns an allocator that serves frames from the
// available regions in info, skipping the kernel image located at
// [kernelStart, kernelEnd).
func NewBootMemAllocator(info *multiboot.Info, kernelStart, kernelEnd uintptr) *BootMemAllocator {
	alloc := &BootMemAllocator{info: info}

	// round down kernel start to the nearest page and round up kernel end
	// to the nearest page.
	pageSizeMinus1 := mm.PageSize - 1
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart & ^pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1) & ^pageSizeMinus1)>>mm.PageShift) - 1

	return alloc
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	alloc.info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		// Ignore reserved regions and regions smaller than a single page
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		regionStartFrame, regionEndFrame := regionFrames(region)

		// Skip over already allocated regions
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		switch {
		case alloc.allocCount == 0 || alloc.lastAllocFrame < regionStartFrame:
			// first allocation or the previous allocation came from an
			// earlier region
			alloc.lastAllocFrame = regionStartFrame
		default:
			alloc.lastAllocFrame++
		}

		// Jump over the kernel image if the candidate falls inside it
		if alloc.inKernelImage(alloc.lastAllocFrame) {
			alloc.lastAllocFrame = alloc.kernelEndFrame + 1
		}

		// The above adjustment might push lastAllocFrame outside of the
		// region end (e.g kernel ends at last page in the region)
		if alloc.lastAllocFrame > regionEndFrame {
			return true
		}

		err = nil
		return false
	})

	if err != nil {
		return mm.InvalidFrame, err
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// FreeFrame always fails; frames handed out by the boot allocator are
// reclaimed only through the BitmapAllocator.
func (alloc *BootMemAllocator) FreeFrame(_ mm.Frame) *kernel.Error {
	return errBootAllocFree
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

// allocated returns true if frame was handed out by the allocator.
func (alloc *BootMemAllocator) allocated(frame mm.Frame) bool {
	return alloc.allocCount != 0 && frame <= alloc.lastAllocFrame && !alloc.inKernelImage(frame)
}

func (alloc *BootMemAllocator) inKernelImage(frame mm.Frame) bool {
	return alloc.kernelEndAddr > alloc.kernelStartAddr &&
		frame >= alloc.kernelStartFrame && frame <= alloc.kernelEndFrame
}

// logMemoryMap scans the memory region information provided by the
// bootloader and logs the system's memory map.
func (alloc *BootMemAllocator) logMemoryMap(logger *zap.Logger) {
	var totalFree mm.Size

	logger.Info("system memory map")
	alloc.info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		logger.Info("region",
			zap.String("range", hexRange(region.PhysAddress, region.PhysAddress+region.Length)),
			zap.Uint64("size", region.Length),
			zap.Stringer("type", region.Type),
		)

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})

	logger.Info("available memory", zap.Uint64("kb", uint64(totalFree/mm.Kb)))
	if alloc.kernelEndAddr > alloc.kernelStartAddr {
		logger.Info("kernel image",
			zap.String("range", hexRange(uint64(alloc.kernelStartAddr), uint64(alloc.kernelEndAddr))),
			zap.Uint64("reserved_pages", uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1)),
		)
	}
}

// regionFrames returns the first and last whole frames contained in region.
// Reported addresses may not be page-aligned; round up to get the start frame
// and round down to get the end frame.
func regionFrames(region *multiboot.MemoryMapEntry) (mm.Frame, mm.Frame) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	startFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
	endFrame := mm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1
	return startFrame, endFrame
}
