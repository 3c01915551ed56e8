// Package pmm implements the physical frame allocators. A BootMemAllocator
// serves the few allocations needed to bootstrap a BitmapAllocator, which
// then serves all frame requests while the kernel runs.
package pmm

import (
	"fmt"

	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/multiboot"

	"go.uber.org/zap"
)

var (
	// ErrOutOfMemory is returned when no free frame is left.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrDoubleFree is returned when freeing a frame that is already free.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is already free"}

	// ErrFrameNotManaged is returned for frames outside every pool.
	ErrFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame is not managed by the allocator"}

	errBootAllocFree = &kernel.Error{Module: "boot_mem_alloc", Message: "boot allocator frames cannot be freed"}
	errNoPools       = &kernel.Error{Module: "pmm", Message: "no available memory regions"}
)

// Init sets up the kernel physical memory allocation sub-system. The boot
// allocator supplies the frames holding the bitmap allocator's bookkeeping
// data; those frames and the kernel image are flagged as reserved.
func Init(bus cpu.Bus, info *multiboot.Info, kernelStart, kernelEnd uintptr, logger *zap.Logger) (*BitmapAllocator, *kernel.Error) {
	bootMem := NewBootMemAllocator(info, kernelStart, kernelEnd)
	bootMem.logMemoryMap(logger)

	alloc, err := NewBitmapAllocator(bus, info, bootMem)
	if err != nil {
		return nil, err
	}

	stats := alloc.Stats()
	logger.Info("bitmap allocator ready",
		zap.Int("pools", len(alloc.pools)),
		zap.Uint32("total_frames", stats.TotalFrames),
		zap.Uint32("reserved_frames", stats.ReservedFrames),
		zap.Uint32("free_frames", stats.FreeFrames),
	)
	return alloc, nil
}

func hexRange(start, end uint64) string {
	return fmt.Sprintf("[0x%10x - 0x%10x]", start, end)
}
