package pmm

import (
	"encoding/binary"

	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mm"
	"nucleos/multiboot"
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// stackEntrySize is the size of a free stack slot. Slots hold frame indices
// relative to the pool start.
const stackEntrySize = 4

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools.
	freeCount uint32

	// stackTop is the number of entries in the free stack. Once the
	// allocator is built it always equals freeCount.
	stackTop uint32

	// bitmapOffset and stackOffset locate the pool's reservation bitmap and
	// free stack inside the allocator's bookkeeping area. A set bitmap bit
	// marks a reserved frame.
	bitmapOffset, stackOffset uintptr
}

func (pool *framePool) frameCount() uint32 {
	return uint32(pool.endFrame - pool.startFrame + 1)
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. Each pool
// also keeps a stack of free frame indices so that both allocation and
// release run in constant time with respect to the pool size.
//
// The bitmaps and stacks live in physical memory, in frames obtained from the
// boot allocator.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool

	// bookkeeping lists the frames that hold the pool bitmaps and free
	// stacks, in the order they are addressed.
	bus         cpu.Bus
	bookkeeping []mm.Frame
}

// Stats describes the allocator's frame usage.
type Stats struct {
	TotalFrames    uint32
	ReservedFrames uint32
	FreeFrames     uint32
}

// NewBitmapAllocator builds an allocator over the available regions in info.
// Bookkeeping frames are obtained from bootMem; every frame that bootMem has
// handed out, plus the kernel image, is marked as reserved.
func NewBitmapAllocator(bus cpu.Bus, info *multiboot.Info, bootMem *BootMemAllocator) (*BitmapAllocator, *kernel.Error) {
	alloc := &BitmapAllocator{bus: bus}

	if err := alloc.setupPools(info, bootMem); err != nil {
		return nil, err
	}

	if err := alloc.reserveBootFrames(bootMem); err != nil {
		return nil, err
	}
	if err := alloc.buildFreeStacks(); err != nil {
		return nil, err
	}

	return alloc, nil
}

// setupPools detects the available memory regions, calculates their
// bookkeeping requirements and reserves enough frames to hold the data.
func (alloc *BitmapAllocator) setupPools(info *multiboot.Info, bootMem *BootMemAllocator) *kernel.Error {
	var requiredBitmapBytes uintptr

	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		startFrame, endFrame := regionFrames(region)
		if endFrame < startFrame || !endFrame.Valid() {
			return true
		}

		pool := framePool{startFrame: startFrame, endFrame: endFrame}
		pool.freeCount = pool.frameCount()
		alloc.totalPages += pool.frameCount()

		// To represent the free page bitmap we need pageCount bits. The
		// bitmap is accessed as uint64 words so round up the required
		// bits to a multiple of 64.
		pool.bitmapOffset = requiredBitmapBytes
		requiredBitmapBytes += uintptr(((pool.frameCount() + 63) &^ 63) >> 3)

		alloc.pools = append(alloc.pools, pool)
		return true
	})

	if len(alloc.pools) == 0 {
		return errNoPools
	}

	// Free stacks follow the bitmaps
	stackOffset := requiredBitmapBytes
	for i := range alloc.pools {
		alloc.pools[i].stackOffset = stackOffset
		stackOffset += uintptr(alloc.pools[i].frameCount()) * stackEntrySize
	}

	requiredPages := mm.Size(stackOffset).Pages()
	for i := uintptr(0); i < requiredPages; i++ {
		frame, err := bootMem.AllocFrame()
		if err != nil {
			return err
		}

		if err = cpu.Memset(alloc.bus, frame.Address(), 0, mm.PageSize); err != nil {
			return err
		}
		alloc.bookkeeping = append(alloc.bookkeeping, frame)
	}

	return nil
}

// reserveBootFrames flags the frames allocated by the boot allocator and the
// frames occupied by the kernel image as reserved.
func (alloc *BitmapAllocator) reserveBootFrames(bootMem *BootMemAllocator) *kernel.Error {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		for frame := pool.startFrame; frame <= pool.endFrame; frame++ {
			if !bootMem.allocated(frame) && !bootMem.inKernelImage(frame) {
				continue
			}
			if err := alloc.markFrame(poolIndex, frame, markReserved); err != nil {
				return err
			}
		}
	}

	return nil
}

// buildFreeStacks pushes every unreserved frame onto its pool's free stack.
// Frames are pushed in descending order so that allocation hands out the
// lowest frames first.
func (alloc *BitmapAllocator) buildFreeStacks() *kernel.Error {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		for frame := pool.endFrame; ; frame-- {
			reserved, err := alloc.isReserved(poolIndex, frame)
			if err != nil {
				return err
			}
			if !reserved {
				if err = alloc.push(pool, frame); err != nil {
					return err
				}
			}

			if frame == pool.startFrame {
				break
			}
		}
	}

	return nil
}

// AllocFrame reserves and returns a physical memory frame. An error will be
// returned if no more memory can be allocated.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.stackTop == 0 {
			continue
		}

		frame, err := alloc.pop(pool)
		if err != nil {
			return mm.InvalidFrame, err
		}

		// The popped slot is left intact so a failed update can put the
		// frame back.
		if err = alloc.markFrame(poolIndex, frame, markReserved); err != nil {
			pool.stackTop++
			return mm.InvalidFrame, err
		}
		return frame, nil
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame previously allocated via a call to AllocFrame.
// Trying to release a frame that is already free results in ErrDoubleFree.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return ErrFrameNotManaged
	}

	reserved, err := alloc.isReserved(poolIndex, frame)
	if err != nil {
		return err
	}
	if !reserved {
		return ErrDoubleFree
	}

	pool := &alloc.pools[poolIndex]
	if err = alloc.push(pool, frame); err != nil {
		return err
	}
	if err = alloc.markFrame(poolIndex, frame, markFree); err != nil {
		pool.stackTop--
		return err
	}
	return nil
}

// Managed returns true if frame belongs to one of the allocator's pools.
func (alloc *BitmapAllocator) Managed(frame mm.Frame) bool {
	return alloc.poolForFrame(frame) >= 0
}

// Allocated returns true if frame is managed and currently reserved.
func (alloc *BitmapAllocator) Allocated(frame mm.Frame) bool {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return false
	}

	reserved, err := alloc.isReserved(poolIndex, frame)
	return err == nil && reserved
}

// Stats returns the current frame usage.
func (alloc *BitmapAllocator) Stats() Stats {
	return Stats{
		TotalFrames:    alloc.totalPages,
		ReservedFrames: alloc.reservedPages,
		FreeFrames:     alloc.totalPages - alloc.reservedPages,
	}
}

// BookkeepingFrames returns the frames holding the allocator's own state.
func (alloc *BitmapAllocator) BookkeepingFrames() []mm.Frame {
	return append([]mm.Frame(nil), alloc.bookkeeping...)
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools (e.g it
// points to a reserved memory region).
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame. The counters are only updated once the
// bitmap word has been written back.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) *kernel.Error {
	pool := &alloc.pools[poolIndex]
	wordAddr, mask := alloc.bitmapWord(pool, frame)

	word, err := alloc.readUint64(wordAddr)
	if err != nil {
		return err
	}

	reserved := word&mask != 0
	if reserved == (flag == markReserved) {
		return nil
	}

	if err = alloc.writeUint64(wordAddr, word^mask); err != nil {
		return err
	}

	if flag == markFree {
		pool.freeCount++
		alloc.reservedPages--
	} else {
		pool.freeCount--
		alloc.reservedPages++
	}
	return nil
}

func (alloc *BitmapAllocator) isReserved(poolIndex int, frame mm.Frame) (bool, *kernel.Error) {
	wordAddr, mask := alloc.bitmapWord(&alloc.pools[poolIndex], frame)
	word, err := alloc.readUint64(wordAddr)
	if err != nil {
		return false, err
	}
	return word&mask != 0, nil
}

// bitmapWord returns the bookkeeping offset of the bitmap word tracking frame
// and the bit mask selecting it.
func (alloc *BitmapAllocator) bitmapWord(pool *framePool, frame mm.Frame) (uintptr, uint64) {
	relFrame := uintptr(frame - pool.startFrame)
	return pool.bitmapOffset + (relFrame>>6)<<3, 1 << (63 - (relFrame & 63))
}

func (alloc *BitmapAllocator) push(pool *framePool, frame mm.Frame) *kernel.Error {
	var buf [stackEntrySize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(frame-pool.startFrame))

	if err := alloc.write(pool.stackOffset+uintptr(pool.stackTop)*stackEntrySize, buf[:]); err != nil {
		return err
	}
	pool.stackTop++
	return nil
}

func (alloc *BitmapAllocator) pop(pool *framePool) (mm.Frame, *kernel.Error) {
	var buf [stackEntrySize]byte
	if err := alloc.read(pool.stackOffset+uintptr(pool.stackTop-1)*stackEntrySize, buf[:]); err != nil {
		return mm.InvalidFrame, err
	}
	pool.stackTop--
	return pool.startFrame + mm.Frame(binary.LittleEndian.Uint32(buf[:])), nil
}

// read and write access the bookkeeping area. Callers never cross a frame
// boundary: bitmap words are 8-byte aligned and stack slots 4-byte aligned.
func (alloc *BitmapAllocator) read(offset uintptr, p []byte) *kernel.Error {
	return alloc.bus.ReadPhys(alloc.bookkeepingAddr(offset), p)
}

func (alloc *BitmapAllocator) write(offset uintptr, p []byte) *kernel.Error {
	return alloc.bus.WritePhys(alloc.bookkeepingAddr(offset), p)
}

func (alloc *BitmapAllocator) readUint64(offset uintptr) (uint64, *kernel.Error) {
	return cpu.ReadUint64(alloc.bus, alloc.bookkeepingAddr(offset))
}

func (alloc *BitmapAllocator) writeUint64(offset uintptr, v uint64) *kernel.Error {
	return cpu.WriteUint64(alloc.bus, alloc.bookkeepingAddr(offset), v)
}

func (alloc *BitmapAllocator) bookkeepingAddr(offset uintptr) uintptr {
	return alloc.bookkeeping[offset>>mm.PageShift].Address() + mm.PageOffset(offset)
}
