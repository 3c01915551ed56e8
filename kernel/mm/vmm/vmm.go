// Package vmm builds and maintains the page tables that describe each
// address space, keeps the frame ownership ledger and resolves page faults.
package vmm

import (
	"fmt"
	"io"

	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mm"

	"go.uber.org/zap"
)

// Address space layout.
const (
	// UserSpaceStart is the lowest address a user space may map. The null
	// page is never mapped.
	UserSpaceStart = uintptr(0x1000)

	// UserSpaceEnd is the first address past the lower canonical half.
	UserSpaceEnd = uintptr(0x0000800000000000)

	// KernelSpaceStart is the start of the top 512G slot of the address
	// space. Mappings above this address are shared by every space.
	KernelSpaceStart = uintptr(0xffffff8000000000)

	// kernelSlot is the root table index that maps the kernel slot.
	kernelSlot = mm.EntriesPerTable - 1

	// maxPhysAddr is the highest physical address a page table entry can
	// encode.
	maxPhysAddr = uintptr(1<<52 - 1)

	// MaxRegionPages caps the size of a demand-zero region.
	MaxRegionPages = uintptr(1 << 18)
)

var (
	// ErrAlreadyMapped is returned when mapping an address that already
	// has a translation without requesting an update.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrInvalidAddress is returned for misaligned or out of range
	// virtual or physical addresses.
	ErrInvalidAddress = &kernel.Error{Module: "vmm", Message: "invalid address"}

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrFrameOwned is returned when a frame is already owned by a mapping
	// or a page table.
	ErrFrameOwned = &kernel.Error{Module: "vmm", Message: "frame is owned by another mapping"}

	errNoHugePageSupport  = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
	errKernelSpace        = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be destroyed"}
	errActiveSpace        = &kernel.Error{Module: "vmm", Message: "the active address space cannot be destroyed"}
	errSpaceDestroyed     = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}
)

// MMU is the subset of CPU operations that manipulate address translation.
type MMU interface {
	// SwitchPDT loads the root table address into CR3 and flushes the TLB.
	SwitchPDT(pdtPhysAddr uintptr)

	// ActivePDT returns the root table address in CR3.
	ActivePDT() uintptr

	// FlushTLBEntry invalidates the cached translation for virtAddr.
	FlushTLBEntry(virtAddr uintptr)

	// ReadCR2 returns the address that caused the last page fault.
	ReadCR2() uint64
}

// FrameSource is the physical frame allocator used by the Manager.
type FrameSource interface {
	mm.FrameAllocator

	// Managed returns true if frame belongs to the allocator's pools.
	Managed(frame mm.Frame) bool

	// Allocated returns true if frame is managed and not free.
	Allocated(frame mm.Frame) bool
}

// Perm describes the access permissions of a mapping.
type Perm uint8

// Supported permissions. Read is implied by every mapping.
const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser
)

// flags converts a permission set into page table entry flags.
func (p Perm) flags() mm.PageTableEntryFlag {
	flags := mm.FlagPresent
	if p&PermWrite != 0 {
		flags |= mm.FlagRW
	}
	if p&PermUser != 0 {
		flags |= mm.FlagUserAccessible
	}
	if p&PermExec == 0 {
		flags |= mm.FlagNoExecute
	}
	return flags
}

// permFromEntry recovers the permission set encoded in a page table entry.
func permFromEntry(pte mm.PageTableEntry) Perm {
	perm := PermRead
	if pte.HasFlags(mm.FlagRW) {
		perm |= PermWrite
	}
	if pte.HasFlags(mm.FlagUserAccessible) {
		perm |= PermUser
	}
	if !pte.HasFlags(mm.FlagNoExecute) {
		perm |= PermExec
	}
	return perm
}

// MapOption modifies the behavior of Map.
type MapOption uint8

const (
	// MapUpdate replaces an existing translation instead of failing with
	// ErrAlreadyMapped. The previously mapped frame is released.
	MapUpdate MapOption = 1 << iota
)

// Config contains the collaborators of a Manager.
type Config struct {
	MMU    MMU
	Bus    cpu.Bus
	Frames FrameSource

	// Logger receives diagnostic messages; a nop logger is used if nil.
	Logger *zap.Logger

	// FaultOutput receives the report printed for unrecoverable faults;
	// it is discarded if nil.
	FaultOutput io.Writer
}

// Manager implements the memory management operations for every address
// space. It owns the frame ownership ledger: each frame handed out by the
// allocator is owned by at most one address space, either as a page table
// or as the target of a single mapping.
type Manager struct {
	mmu    MMU
	bus    cpu.Bus
	frames FrameSource
	logger *zap.Logger
	out    io.Writer

	owners map[mm.Frame]*AddressSpace

	kernelSpace *AddressSpace
	kernelP3    mm.Frame
	active      *AddressSpace

	nextID uint32
	leaked uint64
}

// NewManager creates a Manager and the kernel address space. The kernel
// space is not activated.
func NewManager(cfg Config) (*Manager, *kernel.Error) {
	m := &Manager{
		mmu:    cfg.MMU,
		bus:    cfg.Bus,
		frames: cfg.Frames,
		logger: cfg.Logger,
		out:    cfg.FaultOutput,
		owners: make(map[mm.Frame]*AddressSpace),
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.out == nil {
		m.out = io.Discard
	}

	space, err := m.newSpace(true)
	if err != nil {
		return nil, err
	}

	// The kernel slot table is shared by reference with every user space
	// and owned by the kernel space.
	if m.kernelP3, err = m.allocTable(space); err != nil {
		return nil, err
	}
	if err = m.setEntry(space.root, kernelSlot, m.kernelP3, mm.FlagPresent|mm.FlagRW); err != nil {
		return nil, err
	}
	space.tables[space.root]++

	m.kernelSpace = space
	m.logger.Info("kernel address space created",
		zap.Uintptr("root", space.root.Address()),
		zap.Uintptr("kernel_p3", m.kernelP3.Address()),
	)
	return m, nil
}

// KernelSpace returns the kernel address space.
func (m *Manager) KernelSpace() *AddressSpace {
	return m.kernelSpace
}

// ActiveSpace returns the address space the CPU currently translates
// through or nil if no space has been activated.
func (m *Manager) ActiveSpace() *AddressSpace {
	return m.active
}

// AllocFrame reserves a free physical frame. The frame is not owned by any
// space until it is mapped.
func (m *Manager) AllocFrame() (mm.Frame, *kernel.Error) {
	return m.frames.AllocFrame()
}

// FreeFrame returns an unowned frame to the allocator.
func (m *Manager) FreeFrame(frame mm.Frame) *kernel.Error {
	if _, owned := m.owners[frame]; owned {
		return ErrFrameOwned
	}
	return m.frames.FreeFrame(frame)
}

// Owner returns the address space that owns frame or nil.
func (m *Manager) Owner(frame mm.Frame) *AddressSpace {
	return m.owners[frame]
}

// OwnedFrames returns the number of frames owned by space, including its
// page tables.
func (m *Manager) OwnedFrames(space *AddressSpace) int {
	var count int
	for _, owner := range m.owners {
		if owner == space {
			count++
		}
	}
	return count
}

// LeakedFrames returns the number of frames the allocator refused to take
// back.
func (m *Manager) LeakedFrames() uint64 {
	return m.leaked
}

// freeFrame returns frame to the allocator. A refused frame stays out of
// circulation and is reported.
func (m *Manager) freeFrame(frame mm.Frame) {
	if err := m.frames.FreeFrame(frame); err != nil {
		m.leaked++
		m.logger.Error("frame release failed",
			zap.String("frame", fmt.Sprintf("0x%x", frame.Address())),
			zap.String("err", err.Message),
		)
	}
}

// flush invalidates the cached translation for virtAddr if it can be
// visible to the CPU. Kernel mappings are visible through every space.
func (m *Manager) flush(space *AddressSpace, virtAddr uintptr) {
	if space == m.active || space.kernel {
		m.mmu.FlushTLBEntry(virtAddr)
	}
}

func hasOption(opts []MapOption, opt MapOption) bool {
	for _, o := range opts {
		if o&opt != 0 {
			return true
		}
	}
	return false
}
