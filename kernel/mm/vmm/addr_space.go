package vmm

import (
	"nucleos/kernel"
	"nucleos/kernel/mm"

	"go.uber.org/zap"
)

// Region describes a demand-zero range of pages. Pages inside a region are
// backed by a zeroed frame the first time they are touched.
type Region struct {
	Start uintptr
	Pages uintptr
	Perm  Perm
}

// End returns the first address past the region.
func (r Region) End() uintptr {
	return r.Start + r.Pages<<mm.PageShift
}

func (r Region) contains(virtAddr uintptr) bool {
	return virtAddr >= r.Start && virtAddr-r.Start < r.Pages<<mm.PageShift
}

func (r Region) overlaps(start, pages uintptr) bool {
	return start < r.End() && r.Start < start+pages<<mm.PageShift
}

// AddressSpace is a virtual to physical translation context rooted at a
// single top-level page table. It owns its page tables, the frames mapped
// into it and its demand-zero regions.
type AddressSpace struct {
	id     uint32
	kernel bool
	root   mm.Frame

	// tables tracks the number of present entries in each page table
	// owned by the space.
	tables map[mm.Frame]int

	regions   []Region
	destroyed bool
}

// ID returns the address space identifier.
func (s *AddressSpace) ID() uint32 {
	return s.id
}

// Root returns the frame holding the top-level page table.
func (s *AddressSpace) Root() mm.Frame {
	return s.root
}

// IsKernel returns true for the kernel address space.
func (s *AddressSpace) IsKernel() bool {
	return s.kernel
}

// Regions returns the demand-zero regions of the space.
func (s *AddressSpace) Regions() []Region {
	return append([]Region(nil), s.regions...)
}

// contains returns true if the page-aligned range [virtAddr, virtAddr +
// pages*PageSize) lies inside the part of the address space the space may
// map.
func (s *AddressSpace) contains(virtAddr, pages uintptr) bool {
	if pages == 0 || mm.PageOffset(virtAddr) != 0 || pages > (^uintptr(0))>>mm.PageShift {
		return false
	}

	last := virtAddr + pages<<mm.PageShift - 1
	if last < virtAddr {
		return false
	}

	if s.kernel {
		return virtAddr >= KernelSpaceStart
	}
	return virtAddr >= UserSpaceStart && last < UserSpaceEnd
}

func (s *AddressSpace) regionFor(virtAddr uintptr) *Region {
	for i := range s.regions {
		if s.regions[i].contains(virtAddr) {
			return &s.regions[i]
		}
	}
	return nil
}

// newSpace allocates a root table for a new address space.
func (m *Manager) newSpace(kernelSpace bool) (*AddressSpace, *kernel.Error) {
	space := &AddressSpace{
		id:     m.nextID,
		kernel: kernelSpace,
		tables: make(map[mm.Frame]int),
	}

	root, err := m.allocTable(space)
	if err != nil {
		return nil, err
	}

	space.root = root
	m.nextID++
	return space, nil
}

func (m *Manager) checkSpace(space *AddressSpace) *kernel.Error {
	if space == nil || space.destroyed {
		return errSpaceDestroyed
	}
	return nil
}

// NewAddressSpace creates an empty user address space. The kernel slot is
// shared with the kernel space so kernel mappings remain reachable after
// switching to it.
func (m *Manager) NewAddressSpace() (*AddressSpace, *kernel.Error) {
	space, err := m.newSpace(false)
	if err != nil {
		return nil, err
	}

	if err = m.setEntry(space.root, kernelSlot, m.kernelP3, mm.FlagPresent|mm.FlagRW); err != nil {
		m.releaseTable(space, space.root)
		return nil, err
	}
	space.tables[space.root]++

	m.logger.Debug("address space created", zap.Uint32("id", space.id))
	return space, nil
}

// SwitchAddressSpace activates space. Loading the root table flushes every
// cached translation.
func (m *Manager) SwitchAddressSpace(space *AddressSpace) *kernel.Error {
	if err := m.checkSpace(space); err != nil {
		return err
	}

	m.mmu.SwitchPDT(space.root.Address())
	m.active = space
	return nil
}

// DestroyAddressSpace releases every frame owned by space: mapped frames,
// intermediate tables and the root table. The kernel space and the active
// space cannot be destroyed.
func (m *Manager) DestroyAddressSpace(space *AddressSpace) *kernel.Error {
	switch {
	case space == nil || space.destroyed:
		return errSpaceDestroyed
	case space.kernel:
		return errKernelSpace
	case space == m.active:
		return errActiveSpace
	}

	if err := m.releaseTree(space, space.root, 0); err != nil {
		return err
	}

	space.regions = nil
	space.destroyed = true
	m.logger.Debug("address space destroyed", zap.Uint32("id", space.id))
	return nil
}

// releaseTree frees the frames reachable from table. The shared kernel slot
// is skipped.
func (m *Manager) releaseTree(space *AddressSpace, table mm.Frame, level int) *kernel.Error {
	for index := uintptr(0); index < mm.EntriesPerTable; index++ {
		if level == 0 && index == kernelSlot {
			continue
		}

		pte, err := m.readEntry(table, index)
		if err != nil {
			return err
		}
		if !pte.HasFlags(mm.FlagPresent) {
			continue
		}

		if level < mm.PageLevels-1 {
			if err = m.releaseTree(space, pte.Frame(), level+1); err != nil {
				return err
			}
			continue
		}

		if frame := pte.Frame(); m.owners[frame] == space {
			delete(m.owners, frame)
			m.freeFrame(frame)
		}
	}

	m.releaseTable(space, table)
	return nil
}

// Reserve registers a demand-zero region of pages starting at virtAddr.
// No memory is allocated until the pages are touched.
func (m *Manager) Reserve(space *AddressSpace, virtAddr, pages uintptr, perm Perm) *kernel.Error {
	if err := m.checkSpace(space); err != nil {
		return err
	}

	if !space.contains(virtAddr, pages) || pages > MaxRegionPages {
		return ErrInvalidAddress
	}

	for _, region := range space.regions {
		if region.overlaps(virtAddr, pages) {
			return ErrAlreadyMapped
		}
	}

	for i := uintptr(0); i < pages; i++ {
		_, mapped, err := m.lookup(space, virtAddr+i<<mm.PageShift)
		if err != nil {
			return err
		}
		if mapped {
			return ErrAlreadyMapped
		}
	}

	space.regions = append(space.regions, Region{Start: virtAddr, Pages: pages, Perm: perm})
	return nil
}

// Release removes the demand-zero regions overlapping the supplied range,
// splitting regions that extend beyond it, and unmaps any page in the range.
// ErrInvalidMapping is returned if the range contains neither a region nor a
// mapping.
func (m *Manager) Release(space *AddressSpace, virtAddr, pages uintptr) *kernel.Error {
	if err := m.checkSpace(space); err != nil {
		return err
	}

	if !space.contains(virtAddr, pages) || pages > MaxRegionPages {
		return ErrInvalidAddress
	}

	var (
		released bool
		end      = virtAddr + pages<<mm.PageShift
		kept     []Region
	)

	for _, region := range space.regions {
		if !region.overlaps(virtAddr, pages) {
			kept = append(kept, region)
			continue
		}

		released = true
		if region.Start < virtAddr {
			kept = append(kept, Region{Start: region.Start, Pages: (virtAddr - region.Start) >> mm.PageShift, Perm: region.Perm})
		}
		if regionEnd := region.End(); regionEnd > end {
			kept = append(kept, Region{Start: end, Pages: (regionEnd - end) >> mm.PageShift, Perm: region.Perm})
		}
	}
	space.regions = kept

	for page := virtAddr; page < end; page += mm.PageSize {
		switch err := m.Unmap(space, page); err {
		case nil:
			released = true
		case ErrInvalidMapping:
		default:
			return err
		}
	}

	if !released {
		return ErrInvalidMapping
	}
	return nil
}
