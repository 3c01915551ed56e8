package vmm

import (
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the table being visited and the
// entry that translates the walked address. Changes made to pte are written
// back. The walker returns false to abort the walk.
type pageTableWalker func(level int, table mm.Frame, pte *mm.PageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// root. The walk descends into the next level only while the visited entry
// is present.
func (m *Manager) walk(root mm.Frame, virtAddr uintptr, walkFn pageTableWalker) *kernel.Error {
	table := root
	for level := 0; level < mm.PageLevels; level++ {
		entryAddr := entryAddress(table, mm.TableIndex(virtAddr, level))

		raw, err := cpu.ReadUint64(m.bus, entryAddr)
		if err != nil {
			return err
		}

		pte := mm.PageTableEntry(raw)
		ok := walkFn(level, table, &pte)
		if uint64(pte) != raw {
			if err = cpu.WriteUint64(m.bus, entryAddr, uint64(pte)); err != nil {
				return err
			}
		}

		if !ok || !pte.HasFlags(mm.FlagPresent) {
			return nil
		}
		table = pte.Frame()
	}

	return nil
}

// lookup returns the leaf entry that translates virtAddr in space. The
// returned bool is false if no present leaf exists.
func (m *Manager) lookup(space *AddressSpace, virtAddr uintptr) (mm.PageTableEntry, bool, *kernel.Error) {
	var (
		leaf  mm.PageTableEntry
		found bool
		err   *kernel.Error
	)

	walkErr := m.walk(space.root, virtAddr, func(level int, _ mm.Frame, pte *mm.PageTableEntry) bool {
		if level == mm.PageLevels-1 {
			leaf, found = *pte, pte.HasFlags(mm.FlagPresent)
			return false
		}

		if pte.HasFlags(mm.FlagPresent | mm.FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}
		return true
	})

	if walkErr != nil {
		return 0, false, walkErr
	}
	return leaf, found, err
}

// allocTable allocates a zeroed page table owned by space.
func (m *Manager) allocTable(space *AddressSpace) (mm.Frame, *kernel.Error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	if err = cpu.Memset(m.bus, frame.Address(), 0, mm.PageSize); err != nil {
		m.freeFrame(frame)
		return mm.InvalidFrame, err
	}

	m.owners[frame] = space
	space.tables[frame] = 0
	return frame, nil
}

// releaseTable returns a page table frame owned by space to the allocator.
func (m *Manager) releaseTable(space *AddressSpace, table mm.Frame) {
	delete(space.tables, table)
	delete(m.owners, table)
	m.freeFrame(table)
}

// setEntry overwrites the entry at index in table.
func (m *Manager) setEntry(table mm.Frame, index uintptr, frame mm.Frame, flags mm.PageTableEntryFlag) *kernel.Error {
	var pte mm.PageTableEntry
	if frame.Valid() {
		pte.SetFrame(frame)
		pte.SetFlags(flags)
	}
	return cpu.WriteUint64(m.bus, entryAddress(table, index), uint64(pte))
}

func (m *Manager) readEntry(table mm.Frame, index uintptr) (mm.PageTableEntry, *kernel.Error) {
	raw, err := cpu.ReadUint64(m.bus, entryAddress(table, index))
	return mm.PageTableEntry(raw), err
}

// pinned returns true for tables that must survive even when empty: the
// root of each space and the shared kernel slot table.
func (m *Manager) pinned(space *AddressSpace, table mm.Frame) bool {
	return table == space.root || table == m.kernelP3
}

func entryAddress(table mm.Frame, index uintptr) uintptr {
	return table.Address() + (index << mm.PointerShift)
}
