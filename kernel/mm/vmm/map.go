package vmm

import (
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mm"
)

// Map establishes a mapping between the page at virtAddr and the physical
// frame at physAddr in space. Missing intermediate tables are allocated and
// owned by space.
//
// Managed frames must have been allocated and must not be owned by another
// mapping; the space takes ownership of them. Frames outside the allocator
// pools (device memory) may only be mapped into the kernel space and are
// never owned.
//
// Map fails with ErrAlreadyMapped if virtAddr is already mapped unless the
// MapUpdate option is given, in which case the previous frame is released.
func (m *Manager) Map(space *AddressSpace, virtAddr, physAddr uintptr, perm Perm, opts ...MapOption) *kernel.Error {
	if err := m.checkSpace(space); err != nil {
		return err
	}

	if !space.contains(virtAddr, 1) || mm.PageOffset(physAddr) != 0 || physAddr > maxPhysAddr {
		return ErrInvalidAddress
	}

	frame := mm.FrameFromAddress(physAddr)
	managed := m.frames.Managed(frame)
	switch {
	case managed && !m.frames.Allocated(frame):
		return ErrInvalidAddress
	case !managed && !space.kernel:
		return ErrInvalidAddress
	}

	prev, mapped, err := m.lookup(space, virtAddr)
	if err != nil {
		return err
	}

	remap := mapped && prev.Frame() == frame
	if mapped && !hasOption(opts, MapUpdate) {
		return ErrAlreadyMapped
	}
	if _, owned := m.owners[frame]; owned && !remap {
		return ErrFrameOwned
	}

	walkErr := m.walk(space.root, virtAddr, func(level int, table mm.Frame, pte *mm.PageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present
		if level == mm.PageLevels-1 {
			if !pte.HasFlags(mm.FlagPresent) {
				space.tables[table]++
			}
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(perm.flags())
			return true
		}

		if pte.HasFlags(mm.FlagPresent | mm.FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(mm.FlagPresent) {
			var newTable mm.Frame
			if newTable, err = m.allocTable(space); err != nil {
				return false
			}

			space.tables[table]++
			*pte = 0
			pte.SetFrame(newTable)
			pte.SetFlags(space.tableFlags())
		}

		return true
	})

	switch {
	case walkErr != nil:
		return walkErr
	case err != nil:
		return err
	}

	if mapped && !remap {
		m.release(space, prev.Frame())
	}
	if managed {
		m.owners[frame] = space
	}

	m.flush(space, virtAddr)
	return nil
}

// tableFlags returns the flags for entries pointing to intermediate tables.
// Access control is enforced by the leaf entries.
func (s *AddressSpace) tableFlags() mm.PageTableEntryFlag {
	if s.kernel {
		return mm.FlagPresent | mm.FlagRW
	}
	return mm.FlagPresent | mm.FlagRW | mm.FlagUserAccessible
}

// release drops the ownership of frame by space and returns it to the
// allocator.
func (m *Manager) release(space *AddressSpace, frame mm.Frame) {
	if m.owners[frame] != space {
		return
	}

	delete(m.owners, frame)
	m.freeFrame(frame)
}

// Unmap removes the mapping for the page at virtAddr. The mapped frame is
// returned to the allocator if it was owned by space. Intermediate tables
// that become empty are released as well.
func (m *Manager) Unmap(space *AddressSpace, virtAddr uintptr) *kernel.Error {
	if err := m.checkSpace(space); err != nil {
		return err
	}

	if !space.contains(virtAddr, 1) {
		return ErrInvalidAddress
	}

	var (
		path  [mm.PageLevels]mm.Frame
		leaf  mm.Frame
		found bool
		err   *kernel.Error
	)

	walkErr := m.walk(space.root, virtAddr, func(level int, table mm.Frame, pte *mm.PageTableEntry) bool {
		path[level] = table

		// If we reached the last level all we need to do is to clear
		// the entry
		if level == mm.PageLevels-1 {
			if found = pte.HasFlags(mm.FlagPresent); found {
				leaf = pte.Frame()
				*pte = 0
			}
			return false
		}

		if pte.HasFlags(mm.FlagPresent | mm.FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	switch {
	case walkErr != nil:
		return walkErr
	case err != nil:
		return err
	case !found:
		return ErrInvalidMapping
	}

	m.flush(space, virtAddr)
	m.release(space, leaf)

	// Walk back up the path releasing tables that are now empty
	for level := mm.PageLevels - 1; level >= 0; level-- {
		table := path[level]
		space.tables[table]--
		if space.tables[table] > 0 || level == 0 || m.pinned(space, table) {
			break
		}

		if err = m.setEntry(path[level-1], mm.TableIndex(virtAddr, level-1), mm.InvalidFrame, 0); err != nil {
			return err
		}
		m.releaseTable(space, table)
	}

	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Manager) Translate(space *AddressSpace, virtAddr uintptr) (uintptr, *kernel.Error) {
	if err := m.checkSpace(space); err != nil {
		return 0, err
	}

	if !mm.IsCanonical(virtAddr) {
		return 0, ErrInvalidMapping
	}

	pte, found, err := m.lookup(space, virtAddr)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + mm.PageOffset(virtAddr), nil
}

// Populate allocates zeroed frames for the page-aligned range starting at
// virtAddr, copies data into them and maps them with perm.
func (m *Manager) Populate(space *AddressSpace, virtAddr uintptr, data []byte, perm Perm) *kernel.Error {
	pages := mm.Size(len(data)).Pages()
	if pages == 0 {
		pages = 1
	}

	if err := m.checkSpace(space); err != nil {
		return err
	}
	if !space.contains(virtAddr, pages) {
		return ErrInvalidAddress
	}

	for i := uintptr(0); i < pages; i++ {
		var chunk []byte
		if offset := i << mm.PageShift; offset < uintptr(len(data)) {
			chunk = data[offset:]
			if uintptr(len(chunk)) > mm.PageSize {
				chunk = chunk[:mm.PageSize]
			}
		}

		if err := m.mapZeroed(space, virtAddr+i<<mm.PageShift, chunk, perm); err != nil {
			return err
		}
	}

	return nil
}

// mapZeroed maps a newly allocated frame at virtAddr after clearing it and
// copying contents to its start.
func (m *Manager) mapZeroed(space *AddressSpace, virtAddr uintptr, contents []byte, perm Perm) *kernel.Error {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return err
	}

	if err = cpu.Memset(m.bus, frame.Address(), 0, mm.PageSize); err == nil && len(contents) != 0 {
		err = m.bus.WritePhys(frame.Address(), contents)
	}
	if err == nil {
		err = m.Map(space, virtAddr, frame.Address(), perm)
	}

	if err != nil {
		m.freeFrame(frame)
		return err
	}
	return nil
}

// CopyIn copies len(dst) bytes from the user memory at virtAddr in space
// into dst. Every page must be user accessible. Untouched pages of
// demand-zero regions are populated.
func (m *Manager) CopyIn(space *AddressSpace, dst []byte, virtAddr uintptr) *kernel.Error {
	return m.copyUser(space, virtAddr, dst, false)
}

// CopyOut copies src to the user memory at virtAddr in space. Every page
// must be user accessible and writable.
func (m *Manager) CopyOut(space *AddressSpace, virtAddr uintptr, src []byte) *kernel.Error {
	return m.copyUser(space, virtAddr, src, true)
}

func (m *Manager) copyUser(space *AddressSpace, virtAddr uintptr, buf []byte, write bool) *kernel.Error {
	if err := m.checkSpace(space); err != nil {
		return err
	}

	if end := virtAddr + uintptr(len(buf)); end < virtAddr || virtAddr < UserSpaceStart || end > UserSpaceEnd {
		return ErrInvalidAddress
	}

	for len(buf) != 0 {
		n := mm.PageSize - mm.PageOffset(virtAddr)
		if n > uintptr(len(buf)) {
			n = uintptr(len(buf))
		}

		physAddr, err := m.userPage(space, virtAddr, write)
		if err != nil {
			return err
		}

		if write {
			err = m.bus.WritePhys(physAddr, buf[:n])
		} else {
			err = m.bus.ReadPhys(physAddr, buf[:n])
		}
		if err != nil {
			return err
		}

		buf = buf[n:]
		virtAddr += n
	}

	return nil
}

// userPage translates virtAddr for a kernel access on behalf of the user,
// applying the same permission checks the MMU would.
func (m *Manager) userPage(space *AddressSpace, virtAddr uintptr, write bool) (uintptr, *kernel.Error) {
	pte, found, err := m.lookup(space, virtAddr)
	if err != nil {
		return 0, err
	}

	if !found {
		if _, err = m.resolveDemand(space, virtAddr); err != nil {
			return 0, err
		}
		if pte, found, err = m.lookup(space, virtAddr); err != nil {
			return 0, err
		}
	}

	perm := permFromEntry(pte)
	if !found || perm&PermUser == 0 || (write && perm&PermWrite == 0) {
		return 0, ErrInvalidAddress
	}
	return pte.Frame().Address() + mm.PageOffset(virtAddr), nil
}

// KernelWrite copies p to the kernel space address virtAddr. Drivers use it
// to access their device memory mappings.
func (m *Manager) KernelWrite(virtAddr uintptr, p []byte) *kernel.Error {
	return m.kernelAccess(virtAddr, p, true)
}

// KernelRead copies len(p) bytes from the kernel space address virtAddr.
func (m *Manager) KernelRead(virtAddr uintptr, p []byte) *kernel.Error {
	return m.kernelAccess(virtAddr, p, false)
}

func (m *Manager) kernelAccess(virtAddr uintptr, p []byte, write bool) *kernel.Error {
	for len(p) != 0 {
		n := mm.PageSize - mm.PageOffset(virtAddr)
		if n > uintptr(len(p)) {
			n = uintptr(len(p))
		}

		if virtAddr < KernelSpaceStart {
			return ErrInvalidAddress
		}

		physAddr, err := m.Translate(m.kernelSpace, virtAddr)
		if err != nil {
			return err
		}

		if write {
			err = m.bus.WritePhys(physAddr, p[:n])
		} else {
			err = m.bus.ReadPhys(physAddr, p[:n])
		}
		if err != nil {
			return err
		}

		p = p[n:]
		virtAddr += n
	}

	return nil
}
