package cpu

import (
	"nucleos/kernel"
	"nucleos/kernel/gate"
	"nucleos/kernel/mm"
)

type accessKind uint8

const (
	accessRead accessKind = iota
	accessWrite
	accessFetch
)

// tlbEntry caches the result of a successful page walk together with the
// effective permissions accumulated across all paging levels.
type tlbEntry struct {
	frame    mm.Frame
	writable bool
	user     bool
	noExec   bool
}

// allows returns true if the cached permissions allow the requested access.
func (e tlbEntry) allows(kind accessKind, user bool) bool {
	switch {
	case user && !e.user:
		return false
	case kind == accessWrite && !e.writable:
		return false
	case kind == accessFetch && e.noExec:
		return false
	}
	return true
}

// faultCode builds the page fault error code for an access.
func faultCode(kind accessKind, user, present bool) gate.PageFaultCode {
	var code gate.PageFaultCode
	if present {
		code |= gate.PageFaultPresent
	}
	if kind == accessWrite {
		code |= gate.PageFaultWrite
	}
	if user {
		code |= gate.PageFaultUser
	}
	if kind == accessFetch {
		code |= gate.PageFaultFetch
	}
	return code
}

// translate converts a virtual address to a physical address using the
// active page tables. On failure it returns the page fault error code that
// describes the problem.
func (c *CPU) translate(virtAddr uintptr, kind accessKind) (uintptr, gate.PageFaultCode, bool) {
	user := c.privilege() == 3
	page := mm.PageFromAddress(virtAddr)

	if entry, ok := c.tlb[page]; ok {
		if !entry.allows(kind, user) {
			return 0, faultCode(kind, user, true), false
		}
		return entry.frame.Address() + mm.PageOffset(virtAddr), 0, true
	}

	var (
		result   = tlbEntry{writable: true, user: true}
		table    = mm.FrameFromAddress(uintptr(c.cr3))
		pteAddr  uintptr
		pteValue uint64
		err      *kernel.Error
	)

	for level := 0; level < mm.PageLevels; level++ {
		pteAddr = table.Address() + (mm.TableIndex(virtAddr, level) << mm.PointerShift)
		if pteValue, err = ReadUint64(c.bus, pteAddr); err != nil {
			return 0, faultCode(kind, user, false), false
		}

		pte := mm.PageTableEntry(pteValue)
		if !pte.HasFlags(mm.FlagPresent) {
			return 0, faultCode(kind, user, false), false
		}

		if level < mm.PageLevels-1 && pte.HasFlags(mm.FlagHugePage) {
			return 0, faultCode(kind, user, true) | gate.PageFaultReserved, false
		}

		result.writable = result.writable && pte.HasFlags(mm.FlagRW)
		result.user = result.user && pte.HasFlags(mm.FlagUserAccessible)
		result.noExec = result.noExec || pte.HasFlags(mm.FlagNoExecute)
		table = pte.Frame()
	}
	result.frame = table

	if !result.allows(kind, user) {
		return 0, faultCode(kind, user, true), false
	}

	// Update the accessed/dirty bits of the final entry.
	leaf := mm.PageTableEntry(pteValue)
	leaf.SetFlags(mm.FlagAccessed)
	if kind == accessWrite {
		leaf.SetFlags(mm.FlagDirty)
	}
	if uint64(leaf) != pteValue {
		_ = WriteUint64(c.bus, pteAddr, uint64(leaf))
	}

	c.tlb[page] = result
	return result.frame.Address() + mm.PageOffset(virtAddr), 0, true
}

// access performs a memory access of len(buf) bytes at virtAddr. Reads fill
// buf; writes copy buf to memory. If the access faults, the appropriate
// exception is raised and access returns false. Writes are only performed
// after all the pages they touch have been translated.
func (c *CPU) access(virtAddr uintptr, buf []byte, kind accessKind) bool {
	if !mm.IsCanonical(virtAddr) || !mm.IsCanonical(virtAddr+uintptr(len(buf))-1) {
		c.fault(gate.GPFException, 0)
		return false
	}

	type chunk struct {
		phys uintptr
		from int
		to   int
	}

	var (
		chunks [2]chunk
		count  int
		offset int
	)

	for offset < len(buf) {
		addr := virtAddr + uintptr(offset)
		phys, code, ok := c.translate(addr, kind)
		if !ok {
			c.cr2 = uint64(addr)
			c.fault(gate.PageFaultException, uint64(code))
			return false
		}

		n := int(mm.PageSize - mm.PageOffset(addr))
		if n > len(buf)-offset {
			n = len(buf) - offset
		}

		if count == len(chunks) {
			// Accesses are at most 16 bytes so they never span more
			// than two pages.
			c.fault(gate.GPFException, 0)
			return false
		}
		chunks[count] = chunk{phys: phys, from: offset, to: offset + n}
		count++
		offset += n
	}

	for _, ch := range chunks[:count] {
		var err *kernel.Error
		if kind == accessWrite {
			err = c.bus.WritePhys(ch.phys, buf[ch.from:ch.to])
		} else {
			err = c.bus.ReadPhys(ch.phys, buf[ch.from:ch.to])
		}

		if err != nil {
			c.fault(gate.GPFException, 0)
			return false
		}
	}

	return true
}
