package vmm

import (
	"fmt"

	"nucleos/kernel"
	"nucleos/kernel/gate"
	"nucleos/kernel/mm"

	"go.uber.org/zap"
)

// resolveDemand backs the page containing virtAddr with a zeroed frame if
// the page lies inside one of the demand-zero regions of space and is not
// mapped yet. It returns false if the address is not covered by a region.
func (m *Manager) resolveDemand(space *AddressSpace, virtAddr uintptr) (bool, *kernel.Error) {
	region := space.regionFor(virtAddr)
	if region == nil {
		return false, nil
	}

	page := mm.PageFromAddress(virtAddr).Address()
	if _, mapped, err := m.lookup(space, page); err != nil || mapped {
		return false, err
	}

	if err := m.mapZeroed(space, page, nil, region.Perm); err != nil {
		return false, err
	}

	m.logger.Debug("demand page mapped", zap.Uint32("space", space.id), zap.Uintptr("page", page))
	return true, nil
}

// HandlePageFault is invoked when a page table entry is not present or when
// a protection check fails. Faults on non-present pages inside a demand-zero
// region of the active space are resolved by mapping a zeroed frame; the
// faulting instruction is then retried. Any other fault is unrecoverable.
func (m *Manager) HandlePageFault(regs *gate.Registers) *kernel.Error {
	var (
		faultAddress = uintptr(m.mmu.ReadCR2())
		code         = gate.PageFaultCode(regs.Info)
	)

	if code&(gate.PageFaultPresent|gate.PageFaultReserved) == 0 && m.active != nil {
		resolved, err := m.resolveDemand(m.active, faultAddress)
		if err != nil {
			return m.nonRecoverablePageFault(faultAddress, regs, err)
		}

		// Fault recovered; retry the instruction that caused the fault
		if resolved {
			return nil
		}
	}

	return m.nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
}

// HandleGPF is invoked for various reasons:
// - non-canonical memory accesses
// - executing privileged instructions outside ring-0
// - invoking a trap gate whose privilege level is below the caller's
//
// General protection faults are never recoverable.
func (m *Manager) HandleGPF(regs *gate.Registers) *kernel.Error {
	fmt.Fprintf(m.out, "\nGeneral protection fault at RIP: 0x%x\n", regs.RIP)
	fmt.Fprintf(m.out, "Registers:\n")
	regs.DumpTo(m.out)

	m.logger.Warn("general protection fault",
		zap.Uint64("rip", regs.RIP),
		zap.Uint8("privilege", regs.Privilege()),
	)
	return errUnrecoverableFault
}

func (m *Manager) nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) *kernel.Error {
	reason := pageFaultReason(gate.PageFaultCode(regs.Info))

	fmt.Fprintf(m.out, "\nPage fault while accessing address: 0x%16x\nReason: %s", faultAddress, reason)
	fmt.Fprintf(m.out, "\n\nRegisters:\n")
	regs.DumpTo(m.out)

	m.logger.Warn("unrecoverable page fault",
		zap.Uintptr("address", faultAddress),
		zap.String("reason", reason),
		zap.Uint8("privilege", regs.Privilege()),
		zap.String("cause", err.Message),
	)
	return err
}

func pageFaultReason(code gate.PageFaultCode) string {
	present := code&gate.PageFaultPresent != 0

	switch {
	case code&gate.PageFaultReserved != 0:
		return "page table has reserved bit set"
	case code&gate.PageFaultFetch != 0 && present:
		return "instruction fetch from non-executable page"
	case code&gate.PageFaultFetch != 0:
		return "instruction fetch from non-present page"
	case code&gate.PageFaultWrite != 0 && present:
		return "page protection violation (write)"
	case code&gate.PageFaultWrite != 0:
		return "write to non-present page"
	case present:
		return "page protection violation (read)"
	default:
		return "read from non-present page"
	}
}
