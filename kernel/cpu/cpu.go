// Package cpu emulates the single processor core the kernel runs on: the
// register file, the interrupt flag, the control registers used for paging,
// the trap delivery logic and a small instruction set that tasks execute.
//
// The exported methods mirror the privileged instructions a kernel would
// issue (CLI/STI, HLT, MOV CR3, INVLPG, LIDT) so that the rest of the kernel
// is written against the same primitives it would use on real hardware.
package cpu

import (
	"encoding/binary"
	"sync/atomic"

	"nucleos/kernel"
	"nucleos/kernel/gate"
	"nucleos/kernel/mm"
)

var (
	// ErrStopped is returned by Step once the CPU has been halted with
	// no way to resume (e.g. after a kernel panic or a triple fault).
	ErrStopped = &kernel.Error{Module: "cpu", Message: "cpu stopped"}
)

// TrapEntry is invoked by the CPU when a trap is delivered. Any changes that
// the entry point makes to the supplied frame are loaded back into the CPU
// when the entry point returns.
type TrapEntry func(*gate.Registers)

// CPU is an emulated processor core.
type CPU struct {
	bus Bus

	regs gate.Registers

	// cr2 holds the faulting address of the last page fault and cr3 the
	// physical address of the active root page table.
	cr2 uint64
	cr3 uint64

	// kernelStack is loaded into RSP when a trap switches from user to
	// kernel mode.
	kernelStack uint64

	idt   *gate.Table
	entry TrapEntry

	tlb map[mm.Page]tlbEntry

	// halted is set by HLT; the CPU resumes on the next interrupt.
	halted bool

	// stopped is set when the CPU can never resume.
	stopped bool

	// pending is a bitmask of asserted interrupt lines. It is the only
	// field that may be modified from outside the execution loop.
	pending atomic.Uint32
	wake    chan struct{}

	cycles uint64
	traps  uint64
}

// New returns a CPU attached to bus in the reset state: privilege level 0,
// interrupts masked and paging root unset.
func New(bus Bus) *CPU {
	c := &CPU{
		bus:  bus,
		tlb:  make(map[mm.Page]tlbEntry),
		wake: make(chan struct{}, 1),
	}
	c.regs.CS = gate.KernelCS
	c.regs.SS = gate.KernelSS
	c.regs.RFlags = gate.DefaultRFlags &^ gate.FlagIF
	return c
}

// Bus returns the physical memory bus the CPU is attached to.
func (c *CPU) Bus() Bus {
	return c.bus
}

// Registers returns a copy of the current register file.
func (c *CPU) Registers() gate.Registers {
	return c.regs
}

// SetRegisters replaces the register file. It is used by the boot loader to
// establish the handoff state and by the kernel to enter the first task.
func (c *CPU) SetRegisters(regs gate.Registers) {
	c.regs = regs
}

// EnableInterrupts enables interrupt handling.
func (c *CPU) EnableInterrupts() {
	c.regs.RFlags |= gate.FlagIF
}

// DisableInterrupts disables interrupt handling.
func (c *CPU) DisableInterrupts() {
	c.regs.RFlags &^= gate.FlagIF
}

// InterruptsEnabled returns true if the interrupt flag is set.
func (c *CPU) InterruptsEnabled() bool {
	return c.regs.RFlags&gate.FlagIF != 0
}

// Halt stops instruction execution. A halted CPU does not respond to
// interrupts; it is used to bring the machine down after a fatal error.
func (c *CPU) Halt() {
	c.DisableInterrupts()
	c.stopped = true
	c.halted = true
}

// Stopped returns true if the CPU has been halted permanently.
func (c *CPU) Stopped() bool {
	return c.stopped
}

// Idle returns true if the CPU is waiting for an interrupt after a HLT.
func (c *CPU) Idle() bool {
	return c.halted && !c.stopped
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func (c *CPU) FlushTLBEntry(virtAddr uintptr) {
	delete(c.tlb, mm.PageFromAddress(virtAddr))
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func (c *CPU) SwitchPDT(pdtPhysAddr uintptr) {
	c.cr3 = uint64(pdtPhysAddr)
	c.tlb = make(map[mm.Page]tlbEntry)
}

// ActivePDT returns the physical address of the currently active page table.
func (c *CPU) ActivePDT() uintptr {
	return uintptr(c.cr3)
}

// ReadCR2 returns the value stored in the CR2 register.
func (c *CPU) ReadCR2() uint64 {
	return c.cr2
}

// LoadIDT installs the trap vector table and the common entry point that
// the per-vector stubs jump to.
func (c *CPU) LoadIDT(table *gate.Table, entry TrapEntry) {
	c.idt = table
	c.entry = entry
}

// SetKernelStack sets the stack pointer loaded when a trap is taken from
// user mode.
func (c *CPU) SetKernelStack(top uintptr) {
	c.kernelStack = uint64(top)
}

// RaiseIRQ asserts an external interrupt line. It is safe to call from any
// goroutine.
func (c *CPU) RaiseIRQ(line uint8) {
	for {
		old := c.pending.Load()
		if c.pending.CompareAndSwap(old, old|1<<line) {
			break
		}
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// PendingIRQs returns the mask of asserted interrupt lines.
func (c *CPU) PendingIRQs() uint32 {
	return c.pending.Load()
}

// Wake returns a channel that receives a value whenever an interrupt line
// is asserted.
func (c *CPU) Wake() <-chan struct{} {
	return c.wake
}

// Cycles returns the number of instructions retired since reset.
func (c *CPU) Cycles() uint64 {
	return c.cycles
}

// Traps returns the number of traps delivered since reset.
func (c *CPU) Traps() uint64 {
	return c.traps
}

// Step delivers a pending interrupt if interrupts are enabled, or executes
// a single instruction otherwise. A CPU waiting in HLT does nothing until an
// interrupt arrives.
func (c *CPU) Step() *kernel.Error {
	if c.stopped {
		return ErrStopped
	}

	if c.InterruptsEnabled() {
		if line, ok := c.takeIRQ(); ok {
			c.trap(gate.IRQ(line), uint64(line))
			return nil
		}
	}

	if c.halted {
		return nil
	}

	c.execute()
	return nil
}

// takeIRQ acknowledges the lowest numbered pending line.
func (c *CPU) takeIRQ() (uint8, bool) {
	for {
		mask := c.pending.Load()
		if mask == 0 {
			return 0, false
		}

		var line uint8
		for mask&(1<<line) == 0 {
			line++
		}

		if c.pending.CompareAndSwap(mask, mask&^(1<<line)) {
			return line, true
		}
	}
}

// privilege returns the current privilege level.
func (c *CPU) privilege() uint8 {
	return uint8(c.regs.CS & 3)
}

// trap delivers vector through the trap vector table.
func (c *CPU) trap(vector gate.InterruptNumber, info uint64) {
	c.deliver(vector, info, 0)
}

func (c *CPU) deliver(vector gate.InterruptNumber, info uint64, depth int) {
	if c.idt == nil || c.entry == nil || depth > 1 {
		// No way to report the problem; this is a triple fault.
		c.Halt()
		return
	}

	desc := c.idt.Get(vector)
	if !desc.Present {
		if vector == gate.DoubleFault {
			c.Halt()
			return
		}
		c.deliver(gate.DoubleFault, 0, depth+1)
		return
	}

	if n, ok := gate.VectorForEntry(desc.Offset); !ok || n != vector {
		c.deliver(gate.DoubleFault, 0, depth+1)
		return
	}

	frame := c.regs
	frame.Vector = uint64(vector)
	frame.Info = info

	if c.privilege() != 0 {
		c.regs.RSP = c.kernelStack
	}
	c.regs.CS = gate.KernelCS
	c.regs.SS = gate.KernelSS
	if desc.Type == gate.InterruptGate {
		c.DisableInterrupts()
	}
	c.halted = false
	c.traps++

	c.entry(&frame)

	if c.stopped {
		return
	}

	// IRETQ
	c.regs = frame
}

// fault raises an exception for the instruction at the current RIP.
func (c *CPU) fault(vector gate.InterruptNumber, code uint64) {
	c.trap(vector, code)
}

// reg returns a pointer to the register identified by r.
func (c *CPU) reg(r Reg) *uint64 {
	switch r {
	case RAX:
		return &c.regs.RAX
	case RCX:
		return &c.regs.RCX
	case RDX:
		return &c.regs.RDX
	case RBX:
		return &c.regs.RBX
	case RSP:
		return &c.regs.RSP
	case RBP:
		return &c.regs.RBP
	case RSI:
		return &c.regs.RSI
	case RDI:
		return &c.regs.RDI
	case R8:
		return &c.regs.R8
	case R9:
		return &c.regs.R9
	case R10:
		return &c.regs.R10
	case R11:
		return &c.regs.R11
	case R12:
		return &c.regs.R12
	case R13:
		return &c.regs.R13
	case R14:
		return &c.regs.R14
	default:
		return &c.regs.R15
	}
}

// execute fetches, decodes and executes the instruction at RIP.
func (c *CPU) execute() {
	var buf [InstrSize]byte
	if !c.access(uintptr(c.regs.RIP), buf[:], accessFetch) {
		return
	}

	in, ok := Decode(buf[:])
	if !ok {
		c.fault(gate.InvalidOpcode, 0)
		return
	}

	next := c.regs.RIP + InstrSize
	switch in.Op {
	case OpNop:
	case OpMovImm:
		*c.reg(in.Dst) = in.Imm
	case OpMov:
		*c.reg(in.Dst) = *c.reg(in.Src)
	case OpAdd:
		*c.reg(in.Dst) += *c.reg(in.Src)
	case OpAddImm:
		*c.reg(in.Dst) += in.Imm
	case OpSub:
		*c.reg(in.Dst) -= *c.reg(in.Src)
	case OpDiv:
		divisor := *c.reg(in.Src)
		if divisor == 0 {
			c.fault(gate.DivideByZero, 0)
			return
		}
		*c.reg(in.Dst) /= divisor
	case OpLoad:
		var word [8]byte
		if !c.access(uintptr(*c.reg(in.Src)+in.Imm), word[:], accessRead) {
			return
		}
		*c.reg(in.Dst) = binary.LittleEndian.Uint64(word[:])
	case OpStore:
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], *c.reg(in.Src))
		if !c.access(uintptr(*c.reg(in.Dst)+in.Imm), word[:], accessWrite) {
			return
		}
	case OpJmp:
		next += in.Imm * InstrSize
	case OpJnz:
		if *c.reg(in.Dst) != 0 {
			next += in.Imm * InstrSize
		}
	case OpInt, OpSyscall:
		vector := gate.SyscallVector
		if in.Op == OpInt {
			vector = gate.InterruptNumber(in.Imm)
		}
		if c.idt != nil {
			if desc := c.idt.Get(vector); desc.Present && c.privilege() > desc.DPL {
				// Selector error code: index<<3 | IDT bit.
				c.fault(gate.GPFException, uint64(vector)<<3|2)
				return
			}
		}
		c.regs.RIP = next
		c.cycles++
		c.trap(vector, c.regs.RAX)
		return
	case OpHlt, OpCli, OpSti:
		if c.privilege() != 0 {
			c.fault(gate.GPFException, 0)
			return
		}
		switch in.Op {
		case OpHlt:
			c.halted = true
		case OpCli:
			c.DisableInterrupts()
		case OpSti:
			c.EnableInterrupts()
		}
	}

	c.regs.RIP = next
	c.cycles++
}
