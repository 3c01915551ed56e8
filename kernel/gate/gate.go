// Package gate defines the register snapshot that is captured on trap entry,
// the trap vector numbers and the layout of the trap vector table.
package gate

import (
	"fmt"
	"io"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the trap vector that was raised.
	Vector uint64

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Segment selectors and RFLAGS bits used when building task contexts.
const (
	KernelCS = uint64(0x08)
	KernelSS = uint64(0x10)
	UserCS   = uint64(0x1b)
	UserSS   = uint64(0x23)

	// FlagIF is the interrupt-enable bit of RFLAGS.
	FlagIF = uint64(1 << 9)

	// flagReserved is always set in RFLAGS.
	flagReserved = uint64(1 << 1)

	// DefaultRFlags is the RFLAGS value for a freshly created task.
	DefaultRFlags = flagReserved | FlagIF
)

// Privilege returns the privilege level (0-3) that the CPU was running at
// when the snapshot was taken.
func (r *Registers) Privilege() uint8 {
	return uint8(r.CS & 3)
}

// FromUser returns true if the snapshot was taken while executing
// unprivileged code.
func (r *Registers) FromUser() bool {
	return r.Privilege() == 3
}

// InterruptsEnabled returns true if the IF flag is set in the snapshot.
func (r *Registers) InterruptsEnabled() bool {
	return r.RFlags&FlagIF != 0
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	fmt.Fprintf(w, "RAX = %016x RBX = %016x\n", r.RAX, r.RBX)
	fmt.Fprintf(w, "RCX = %016x RDX = %016x\n", r.RCX, r.RDX)
	fmt.Fprintf(w, "RSI = %016x RDI = %016x\n", r.RSI, r.RDI)
	fmt.Fprintf(w, "RBP = %016x\n", r.RBP)
	fmt.Fprintf(w, "R8  = %016x R9  = %016x\n", r.R8, r.R9)
	fmt.Fprintf(w, "R10 = %016x R11 = %016x\n", r.R10, r.R11)
	fmt.Fprintf(w, "R12 = %016x R13 = %016x\n", r.R12, r.R13)
	fmt.Fprintf(w, "R14 = %016x R15 = %016x\n", r.R14, r.R15)
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "RIP = %016x CS  = %016x\n", r.RIP, r.CS)
	fmt.Fprintf(w, "RSP = %016x SS  = %016x\n", r.RSP, r.SS)
	fmt.Fprintf(w, "RFL = %016x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// IRQBase is the first vector used for external interrupts after the
	// interrupt controller lines have been remapped.
	IRQBase = InterruptNumber(32)

	// IRQLines is the number of external interrupt lines.
	IRQLines = 16

	// SyscallVector is the software trap reserved for system calls.
	SyscallVector = InterruptNumber(0x80)
)

// IsException returns true for vectors reserved for CPU exceptions.
func (n InterruptNumber) IsException() bool {
	return n < IRQBase
}

// IsIRQ returns true for vectors that external interrupt lines are mapped to.
func (n InterruptNumber) IsIRQ() bool {
	return n >= IRQBase && n < IRQBase+IRQLines
}

// IRQ returns the vector for external interrupt line.
func IRQ(line uint8) InterruptNumber {
	return IRQBase + InterruptNumber(line)
}

// PageFaultCode describes the error code pushed by the CPU for page faults.
type PageFaultCode uint64

const (
	// PageFaultPresent is set when the fault was caused by a protection
	// violation and cleared when the page was not present.
	PageFaultPresent PageFaultCode = 1 << iota

	// PageFaultWrite is set when the faulting access was a write.
	PageFaultWrite

	// PageFaultUser is set when the fault occurred in user-mode.
	PageFaultUser

	// PageFaultReserved is set when a page table entry has a reserved bit set.
	PageFaultReserved

	// PageFaultFetch is set when the fault was caused by an instruction fetch.
	PageFaultFetch
)
