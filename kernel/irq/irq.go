// Package irq implements the interrupt controller: it owns the trap vector
// table, binds handlers to vectors and dispatches every trap delivered by the
// CPU according to its class.
package irq

import (
	"io"

	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/gate"
	"nucleos/kernel/kfmt"

	"go.uber.org/zap"
)

var (
	// ErrBadState is returned when an operation is not allowed in the
	// current controller state.
	ErrBadState = &kernel.Error{Module: "irq", Message: "operation not allowed in current controller state"}

	// ErrVectorInUse is returned when installing a handler for a vector
	// that is already bound.
	ErrVectorInUse = &kernel.Error{Module: "irq", Message: "vector already has a handler"}

	// ErrUnhandledFault is raised for exceptions without a handler or
	// whose handler could not recover.
	ErrUnhandledFault = &kernel.Error{Module: "irq", Message: "unhandled fault"}

	errInvalidLine = &kernel.Error{Module: "irq", Message: "invalid interrupt line"}
)

// State describes the lifecycle of a Controller.
type State uint8

// The controller moves through the states in order, exactly once.
const (
	Uninitialized State = iota
	Installed
	Active
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Installed:
		return "installed"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Handler processes a trap. Changes to the supplied registers are loaded
// back into the CPU when the trap returns. For exceptions, a nil return
// value means the fault was recovered and the interrupted code resumes.
type Handler func(regs *gate.Registers) *kernel.Error

// Option modifies the descriptor installed for a vector.
type Option uint8

const (
	// UserCallable allows unprivileged code to raise the vector with a
	// software interrupt.
	UserCallable Option = 1 << iota
)

// CPU is the subset of processor operations used by the controller.
type CPU interface {
	LoadIDT(table *gate.Table, entry cpu.TrapEntry)
	EnableInterrupts()
	Halt()
}

// Scheduler receives control after every trap.
type Scheduler interface {
	// Preempt switches to another task if a switch is pending. It loads
	// the next task context into regs.
	Preempt(regs *gate.Registers)

	// KillCurrent terminates the running task after a fault it raised
	// could not be handled.
	KillCurrent(regs *gate.Registers)
}

// Config contains the collaborators of a Controller.
type Config struct {
	CPU CPU

	// Logger receives diagnostic messages; a nop logger is used if nil.
	Logger *zap.Logger

	// PanicOutput receives the panic banner when a fault halts the
	// system; it is discarded if nil.
	PanicOutput io.Writer
}

// Controller owns the trap vector table and dispatches traps.
type Controller struct {
	cpu    CPU
	sched  Scheduler
	logger *zap.Logger
	out    io.Writer

	state    State
	table    gate.Table
	handlers [256]Handler

	counts   [256]uint64
	spurious uint64
	halted   bool
}

// NewController returns an uninitialized controller.
func NewController(cfg Config) *Controller {
	c := &Controller{
		cpu:    cfg.CPU,
		logger: cfg.Logger,
		out:    cfg.PanicOutput,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.out == nil {
		c.out = io.Discard
	}
	return c
}

// State returns the controller state.
func (c *Controller) State() State {
	return c.state
}

// AttachScheduler sets the scheduler that receives control after each trap.
func (c *Controller) AttachScheduler(s Scheduler) {
	c.sched = s
}

// Init populates the vector table and loads it into the CPU. Every vector
// gets a present interrupt gate that only privileged code may raise with a
// software interrupt.
func (c *Controller) Init() *kernel.Error {
	if c.state != Uninitialized {
		return ErrBadState
	}

	for vector := 0; vector < len(c.handlers); vector++ {
		c.setGate(gate.InterruptNumber(vector), 0)
	}

	c.cpu.LoadIDT(&c.table, c.Dispatch)
	c.state = Installed
	c.logger.Debug("trap vector table loaded")
	return nil
}

// Activate enables interrupt delivery.
func (c *Controller) Activate() *kernel.Error {
	if c.state != Installed {
		return ErrBadState
	}

	c.state = Active
	c.cpu.EnableInterrupts()
	c.logger.Info("interrupts enabled")
	return nil
}

// Install binds handler to vector.
func (c *Controller) Install(vector gate.InterruptNumber, handler Handler, opts ...Option) *kernel.Error {
	switch {
	case c.state == Uninitialized:
		return ErrBadState
	case c.handlers[vector] != nil:
		return ErrVectorInUse
	}

	var dpl uint8
	for _, opt := range opts {
		if opt&UserCallable != 0 {
			dpl = 3
		}
	}

	c.handlers[vector] = handler
	c.setGate(vector, dpl)
	c.logger.Debug("handler installed", zap.Uint8("vector", uint8(vector)), zap.Uint8("dpl", dpl))
	return nil
}

// InstallIRQ binds handler to external interrupt line.
func (c *Controller) InstallIRQ(line uint8, handler Handler) *kernel.Error {
	if line >= gate.IRQLines {
		return errInvalidLine
	}
	return c.Install(gate.IRQ(line), handler)
}

// Count returns the number of times vector was dispatched.
func (c *Controller) Count(vector gate.InterruptNumber) uint64 {
	return c.counts[vector]
}

// Spurious returns the number of external interrupts that had no handler.
func (c *Controller) Spurious() uint64 {
	return c.spurious
}

func (c *Controller) setGate(vector gate.InterruptNumber, dpl uint8) {
	c.table.Set(vector, gate.Descriptor{
		Offset:   gate.EntryAddress(vector),
		Selector: uint16(gate.KernelCS),
		Type:     gate.InterruptGate,
		DPL:      dpl,
		Present:  true,
	})
}

// Dispatch is the common trap entry point. The CPU invokes it with
// interrupts masked.
func (c *Controller) Dispatch(regs *gate.Registers) {
	vector := gate.InterruptNumber(regs.Vector)
	handler := c.handlers[vector]
	c.counts[vector]++

	switch {
	case vector.IsException():
		c.dispatchFault(vector, handler, regs)
	case handler == nil:
		if vector.IsIRQ() {
			c.spurious++
		}
		c.logger.Debug("ignoring trap without handler", zap.Uint8("vector", uint8(vector)))
	default:
		if err := handler(regs); err != nil {
			c.logger.Warn("trap handler failed", zap.Uint8("vector", uint8(vector)), zap.String("err", err.Message))
		}
	}

	if c.halted || c.sched == nil {
		return
	}
	c.sched.Preempt(regs)
}

// dispatchFault applies the fault policy: recovered faults resume, user
// faults kill the task and kernel faults halt the system.
func (c *Controller) dispatchFault(vector gate.InterruptNumber, handler Handler, regs *gate.Registers) {
	err := ErrUnhandledFault
	if handler != nil {
		if err = handler(regs); err == nil {
			return
		}
	}

	c.logger.Warn("unhandled fault",
		zap.Uint8("vector", uint8(vector)),
		zap.Uint64("code", regs.Info),
		zap.Uint64("rip", regs.RIP),
		zap.Uint8("privilege", regs.Privilege()),
		zap.String("err", err.Message),
	)

	if regs.FromUser() && c.sched != nil {
		c.sched.KillCurrent(regs)
		return
	}

	c.halted = true
	kfmt.Panic(c.out, c.cpu, ErrUnhandledFault)
}
