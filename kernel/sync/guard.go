// Package sync provides the synchronization primitive used by the kernel on
// its single core: critical sections that mask interrupts.
//
// Trap handlers already run with interrupts masked, so the only code that
// needs a Guard is kernel code that runs outside a trap, such as boot-time
// initialization or task creation.
package sync

// InterruptMasker is implemented by the CPU.
type InterruptMasker interface {
	InterruptsEnabled() bool
	DisableInterrupts()
	EnableInterrupts()
}

// Guard masks interrupts while held. Guards nest: releasing an inner guard
// leaves interrupts masked if they were masked when it was acquired.
type Guard struct {
	cpu     InterruptMasker
	restore bool
	held    bool
}

// Acquire masks interrupts and returns a held guard.
func Acquire(cpu InterruptMasker) Guard {
	g := Guard{cpu: cpu, restore: cpu.InterruptsEnabled(), held: true}
	cpu.DisableInterrupts()
	return g
}

// Held returns true if the guard has not been released yet.
func (g *Guard) Held() bool {
	return g.held
}

// Release restores the interrupt state observed by Acquire. Calling Release
// on a released guard has no effect.
func (g *Guard) Release() {
	if !g.held {
		return
	}

	g.held = false
	if g.restore {
		g.cpu.EnableInterrupts()
	}
}

// Critical runs fn with interrupts masked.
func Critical(cpu InterruptMasker, fn func()) {
	g := Acquire(cpu)
	defer g.Release()
	fn()
}
