package sched

import (
	"nucleos/kernel/gate"
	"nucleos/kernel/mm/vmm"
)

// State is the scheduling state of a task.
type State uint8

// Task states.
const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Priority selects the ready queue class of a task. Higher classes always
// run before lower ones.
type Priority uint8

// Supported priority classes.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh

	numPriorities = int(PriorityHigh) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// BlockReason describes why a task is blocked.
type BlockReason uint8

// Block reasons.
const (
	ReasonNone BlockReason = iota
	ReasonSleep
	ReasonWait
)

func (r BlockReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonSleep:
		return "sleep"
	case ReasonWait:
		return "wait"
	default:
		return "unknown"
	}
}

// ExitFaulted is the exit status recorded for tasks killed by an unhandled
// fault.
const ExitFaulted = -1

// Task describes a schedulable thread of execution and the resources it
// owns.
type Task struct {
	id       uint32
	name     string
	state    State
	priority Priority

	// context is the register snapshot the task resumes from. It is only
	// meaningful while the task is not running.
	context gate.Registers

	space *vmm.AddressSpace

	reason BlockReason
	wakeAt uint64

	exitStatus int64

	// Accounting
	ticks    uint64
	runCount uint64
}

// ID returns the task identifier.
func (t *Task) ID() uint32 { return t.id }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// State returns the scheduling state.
func (t *Task) State() State { return t.state }

// Priority returns the priority class.
func (t *Task) Priority() Priority { return t.priority }

// Space returns the address space the task runs in.
func (t *Task) Space() *vmm.AddressSpace { return t.space }

// BlockReason returns why the task is blocked.
func (t *Task) BlockReason() BlockReason { return t.reason }

// ExitStatus returns the status passed to Terminate.
func (t *Task) ExitStatus() int64 { return t.exitStatus }

// Context returns a copy of the saved register context.
func (t *Task) Context() gate.Registers { return t.context }

// Ticks returns the number of timer ticks the task was running for.
func (t *Task) Ticks() uint64 { return t.ticks }

// RunCount returns the number of times the task was switched in.
func (t *Task) RunCount() uint64 { return t.runCount }
