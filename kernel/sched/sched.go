// Package sched implements the task scheduler. Tasks are picked round-robin
// within strict priority classes; a switch happens when the running task
// exhausts its quantum, blocks, yields or terminates, or when a task of a
// higher class becomes ready. An idle task runs whenever nothing else can.
package sched

import (
	"io"
	"sort"

	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/gate"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/vmm"
	"nucleos/kernel/sync"

	"go.uber.org/zap"
)

// Layout of task address spaces.
const (
	// UserCodeBase is the address user images are loaded at.
	UserCodeBase = uintptr(0x400000)

	// UserStackTop is the initial stack pointer of a user task. The stack
	// is a demand-zero region that grows down from here.
	UserStackTop = uintptr(0x00007ffffffff000)

	// UserStackPages is the size of the user stack region.
	UserStackPages = 16

	// IdleCodeBase is the kernel address of the idle loop.
	IdleCodeBase = vmm.KernelSpaceStart + 0x200000
)

var (
	// ErrNoSuchTask is returned when looking up an unknown task.
	ErrNoSuchTask = &kernel.Error{Module: "sched", Message: "no such task"}

	// ErrTaskState is returned when an operation does not apply to the
	// current state of a task.
	ErrTaskState = &kernel.Error{Module: "sched", Message: "operation not allowed in current task state"}

	// ErrIdleTask is returned for operations that the idle task does not
	// support.
	ErrIdleTask = &kernel.Error{Module: "sched", Message: "operation not allowed on the idle task"}

	errEmptyImage        = &kernel.Error{Module: "sched", Message: "task image is empty"}
	errInterruptsEnabled = &kernel.Error{Module: "sched", Message: "context switch with interrupts enabled"}
)

// CPU is the subset of processor operations used by the scheduler.
type CPU interface {
	sync.InterruptMasker
	Halt()
}

// Config contains the collaborators and tunables of a Scheduler.
type Config struct {
	CPU    CPU
	Memory *vmm.Manager

	// Logger receives diagnostic messages; a nop logger is used if nil.
	Logger *zap.Logger

	// PanicOutput receives the panic banner if an invariant is violated.
	PanicOutput io.Writer

	// Quantum is the number of timer ticks a task runs before it is
	// preempted. Defaults to 1.
	Quantum uint64

	// KernelStack is the stack pointer of the idle task.
	KernelStack uintptr
}

// Stats contains scheduler counters.
type Stats struct {
	Ticks      uint64
	Switches   uint64
	Spawned    uint64
	Terminated uint64
	Ready      int
	Blocked    int
}

// Scheduler multiplexes the CPU between tasks.
type Scheduler struct {
	cpu    CPU
	mem    *vmm.Manager
	logger *zap.Logger
	out    io.Writer

	quantum   uint64
	sliceLeft uint64

	ready    ReadyQueue
	tasks    map[uint32]*Task
	sleepers []*Task

	idle    *Task
	current *Task

	// needResched is set when the running task must give up the CPU
	// before the current trap returns.
	needResched bool

	nextID uint32
	ticks  uint64
	stats  Stats
}

// New creates a scheduler and its idle task. The idle loop is mapped into
// the kernel address space.
func New(cfg Config) (*Scheduler, *kernel.Error) {
	s := &Scheduler{
		cpu:     cfg.CPU,
		mem:     cfg.Memory,
		logger:  cfg.Logger,
		out:     cfg.PanicOutput,
		quantum: cfg.Quantum,
		tasks:   make(map[uint32]*Task),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.out == nil {
		s.out = io.Discard
	}
	if s.quantum == 0 {
		s.quantum = 1
	}

	idleLoop := cpu.Assemble(
		cpu.Hlt(),
		cpu.Jmp(-2),
	)
	if err := s.mem.Populate(s.mem.KernelSpace(), IdleCodeBase, idleLoop, vmm.PermRead|vmm.PermExec); err != nil {
		return nil, err
	}

	s.idle = &Task{
		name:     "idle",
		state:    Ready,
		priority: PriorityLow,
		space:    s.mem.KernelSpace(),
		context: gate.Registers{
			RIP:    uint64(IdleCodeBase),
			CS:     gate.KernelCS,
			SS:     gate.KernelSS,
			RSP:    uint64(cfg.KernelStack),
			RFlags: gate.DefaultRFlags,
		},
	}
	s.tasks[s.idle.id] = s.idle
	s.nextID = 1

	return s, nil
}

// Spawn creates a user task that runs image. The image is loaded at
// UserCodeBase and a demand-zero stack is reserved below UserStackTop. The
// task is appended to the ready queue.
func (s *Scheduler) Spawn(name string, image []byte, prio Priority) (*Task, *kernel.Error) {
	if len(image) == 0 {
		return nil, errEmptyImage
	}
	if prio > PriorityHigh {
		prio = PriorityHigh
	}

	g := sync.Acquire(s.cpu)
	defer g.Release()

	space, err := s.mem.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	stackBase := UserStackTop - UserStackPages<<mm.PageShift
	if err = s.mem.Populate(space, UserCodeBase, image, vmm.PermRead|vmm.PermExec|vmm.PermUser); err == nil {
		err = s.mem.Reserve(space, stackBase, UserStackPages, vmm.PermRead|vmm.PermWrite|vmm.PermUser)
	}
	if err != nil {
		if destroyErr := s.mem.DestroyAddressSpace(space); destroyErr != nil {
			s.logger.Error("address space release failed", zap.String("name", name), zap.String("err", destroyErr.Message))
		}
		return nil, err
	}

	task := &Task{
		id:       s.nextID,
		name:     name,
		state:    Ready,
		priority: prio,
		space:    space,
		context: gate.Registers{
			RIP:    uint64(UserCodeBase),
			CS:     gate.UserCS,
			SS:     gate.UserSS,
			RSP:    uint64(UserStackTop),
			RFlags: gate.DefaultRFlags,
		},
	}
	s.nextID++
	s.tasks[task.id] = task
	s.stats.Spawned++
	s.enqueue(task)

	s.logger.Info("spawned task",
		zap.Uint32("tid", task.id),
		zap.String("name", name),
		zap.Stringer("prio", prio),
		zap.Int("image_size", len(image)),
	)
	return task, nil
}

// enqueue makes task ready and requests a switch if it should run before
// the current task.
func (s *Scheduler) enqueue(task *Task) {
	task.state = Ready
	s.ready.Push(task)

	if cur := s.current; cur == nil || cur == s.idle || task.priority > cur.priority {
		s.needResched = true
	}
}

// PickNext returns the task that the next reschedule switches to: the head
// of the highest non-empty priority class or the idle task.
func (s *Scheduler) PickNext() *Task {
	if next := s.ready.Peek(); next != nil {
		return next
	}
	return s.idle
}

// Reschedule saves regs into the current task, requeues it if it is still
// runnable and loads the context of the next task into regs, switching
// address spaces if needed. It must be called with interrupts masked.
func (s *Scheduler) Reschedule(regs *gate.Registers) {
	if s.cpu.InterruptsEnabled() {
		kfmt.Panic(s.out, s.cpu, errInterruptsEnabled)
		return
	}

	prev := s.current
	if prev != nil && prev.state != Terminated {
		prev.context = *regs
		if prev.state == Running {
			prev.state = Ready
			if prev != s.idle {
				s.ready.Push(prev)
			}
		}
	}

	next := s.ready.Pop()
	if next == nil {
		next = s.idle
	}

	if next.space != s.mem.ActiveSpace() {
		if err := s.mem.SwitchAddressSpace(next.space); err != nil {
			kfmt.Panic(s.out, s.cpu, err)
			return
		}
	}

	*regs = next.context
	next.state = Running
	s.current = next
	s.sliceLeft = s.quantum
	s.needResched = false

	if prev != next {
		next.runCount++
		s.stats.Switches++
		s.logger.Debug("context switch", zap.Uint32("from", taskID(prev)), zap.Uint32("to", next.id), zap.Uint64("tick", s.ticks))
	}
}

func taskID(t *Task) uint32 {
	if t == nil {
		return 0
	}
	return t.id
}

// Preempt reschedules if the current task can no longer run or a switch has
// been requested. The interrupt controller calls it before every trap
// returns.
func (s *Scheduler) Preempt(regs *gate.Registers) {
	if s.needResched || s.current == nil || s.current.state != Running {
		s.Reschedule(regs)
	}
}

// KillCurrent terminates the running task after an unhandled fault.
func (s *Scheduler) KillCurrent(regs *gate.Registers) {
	cur := s.current
	if cur == nil || cur == s.idle {
		return
	}

	s.logger.Warn("killing task after unhandled fault",
		zap.Uint32("tid", cur.id),
		zap.String("name", cur.name),
		zap.Uint64("vector", regs.Vector),
		zap.Uint64("rip", regs.RIP),
	)
	if err := s.Terminate(cur, ExitFaulted); err != nil {
		kfmt.Panic(s.out, s.cpu, err)
	}
}

// Tick performs the timer accounting: it wakes sleepers whose deadline has
// passed and requests preemption once the running task exhausts its
// quantum.
func (s *Scheduler) Tick() {
	s.ticks++
	s.wakeSleepers()

	cur := s.current
	if cur == nil {
		return
	}
	cur.ticks++

	if cur == s.idle {
		if s.ready.Len() != 0 {
			s.needResched = true
		}
		return
	}

	if s.sliceLeft > 0 {
		s.sliceLeft--
	}
	if s.sliceLeft == 0 || s.ready.HasAbove(cur.priority) {
		s.needResched = true
	}
}

func (s *Scheduler) wakeSleepers() {
	var waiting []*Task
	for _, task := range s.sleepers {
		if task.wakeAt > s.ticks {
			waiting = append(waiting, task)
			continue
		}

		task.wakeAt = 0
		task.reason = ReasonNone
		s.enqueue(task)
	}
	s.sleepers = waiting
}

func (s *Scheduler) removeSleeper(task *Task) {
	for i, sleeper := range s.sleepers {
		if sleeper == task {
			s.sleepers = append(s.sleepers[:i:i], s.sleepers[i+1:]...)
			return
		}
	}
}

// Block moves task out of the ready queue. Its saved context is kept so it
// resumes where it left off once woken. Blocking the running task takes
// effect when the current trap returns.
func (s *Scheduler) Block(task *Task, reason BlockReason) *kernel.Error {
	switch {
	case task == s.idle:
		return ErrIdleTask
	case task.state == Ready:
		s.ready.Remove(task)
	case task.state == Running:
		s.needResched = true
	default:
		return ErrTaskState
	}

	task.state = Blocked
	task.reason = reason
	s.logger.Debug("task blocked", zap.Uint32("tid", task.id), zap.Stringer("reason", reason))
	return nil
}

// Wake makes a blocked task ready.
func (s *Scheduler) Wake(task *Task) *kernel.Error {
	if task.state != Blocked {
		return ErrTaskState
	}

	s.removeSleeper(task)
	task.wakeAt = 0
	task.reason = ReasonNone
	s.enqueue(task)
	s.logger.Debug("task woken", zap.Uint32("tid", task.id))
	return nil
}

// Sleep blocks task for the supplied number of ticks. Sleeping for zero
// ticks yields the CPU.
func (s *Scheduler) Sleep(task *Task, ticks uint64) *kernel.Error {
	if ticks == 0 {
		if task == s.current {
			s.Yield()
		}
		return nil
	}

	if err := s.Block(task, ReasonSleep); err != nil {
		return err
	}

	task.wakeAt = s.ticks + ticks
	s.sleepers = append(s.sleepers, task)
	return nil
}

// Yield gives up the rest of the running task's quantum.
func (s *Scheduler) Yield() {
	if s.current != nil {
		s.needResched = true
	}
}

// Exit terminates the running task with status.
func (s *Scheduler) Exit(status int64) *kernel.Error {
	if s.current == nil {
		return ErrNoSuchTask
	}
	return s.Terminate(s.current, status)
}

// Terminate removes task permanently and destroys its address space. All
// frames owned by the task are returned to the allocator before Terminate
// returns. Terminating the running task switches to the kernel address
// space first; the switch to another task happens when the current trap
// returns.
//
// The task is removed even if its address space cannot be released, in
// which case the error is returned.
func (s *Scheduler) Terminate(task *Task, status int64) *kernel.Error {
	if task == s.idle {
		return ErrIdleTask
	}
	if task.state == Terminated {
		return ErrTaskState
	}

	var err *kernel.Error
	if s.mem.ActiveSpace() == task.space {
		err = s.mem.SwitchAddressSpace(s.mem.KernelSpace())
	}
	if err == nil {
		err = s.mem.DestroyAddressSpace(task.space)
	}

	switch task.state {
	case Ready:
		s.ready.Remove(task)
	case Blocked:
		s.removeSleeper(task)
	}

	task.state = Terminated
	task.reason = ReasonNone
	task.exitStatus = status
	if task == s.current {
		s.needResched = true
	}

	delete(s.tasks, task.id)
	s.stats.Terminated++

	if err != nil {
		s.logger.Error("address space release failed", zap.Uint32("tid", task.id), zap.String("err", err.Message))
		return err
	}
	s.logger.Info("task terminated", zap.Uint32("tid", task.id), zap.String("name", task.name), zap.Int64("status", status))
	return nil
}

// Current returns the running task or nil before the first reschedule.
func (s *Scheduler) Current() *Task {
	return s.current
}

// Idle returns the idle task.
func (s *Scheduler) Idle() *Task {
	return s.idle
}

// Lookup returns the live task with the supplied id.
func (s *Scheduler) Lookup(id uint32) (*Task, *kernel.Error) {
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNoSuchTask
	}
	return task, nil
}

// Tasks returns the live tasks ordered by id.
func (s *Scheduler) Tasks() []*Task {
	list := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		list = append(list, task)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// Ticks returns the number of timer ticks since the scheduler started.
func (s *Scheduler) Ticks() uint64 {
	return s.ticks
}

// Stats returns the scheduler counters.
func (s *Scheduler) Stats() Stats {
	stats := s.stats
	stats.Ticks = s.ticks
	stats.Ready = s.ready.Len()
	for _, task := range s.tasks {
		if task.state == Blocked {
			stats.Blocked++
		}
	}
	return stats
}
