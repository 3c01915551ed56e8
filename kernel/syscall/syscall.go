// Package syscall implements the system call gateway: the handler bound to
// the software trap vector that user tasks raise to request kernel
// services.
//
// The request code is passed in RAX and the arguments in RDI, RSI, RDX and
// R10. The result is returned in RAX; failures are reported as negative
// error codes.
package syscall

import (
	"errors"
	"io"

	"nucleos/kernel"
	"nucleos/kernel/gate"
	"nucleos/kernel/mm/pmm"
	"nucleos/kernel/mm/vmm"
	"nucleos/kernel/sched"

	"go.uber.org/zap"
)

// Code identifies a kernel service.
type Code uint64

// Supported request codes.
const (
	Exit Code = iota
	Yield
	GetPID
	Write
	Sleep
	Map
	Unmap
	Uptime
	Spawn
	numCodes
)

var codeNames = [numCodes]string{
	Exit:   "exit",
	Yield:  "yield",
	GetPID: "getpid",
	Write:  "write",
	Sleep:  "sleep",
	Map:    "map",
	Unmap:  "unmap",
	Uptime: "uptime",
	Spawn:  "spawn",
}

func (c Code) String() string {
	if c < numCodes {
		return codeNames[c]
	}
	return "unknown"
}

// Error codes returned to the caller in RAX.
const (
	ErrCodeInvalidRequest int64 = -(iota + 1)
	ErrCodeInvalidAddress
	ErrCodeOutOfMemory
	ErrCodeAlreadyMapped
	ErrCodeDoubleFree
	ErrCodeNotFound
	ErrCodeGeneric
)

// Flags accepted by the map request.
const (
	MapWrite uint64 = 1 << iota
	MapExec
)

// MaxWriteSize is the largest buffer a single write request copies.
const MaxWriteSize = 4096

var (
	// ErrInvalidRequest is returned for unknown request codes and
	// malformed arguments.
	ErrInvalidRequest = &kernel.Error{Module: "syscall", Message: "invalid request"}

	errNoModule = &kernel.Error{Module: "syscall", Message: "no such boot module"}

	errnoTable = []struct {
		err  *kernel.Error
		code int64
	}{
		{ErrInvalidRequest, ErrCodeInvalidRequest},
		{vmm.ErrInvalidAddress, ErrCodeInvalidAddress},
		{pmm.ErrOutOfMemory, ErrCodeOutOfMemory},
		{vmm.ErrAlreadyMapped, ErrCodeAlreadyMapped},
		{pmm.ErrDoubleFree, ErrCodeDoubleFree},
		{vmm.ErrInvalidMapping, ErrCodeNotFound},
		{sched.ErrNoSuchTask, ErrCodeNotFound},
		{errNoModule, ErrCodeNotFound},
	}
)

// Errno converts a kernel error into the code returned to user tasks.
func Errno(err *kernel.Error) int64 {
	if err == nil {
		return 0
	}

	for _, entry := range errnoTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return ErrCodeGeneric
}

// Module is a program image that tasks can spawn by index.
type Module struct {
	Name  string
	Image []byte
}

// Config contains the collaborators of a Gateway.
type Config struct {
	Scheduler *sched.Scheduler
	Memory    *vmm.Manager

	// Console receives the output of write requests.
	Console io.Writer

	// Modules lists the programs available to the spawn request.
	Modules []Module

	// Logger receives diagnostic messages; a nop logger is used if nil.
	Logger *zap.Logger
}

type serviceFn func(g *Gateway, task *sched.Task, regs *gate.Registers) (uint64, *kernel.Error)

// Gateway dispatches system calls to kernel services.
type Gateway struct {
	sched   *sched.Scheduler
	mem     *vmm.Manager
	console io.Writer
	modules []Module
	logger  *zap.Logger

	services [numCodes]serviceFn
	calls    [numCodes]uint64
	invalid  uint64
}

// New returns a gateway wired to the supplied services.
func New(cfg Config) *Gateway {
	g := &Gateway{
		sched:   cfg.Scheduler,
		mem:     cfg.Memory,
		console: cfg.Console,
		modules: cfg.Modules,
		logger:  cfg.Logger,
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.console == nil {
		g.console = io.Discard
	}

	g.services = [numCodes]serviceFn{
		Exit:   (*Gateway).exit,
		Yield:  (*Gateway).yield,
		GetPID: (*Gateway).getpid,
		Write:  (*Gateway).write,
		Sleep:  (*Gateway).sleep,
		Map:    (*Gateway).mapRegion,
		Unmap:  (*Gateway).unmapRegion,
		Uptime: (*Gateway).uptime,
		Spawn:  (*Gateway).spawn,
	}
	return g
}

// Handle services the system call described by regs and writes the result
// into RAX. It never fails: errors are reported to the caller.
func (g *Gateway) Handle(regs *gate.Registers) *kernel.Error {
	task := g.sched.Current()
	code := Code(regs.RAX)

	if code >= numCodes || task == nil {
		g.invalid++
		g.logger.Debug("invalid request", zap.Uint64("code", regs.RAX))
		regs.RAX = uint64(Errno(ErrInvalidRequest))
		return nil
	}

	g.calls[code]++
	res, err := g.services[code](g, task, regs)
	if err != nil {
		g.logger.Debug("request failed",
			zap.Stringer("code", code),
			zap.Uint32("tid", task.ID()),
			zap.String("err", err.Message),
		)
		res = uint64(Errno(err))
	}

	if task.State() != sched.Terminated {
		regs.RAX = res
	}
	return nil
}

// Calls returns the number of requests served for code.
func (g *Gateway) Calls(code Code) uint64 {
	if code >= numCodes {
		return g.invalid
	}
	return g.calls[code]
}

func (g *Gateway) exit(task *sched.Task, regs *gate.Registers) (uint64, *kernel.Error) {
	return 0, g.sched.Terminate(task, int64(regs.RDI))
}

func (g *Gateway) yield(_ *sched.Task, _ *gate.Registers) (uint64, *kernel.Error) {
	g.sched.Yield()
	return 0, nil
}

func (g *Gateway) getpid(task *sched.Task, _ *gate.Registers) (uint64, *kernel.Error) {
	return uint64(task.ID()), nil
}

func (g *Gateway) write(task *sched.Task, regs *gate.Registers) (uint64, *kernel.Error) {
	size := regs.RSI
	if size > MaxWriteSize {
		size = MaxWriteSize
	}

	buf := make([]byte, size)
	if err := g.mem.CopyIn(task.Space(), buf, uintptr(regs.RDI)); err != nil {
		return 0, err
	}

	n, _ := g.console.Write(buf)
	return uint64(n), nil
}

func (g *Gateway) sleep(task *sched.Task, regs *gate.Registers) (uint64, *kernel.Error) {
	return 0, g.sched.Sleep(task, regs.RDI)
}

func (g *Gateway) mapRegion(task *sched.Task, regs *gate.Registers) (uint64, *kernel.Error) {
	flags := regs.RDX
	if flags&^(MapWrite|MapExec) != 0 {
		return 0, ErrInvalidRequest
	}

	perm := vmm.PermRead | vmm.PermUser
	if flags&MapWrite != 0 {
		perm |= vmm.PermWrite
	}
	if flags&MapExec != 0 {
		perm |= vmm.PermExec
	}

	return 0, g.mem.Reserve(task.Space(), uintptr(regs.RDI), uintptr(regs.RSI), perm)
}

func (g *Gateway) unmapRegion(task *sched.Task, regs *gate.Registers) (uint64, *kernel.Error) {
	return 0, g.mem.Release(task.Space(), uintptr(regs.RDI), uintptr(regs.RSI))
}

func (g *Gateway) uptime(_ *sched.Task, _ *gate.Registers) (uint64, *kernel.Error) {
	return g.sched.Ticks(), nil
}

func (g *Gateway) spawn(task *sched.Task, regs *gate.Registers) (uint64, *kernel.Error) {
	if regs.RDI >= uint64(len(g.modules)) {
		return 0, errNoModule
	}

	mod := g.modules[regs.RDI]
	child, err := g.sched.Spawn(mod.Name, mod.Image, task.Priority())
	if err != nil {
		return 0, err
	}
	return uint64(child.ID()), nil
}
