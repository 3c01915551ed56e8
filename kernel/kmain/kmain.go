// Package kmain contains the kernel entry point. Kmain takes over the CPU in
// the state established by the boot loader, brings up every kernel subsystem
// in dependency order and enters the first task.
package kmain

import (
	"fmt"
	"strconv"
	"sync"

	"nucleos/device"
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/gate"
	"nucleos/kernel/hal"
	"nucleos/kernel/irq"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/pmm"
	"nucleos/kernel/mm/vmm"
	"nucleos/kernel/sched"
	"nucleos/kernel/syscall"
	"nucleos/multiboot"

	"go.uber.org/zap"

	// Drivers register themselves with the device package.
	_ "nucleos/device/console"
	_ "nucleos/device/timer"
)

const (
	// KernelStackPages is the size of the privileged stack used for traps
	// taken from user mode.
	KernelStackPages = 4

	// KernelStackBase is the kernel address of the lowest stack page.
	KernelStackBase = vmm.KernelSpaceStart + 0x100000

	// KernelStackTop is the initial stack pointer of the privileged stack.
	KernelStackTop = KernelStackBase + KernelStackPages*mm.PageSize
)

// Command line keys understood by the kernel.
const (
	CmdLineQuantum  = "sched.quantum"
	CmdLineLogLevel = "log"
)

var (
	errAlreadyBooted = &kernel.Error{Module: "kmain", Message: "kernel entry invoked more than once"}
	errBadMagic      = &kernel.Error{Module: "kmain", Message: "invalid boot handoff magic"}
	errBadPrivilege  = &kernel.Error{Module: "kmain", Message: "boot handoff not at privilege level 0"}
	errBadStack      = &kernel.Error{Module: "kmain", Message: "invalid boot stack"}
	errBadImage      = &kernel.Error{Module: "kmain", Message: "invalid kernel image bounds"}
	errBadModule     = &kernel.Error{Module: "kmain", Message: "boot module is outside physical memory"}
)

var (
	bootedMu sync.Mutex
	booted   = make(map[*cpu.CPU]struct{})
)

// Options tunes the boot sequence.
type Options struct {
	// Sink receives all kernel output. The early buffer keeps it until a
	// console driver attaches. A new sink is created if nil.
	Sink *kfmt.Sink

	// Drivers lists the driver probes to run. Defaults to every
	// registered driver.
	Drivers device.DriverInfoList
}

// Kernel holds the subsystems created by Kmain.
type Kernel struct {
	CPU       *cpu.CPU
	Info      *multiboot.Info
	CmdLine   map[string]string
	Frames    *pmm.BitmapAllocator
	Memory    *vmm.Manager
	IRQ       *irq.Controller
	Scheduler *sched.Scheduler
	Syscalls  *syscall.Gateway
	Devices   *hal.Devices
	Sink      *kfmt.Sink
	Logger    *zap.Logger
}

// Kmain is the kernel entry point. It expects the CPU in the state
// established by the boot loader: RAX holds the multiboot magic, RBX the
// physical address of the boot information, RDI and RSI the physical bounds
// of the kernel image and RSP a valid boot stack.
//
// Kmain runs exactly once per CPU. On return the CPU registers hold the
// context of the first task and interrupts are enabled. Any failure is
// unrecoverable: the panic banner is printed, the CPU is halted and the
// error is returned.
func Kmain(c *cpu.CPU, opts Options) (*Kernel, *kernel.Error) {
	k := &Kernel{CPU: c, Sink: opts.Sink}
	if k.Sink == nil {
		k.Sink = new(kfmt.Sink)
	}

	c.DisableInterrupts()

	bootedMu.Lock()
	_, again := booted[c]
	booted[c] = struct{}{}
	bootedMu.Unlock()
	if again {
		return nil, k.fail(errAlreadyBooted)
	}

	var (
		handoff = c.Registers()
		drivers = opts.Drivers
		err     *kernel.Error
	)
	if drivers == nil {
		drivers = device.DriverList()
	}

	if err = checkHandoff(&handoff); err != nil {
		return nil, k.fail(err)
	}

	if k.Info, err = multiboot.Parse(c.Bus(), uintptr(handoff.RBX)); err != nil {
		return nil, k.fail(err)
	}
	if !stackInRAM(k.Info, handoff.RSP) {
		return nil, k.fail(errBadStack)
	}
	k.CmdLine = k.Info.CmdLineKV()
	k.Logger = kfmt.NewLogger(k.Sink, kfmt.ParseLevel(k.CmdLine[CmdLineLogLevel]))

	log := k.Logger.Named("kmain")
	log.Info("starting nucleos",
		zap.String("loader", k.Info.LoaderName),
		zap.String("cmdline", k.Info.CmdLine),
	)

	// Module contents live in memory that the allocator may hand out.
	modules, err := k.loadModules()
	if err != nil {
		return nil, k.fail(err)
	}

	kernelStart, kernelEnd := uintptr(handoff.RDI), uintptr(handoff.RSI)
	if k.Frames, err = pmm.Init(c.Bus(), k.Info, kernelStart, kernelEnd, k.Logger.Named("pmm")); err != nil {
		return nil, k.fail(err)
	}

	if err = k.initMemory(); err != nil {
		return nil, k.fail(err)
	}

	if err = k.initInterrupts(); err != nil {
		return nil, k.fail(err)
	}

	env := &device.Env{
		IRQ:     k.IRQ,
		Memory:  k.Memory,
		Logger:  k.Logger,
		CmdLine: k.CmdLine,
	}
	k.Devices = hal.DetectHardware(env, k.Sink, drivers)

	if err = k.initScheduler(modules); err != nil {
		return nil, k.fail(err)
	}
	env.Scheduler = k.Scheduler

	regs := c.Registers()
	k.Scheduler.Reschedule(&regs)
	c.SetRegisters(regs)

	if err = k.IRQ.Activate(); err != nil {
		return nil, k.fail(err)
	}

	log.Info("boot complete",
		zap.Int("tasks", len(k.Scheduler.Tasks())),
		zap.Uint32("free_frames", k.Frames.Stats().FreeFrames),
	)
	return k, nil
}

// fail prints the panic banner and halts the CPU.
func (k *Kernel) fail(err *kernel.Error) *kernel.Error {
	kfmt.Panic(k.Sink, k.CPU, err)
	return err
}

func checkHandoff(regs *gate.Registers) *kernel.Error {
	switch {
	case regs.RAX != multiboot.Magic:
		return errBadMagic
	case regs.Privilege() != 0:
		return errBadPrivilege
	case regs.RSP == 0 || regs.RSP%16 != 0:
		return errBadStack
	case regs.RSI <= regs.RDI:
		return errBadImage
	}
	return nil
}

// stackInRAM returns true if the 16 bytes below rsp are inside an available
// memory region.
func stackInRAM(info *multiboot.Info, rsp uint64) bool {
	found := false
	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable &&
			rsp-16 >= region.PhysAddress && rsp <= region.PhysAddress+region.Length {
			found = true
			return false
		}
		return true
	})
	return found
}

func (k *Kernel) loadModules() ([]syscall.Module, *kernel.Error) {
	modules := make([]syscall.Module, 0, len(k.Info.Modules))
	for i, mod := range k.Info.Modules {
		if mod.End < mod.Start {
			return nil, errBadModule
		}

		image := make([]byte, mod.Size())
		if err := k.CPU.Bus().ReadPhys(uintptr(mod.Start), image); err != nil {
			return nil, errBadModule
		}

		name := mod.Name
		if name == "" {
			name = fmt.Sprintf("module%d", i)
		}
		modules = append(modules, syscall.Module{Name: name, Image: image})
	}
	return modules, nil
}

// initMemory creates and activates the kernel address space and maps the
// privileged stack.
func (k *Kernel) initMemory() *kernel.Error {
	var err *kernel.Error

	k.Memory, err = vmm.NewManager(vmm.Config{
		MMU:         k.CPU,
		Bus:         k.CPU.Bus(),
		Frames:      k.Frames,
		Logger:      k.Logger.Named("vmm"),
		FaultOutput: k.Sink,
	})
	if err != nil {
		return err
	}
	if err = k.Memory.SwitchAddressSpace(k.Memory.KernelSpace()); err != nil {
		return err
	}

	stack := make([]byte, KernelStackPages*mm.PageSize)
	if err = k.Memory.Populate(k.Memory.KernelSpace(), KernelStackBase, stack, vmm.PermRead|vmm.PermWrite); err != nil {
		return err
	}
	k.CPU.SetKernelStack(KernelStackTop)
	return nil
}

// initInterrupts installs the trap vector table and the fault handlers.
func (k *Kernel) initInterrupts() *kernel.Error {
	k.IRQ = irq.NewController(irq.Config{
		CPU:         k.CPU,
		Logger:      k.Logger.Named("irq"),
		PanicOutput: k.Sink,
	})

	if err := k.IRQ.Init(); err != nil {
		return err
	}
	if err := k.IRQ.Install(gate.PageFaultException, k.Memory.HandlePageFault); err != nil {
		return err
	}
	return k.IRQ.Install(gate.GPFException, k.Memory.HandleGPF)
}

// initScheduler creates the scheduler, binds the syscall gateway and
// spawns a task for each boot module.
func (k *Kernel) initScheduler(modules []syscall.Module) *kernel.Error {
	var err *kernel.Error

	quantum, _ := strconv.ParseUint(k.CmdLine[CmdLineQuantum], 10, 64)
	k.Scheduler, err = sched.New(sched.Config{
		CPU:         k.CPU,
		Memory:      k.Memory,
		Logger:      k.Logger.Named("sched"),
		PanicOutput: k.Sink,
		Quantum:     quantum,
		KernelStack: KernelStackTop,
	})
	if err != nil {
		return err
	}
	k.IRQ.AttachScheduler(k.Scheduler)

	k.Syscalls = syscall.New(syscall.Config{
		Scheduler: k.Scheduler,
		Memory:    k.Memory,
		Console:   k.Sink,
		Modules:   modules,
		Logger:    k.Logger.Named("syscall"),
	})
	if err = k.IRQ.Install(gate.SyscallVector, k.Syscalls.Handle, irq.UserCallable); err != nil {
		return err
	}

	for _, mod := range modules {
		if _, err = k.Scheduler.Spawn(mod.Name, mod.Image, sched.PriorityNormal); err != nil {
			return err
		}
	}
	return nil
}
