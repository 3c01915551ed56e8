// Package machine assembles the emulated computer the kernel runs on: RAM,
// the serial port, the CPU and a boot loader that places the boot
// information, the kernel image bounds and the boot modules in memory before
// handing the CPU over to the kernel. It drives the CPU either for a fixed
// number of timer ticks or in real time.
package machine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"nucleos/device/timer"
	"nucleos/kernel/cpu"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/kmain"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/pmm"
	"nucleos/kernel/sched"
	"nucleos/multiboot"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// BootInfoAddr is the physical address of the boot information block.
	BootInfoAddr = 0x9000

	// LoaderName is reported to the kernel in the boot information.
	LoaderName = "nucleos-machine"

	// lowMemoryEnd is the end of the low memory area that holds the boot
	// information.
	lowMemoryEnd = 0x100000

	// moduleAlign is the alignment of boot modules in memory.
	moduleAlign = 0x10000
)

var (
	// ErrHalted is returned when the CPU stops for good, e.g. after a
	// kernel panic.
	ErrHalted = errors.New("machine halted")

	// ErrNotBooted is returned when running a machine before Boot.
	ErrNotBooted = errors.New("machine has not been booted")
)

// Config contains the parameters of a Machine.
type Config struct {
	// Profile describes the machine; DefaultProfile is used if nil.
	Profile *Profile

	// Console receives the bytes transmitted by the serial port.
	Console io.Writer

	// LogLevel, if set, overrides the kernel log level on the command
	// line.
	LogLevel string

	// Logger receives host side diagnostics.
	Logger *zap.Logger
}

// Machine is an emulated computer.
type Machine struct {
	id      uuid.UUID
	profile *Profile
	cmdLine string
	memSize uint64

	ram    *cpu.RAM
	serial *serialPort
	cpu    *cpu.CPU
	sink   *kfmt.Sink
	kernel *kmain.Kernel

	logger *zap.Logger
}

// New creates a machine and runs the boot loader. The CPU is left in the
// state the kernel expects on entry.
func New(cfg Config) (*Machine, error) {
	profile := cfg.Profile
	if profile == nil {
		profile = DefaultProfile()
	}
	if err := profile.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid profile")
	}

	m := &Machine{
		id:      uuid.New(),
		profile: profile,
		cmdLine: buildCmdLine(profile, cfg.LogLevel),
		serial:  &serialPort{out: cfg.Console},
		sink:    new(kfmt.Sink),
		logger:  cfg.Logger,
	}
	if m.serial.out == nil {
		m.serial.out = io.Discard
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("boot_id", m.id.String()))

	m.memSize, _ = profile.MemorySize()
	m.ram = cpu.NewRAM(uintptr(m.memSize))
	m.cpu = cpu.New(&Bus{ram: m.ram, serial: m.serial})

	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func buildCmdLine(p *Profile, logLevel string) string {
	args := strings.Fields(p.CmdLine)
	if p.Quantum != 0 && !strings.Contains(p.CmdLine, kmain.CmdLineQuantum+"=") {
		args = append(args, fmt.Sprintf("%s=%d", kmain.CmdLineQuantum, p.Quantum))
	}
	if logLevel != "" {
		args = append(args, kmain.CmdLineLogLevel+"="+logLevel)
	}
	return strings.Join(args, " ")
}

// load writes the modules and the boot information into RAM and sets the
// handoff registers.
func (m *Machine) load() error {
	regions, err := m.profile.MemoryMap()
	if err != nil {
		return err
	}
	kernelStart, kernelEnd, err := m.profile.KernelBounds()
	if err != nil {
		return err
	}

	b := new(multiboot.Builder).
		CmdLine(m.cmdLine).
		LoaderName(LoaderName).
		BasicMemoryInfo(640, uint32((m.memSize-lowMemoryEnd)>>10))

	addr := alignUp(kernelEnd, moduleAlign)
	for _, name := range m.profile.Modules {
		image, _ := Program(name)
		end := addr + uint64(len(image))
		if end > m.memSize {
			return errors.Errorf("module %q does not fit in memory", name)
		}
		if kerr := m.ram.WritePhys(uintptr(addr), image); kerr != nil {
			return errors.Wrapf(kerr, "load module %q", name)
		}

		b.Module(multiboot.Module{Start: addr, End: end, Name: name})
		m.logger.Debug("loaded module",
			zap.String("name", name),
			zap.String("addr", fmt.Sprintf("0x%x", addr)),
			zap.String("size", humanize.IBytes(uint64(len(image)))),
		)
		addr = alignUp(end, moduleAlign)
	}

	regions = append(regions, multiboot.MemoryMapEntry{
		PhysAddress: uint64(uartPhysAddr),
		Length:      uint64(mm.PageSize),
		Type:        multiboot.MemReserved,
	})
	info := b.MemoryMap(regions...).Bytes()
	if BootInfoAddr+len(info) > lowMemoryEnd {
		return errors.Errorf("boot information (%s) does not fit in low memory", humanize.IBytes(uint64(len(info))))
	}
	if kerr := m.ram.WritePhys(BootInfoAddr, info); kerr != nil {
		return errors.Wrap(kerr, "write boot information")
	}

	regs := m.cpu.Registers()
	regs.RAX = multiboot.Magic
	regs.RBX = BootInfoAddr
	regs.RDI = kernelStart
	regs.RSI = kernelEnd
	regs.RSP = kernelEnd &^ 15
	m.cpu.SetRegisters(regs)
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Boot enters the kernel. It returns once the kernel has started its first
// task.
func (m *Machine) Boot() error {
	m.logger.Info("booting",
		zap.String("memory", humanize.IBytes(m.memSize)),
		zap.String("cmdline", m.cmdLine),
		zap.Strings("modules", m.profile.Modules),
	)

	k, err := kmain.Kmain(m.cpu, kmain.Options{Sink: m.sink})
	if err != nil {
		return errors.Wrap(err, "kernel boot failed")
	}
	m.kernel = k
	return nil
}

// Run drives the machine for the given number of timer ticks. Each tick the
// timer line is raised and the CPU executes up to StepsPerTick steps; an
// idle CPU skips the rest of the tick.
func (m *Machine) Run(ticks uint64) error {
	if m.kernel == nil {
		return ErrNotBooted
	}

	for i := uint64(0); i < ticks; i++ {
		m.cpu.RaiseIRQ(timer.Line)
		for s := 0; s < m.profile.StepsPerTick; s++ {
			if m.cpu.Idle() && m.cpu.PendingIRQs() == 0 {
				break
			}
			if m.cpu.Step() != nil {
				return ErrHalted
			}
		}
	}

	if m.cpu.Stopped() {
		return ErrHalted
	}
	return nil
}

// RunRealtime drives the machine until ctx is done, raising the timer line
// every period from a separate goroutine. An idle CPU sleeps until the next
// interrupt.
func (m *Machine) RunRealtime(ctx context.Context, period time.Duration) error {
	if m.kernel == nil {
		return ErrNotBooted
	}
	if period <= 0 {
		return errors.Errorf("invalid timer period %s", period)
	}

	g, ctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-stop:
				return nil
			case <-ticker.C:
				m.cpu.RaiseIRQ(timer.Line)
			}
		}
	})

	g.Go(func() error {
		defer close(stop)

		for ctx.Err() == nil {
			if m.cpu.Idle() && m.cpu.PendingIRQs() == 0 {
				select {
				case <-ctx.Done():
				case <-m.cpu.Wake():
				}
				continue
			}
			if m.cpu.Step() != nil {
				return ErrHalted
			}
		}
		return nil
	})

	return g.Wait()
}

// ID returns the unique identifier of this boot.
func (m *Machine) ID() uuid.UUID {
	return m.id
}

// CPU returns the processor.
func (m *Machine) CPU() *cpu.CPU {
	return m.cpu
}

// Kernel returns the kernel context, or nil before Boot.
func (m *Machine) Kernel() *kmain.Kernel {
	return m.kernel
}

// Sink returns the kernel output sink.
func (m *Machine) Sink() *kfmt.Sink {
	return m.sink
}

// CmdLine returns the kernel command line passed by the loader.
func (m *Machine) CmdLine() string {
	return m.cmdLine
}

// TaskReport describes a live task.
type TaskReport struct {
	ID       uint32
	Name     string
	State    sched.State
	RunCount uint64
}

// Report contains machine and kernel counters.
type Report struct {
	BootID      string
	Halted      bool
	Cycles      uint64
	Traps       uint64
	Transmitted uint64
	Sched       sched.Stats
	Frames      pmm.Stats
	Tasks       []TaskReport
}

// Report returns the current counters.
func (m *Machine) Report() Report {
	r := Report{
		BootID:      m.id.String(),
		Halted:      m.cpu.Stopped(),
		Cycles:      m.cpu.Cycles(),
		Traps:       m.cpu.Traps(),
		Transmitted: m.serial.transmitted,
	}
	if m.kernel == nil {
		return r
	}

	r.Sched = m.kernel.Scheduler.Stats()
	r.Frames = m.kernel.Frames.Stats()
	for _, task := range m.kernel.Scheduler.Tasks() {
		r.Tasks = append(r.Tasks, TaskReport{
			ID:       task.ID(),
			Name:     task.Name(),
			State:    task.State(),
			RunCount: task.RunCount(),
		})
	}
	return r
}

// WriteSummary prints a human readable summary of the report.
func (r Report) WriteSummary(w io.Writer) {
	fmt.Fprintf(w, "boot %s: halted=%t\n", r.BootID, r.Halted)
	fmt.Fprintf(w, "  cycles: %s, traps: %s, ticks: %s\n",
		humanize.Comma(int64(r.Cycles)), humanize.Comma(int64(r.Traps)), humanize.Comma(int64(r.Sched.Ticks)))
	fmt.Fprintf(w, "  tasks: spawned %d, terminated %d, switches %s\n",
		r.Sched.Spawned, r.Sched.Terminated, humanize.Comma(int64(r.Sched.Switches)))
	fmt.Fprintf(w, "  memory: %s free of %s\n",
		humanize.IBytes(uint64(r.Frames.FreeFrames)*uint64(mm.PageSize)),
		humanize.IBytes(uint64(r.Frames.TotalFrames)*uint64(mm.PageSize)))
	fmt.Fprintf(w, "  console: %s transmitted\n", humanize.IBytes(r.Transmitted))
	for _, task := range r.Tasks {
		fmt.Fprintf(w, "  task %d %-10s %-10s ran %d times\n", task.ID, task.Name, task.State, task.RunCount)
	}
}
