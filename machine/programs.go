package machine

import (
	"sort"

	"nucleos/kernel/cpu"
	"nucleos/kernel/mm"
	"nucleos/kernel/sched"
	"nucleos/kernel/syscall"
)

// MapperRegion is the address at which the mapper program reserves its
// demand-zero region.
const MapperRegion = 0x10000000

// programs maps demo program names to their images. Each image is loaded at
// sched.UserCodeBase.
var programs = map[string][]byte{
	"hello": withData("hello from user space\n", func(msg uint64, size int) []cpu.Instr {
		return seq(
			write(msg, size),
			exit(0),
		)
	}),

	// counter prints a line every other tick, three times.
	"counter": withData("counter: tick\n", func(msg uint64, size int) []cpu.Instr {
		body := seq(
			write(msg, size),
			sleep(2),
			[]cpu.Instr{cpu.AddImm(cpu.RBX, -1)},
		)
		return seq(
			[]cpu.Instr{cpu.MovImm(cpu.RBX, 3)},
			body,
			[]cpu.Instr{cpu.Jnz(cpu.RBX, -int64(len(body)+1))},
			exit(0),
		)
	}),

	// spinner never gives up the CPU voluntarily.
	"spinner": withData("spinner: running\n", func(msg uint64, size int) []cpu.Instr {
		return seq(
			write(msg, size),
			[]cpu.Instr{cpu.Jmp(-1)},
		)
	}),

	// faulty dereferences the null page and is killed by the kernel.
	"faulty": withData("faulty: reading the null page\n", func(msg uint64, size int) []cpu.Instr {
		return seq(
			write(msg, size),
			[]cpu.Instr{
				cpu.MovImm(cpu.RBX, 0),
				cpu.Load(cpu.RAX, cpu.RBX, 0),
			},
			exit(0),
		)
	}),

	// divider divides by zero and is killed by the kernel.
	"divider": withData("divider: dividing by zero\n", func(msg uint64, size int) []cpu.Instr {
		return seq(
			write(msg, size),
			[]cpu.Instr{
				cpu.MovImm(cpu.RAX, 42),
				cpu.MovImm(cpu.RBX, 0),
				cpu.Div(cpu.RAX, cpu.RBX),
			},
			exit(0),
		)
	}),

	// stack touches its demand-zero stack and reports success if the
	// value reads back.
	"stack": withData("stack: demand-zero page ok\n", func(msg uint64, size int) []cpu.Instr {
		report := write(msg, size)
		return seq(
			[]cpu.Instr{
				cpu.MovImm(cpu.RCX, 0x5a5a),
				cpu.Store(cpu.RSP, -8, cpu.RCX),
				cpu.Load(cpu.RDX, cpu.RSP, -8),
				cpu.Sub(cpu.RDX, cpu.RCX),
				cpu.Jnz(cpu.RDX, int64(len(report))),
			},
			report,
			exit(0),
		)
	}),

	// mapper reserves a writable region, writes to its second page, reads
	// the value back and releases the region. It exits with status 1 if
	// any step fails.
	"mapper": withData("mapper: region mapped and touched\n", func(msg uint64, size int) []cpu.Instr {
		ok := seq(
			write(msg, size),
			[]cpu.Instr{
				cpu.MovImm(cpu.RAX, uint64(syscall.Unmap)),
				cpu.MovImm(cpu.RDI, MapperRegion),
				cpu.MovImm(cpu.RSI, 2),
				cpu.Syscall(),
			},
			exit(0),
		)
		touch := []cpu.Instr{
			cpu.MovImm(cpu.RBX, MapperRegion+uint64(mm.PageSize)),
			cpu.MovImm(cpu.RCX, 7),
			cpu.Store(cpu.RBX, 0, cpu.RCX),
			cpu.Load(cpu.RDX, cpu.RBX, 0),
			cpu.Sub(cpu.RDX, cpu.RCX),
			cpu.Jnz(cpu.RDX, int64(len(ok))),
		}
		return seq(
			[]cpu.Instr{
				cpu.MovImm(cpu.RAX, uint64(syscall.Map)),
				cpu.MovImm(cpu.RDI, MapperRegion),
				cpu.MovImm(cpu.RSI, 2),
				cpu.MovImm(cpu.RDX, syscall.MapWrite),
				cpu.Syscall(),
				cpu.Jnz(cpu.RAX, int64(len(touch)+len(ok))),
			},
			touch,
			ok,
			exit(1),
		)
	}),

	// badcall issues an unknown request and reports the -1 result.
	"badcall": withData("badcall: invalid request rejected\n", func(msg uint64, size int) []cpu.Instr {
		report := write(msg, size)
		return seq(
			[]cpu.Instr{
				cpu.MovImm(cpu.RAX, 99),
				cpu.Syscall(),
				cpu.AddImm(cpu.RAX, 1),
				cpu.Jnz(cpu.RAX, int64(len(report))),
			},
			report,
			exit(0),
		)
	}),
}

// Program returns the image of the named demo program.
func Program(name string) ([]byte, bool) {
	image, ok := programs[name]
	return image, ok
}

// ProgramNames returns the sorted names of the demo programs.
func ProgramNames() []string {
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// withData lays out the code returned by build followed by data. build is
// invoked with the address and size of data once the program is loaded; its
// instruction count must not depend on the address.
func withData(data string, build func(dataAddr uint64, size int) []cpu.Instr) []byte {
	codeSize := len(build(0, len(data))) * cpu.InstrSize
	dataAddr := uint64(sched.UserCodeBase) + uint64(codeSize)
	return append(cpu.Assemble(build(dataAddr, len(data))...), data...)
}

func seq(parts ...[]cpu.Instr) []cpu.Instr {
	var out []cpu.Instr
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}

func write(buf uint64, size int) []cpu.Instr {
	return []cpu.Instr{
		cpu.MovImm(cpu.RAX, uint64(syscall.Write)),
		cpu.MovImm(cpu.RDI, buf),
		cpu.MovImm(cpu.RSI, uint64(size)),
		cpu.Syscall(),
	}
}

func sleep(ticks uint64) []cpu.Instr {
	return []cpu.Instr{
		cpu.MovImm(cpu.RAX, uint64(syscall.Sleep)),
		cpu.MovImm(cpu.RDI, ticks),
		cpu.Syscall(),
	}
}

func exit(status uint64) []cpu.Instr {
	return []cpu.Instr{
		cpu.MovImm(cpu.RAX, uint64(syscall.Exit)),
		cpu.MovImm(cpu.RDI, status),
		cpu.Syscall(),
	}
}
