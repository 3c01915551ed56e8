package cpu

import "encoding/binary"

// InstrSize is the size in bytes of an encoded instruction.
const InstrSize = 16

// Op is an instruction opcode.
type Op uint8

// Zeroed memory decodes as OpInvalid so that jumping into uninitialized
// memory raises an invalid opcode exception.
const (
	OpInvalid Op = iota
	OpNop
	OpMovImm
	OpMov
	OpAdd
	OpAddImm
	OpSub
	OpDiv
	OpLoad
	OpStore
	OpJmp
	OpJnz
	OpInt
	OpSyscall
	OpHlt
	OpCli
	OpSti
	opCount
)

// Reg identifies a general purpose register using the x86-64 encoding order.
type Reg uint8

// General purpose registers.
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	regCount
)

// Instr is a decoded instruction.
type Instr struct {
	Op  Op
	Dst Reg
	Src Reg
	Imm uint64
}

// Encode writes the instruction into buf which must be at least InstrSize
// bytes long.
func (in Instr) Encode(buf []byte) {
	buf[0] = byte(in.Op)
	buf[1] = byte(in.Dst)
	buf[2] = byte(in.Src)
	for i := 3; i < 8; i++ {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[8:], in.Imm)
}

// Decode parses an encoded instruction. It returns false if the encoding is
// not valid.
func Decode(buf []byte) (Instr, bool) {
	in := Instr{
		Op:  Op(buf[0]),
		Dst: Reg(buf[1]),
		Src: Reg(buf[2]),
		Imm: binary.LittleEndian.Uint64(buf[8:]),
	}

	if in.Op == OpInvalid || in.Op >= opCount || in.Dst >= regCount || in.Src >= regCount {
		return in, false
	}

	for i := 3; i < 8; i++ {
		if buf[i] != 0 {
			return in, false
		}
	}

	return in, true
}

// Assemble encodes a sequence of instructions into a flat program image.
func Assemble(program ...Instr) []byte {
	image := make([]byte, len(program)*InstrSize)
	for i, in := range program {
		in.Encode(image[i*InstrSize:])
	}
	return image
}

// Nop does nothing.
func Nop() Instr { return Instr{Op: OpNop} }

// MovImm loads an immediate value into dst.
func MovImm(dst Reg, v uint64) Instr { return Instr{Op: OpMovImm, Dst: dst, Imm: v} }

// Mov copies src into dst.
func Mov(dst, src Reg) Instr { return Instr{Op: OpMov, Dst: dst, Src: src} }

// Add adds src to dst.
func Add(dst, src Reg) Instr { return Instr{Op: OpAdd, Dst: dst, Src: src} }

// AddImm adds a signed immediate to dst.
func AddImm(dst Reg, v int64) Instr { return Instr{Op: OpAddImm, Dst: dst, Imm: uint64(v)} }

// Sub subtracts src from dst.
func Sub(dst, src Reg) Instr { return Instr{Op: OpSub, Dst: dst, Src: src} }

// Div divides dst by src.
func Div(dst, src Reg) Instr { return Instr{Op: OpDiv, Dst: dst, Src: src} }

// Load reads the 64-bit word at [base+off] into dst.
func Load(dst, base Reg, off int64) Instr {
	return Instr{Op: OpLoad, Dst: dst, Src: base, Imm: uint64(off)}
}

// Store writes src to the 64-bit word at [base+off].
func Store(base Reg, off int64, src Reg) Instr {
	return Instr{Op: OpStore, Dst: base, Src: src, Imm: uint64(off)}
}

// Jmp jumps by off instructions relative to the next instruction.
func Jmp(off int64) Instr { return Instr{Op: OpJmp, Imm: uint64(off)} }

// Jnz jumps by off instructions relative to the next instruction if r is
// not zero.
func Jnz(r Reg, off int64) Instr { return Instr{Op: OpJnz, Dst: r, Imm: uint64(off)} }

// Int raises a software interrupt.
func Int(vector uint8) Instr { return Instr{Op: OpInt, Imm: uint64(vector)} }

// Syscall raises the system call trap.
func Syscall() Instr { return Instr{Op: OpSyscall} }

// Hlt waits for the next interrupt. Privileged.
func Hlt() Instr { return Instr{Op: OpHlt} }

// Cli masks interrupts. Privileged.
func Cli() Instr { return Instr{Op: OpCli} }

// Sti unmasks interrupts. Privileged.
func Sti() Instr { return Instr{Op: OpSti} }
