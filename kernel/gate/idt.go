package gate

import "encoding/binary"

const (
	// tableEntries is the number of slots in the trap vector table.
	tableEntries = 256

	// descriptorSize is the size in bytes of a 64-bit gate descriptor.
	descriptorSize = 16

	// StubBase is the kernel virtual address of the first trap entry stub.
	// Each vector gets its own stub that records the vector number and
	// jumps to the common dispatch code.
	StubBase = uintptr(0xffffff8000000000)

	// stubSize is the distance between two consecutive entry stubs.
	stubSize = uintptr(16)
)

// GateType selects how the CPU treats the interrupt flag on entry.
type GateType uint8

const (
	// InterruptGate clears IF on entry so the handler runs with interrupts
	// masked.
	InterruptGate GateType = 0xe

	// TrapGate leaves IF untouched on entry.
	TrapGate GateType = 0xf
)

// Descriptor is the decoded form of a gate descriptor.
type Descriptor struct {
	// Offset is the address of the entry stub invoked for this vector.
	Offset uintptr

	// Selector is the code segment loaded on entry.
	Selector uint16

	// IST selects an interrupt stack table slot (0 = no stack switch).
	IST uint8

	// Type is the gate type.
	Type GateType

	// DPL is the most privileged level allowed to raise this vector
	// through a software INT instruction.
	DPL uint8

	// Present must be set for the CPU to use the descriptor.
	Present bool
}

// Table is a trap vector table laid out in the format expected by the CPU.
type Table struct {
	data [tableEntries * descriptorSize]byte
}

// EntryAddress returns the entry stub address for vector n.
func EntryAddress(n InterruptNumber) uintptr {
	return StubBase + uintptr(n)*stubSize
}

// VectorForEntry maps an entry stub address back to its vector. It returns
// false if addr does not point to the start of a stub.
func VectorForEntry(addr uintptr) (InterruptNumber, bool) {
	if addr < StubBase || (addr-StubBase)%stubSize != 0 {
		return 0, false
	}

	index := (addr - StubBase) / stubSize
	if index >= tableEntries {
		return 0, false
	}

	return InterruptNumber(index), true
}

// Set encodes d into the slot for vector n.
func (t *Table) Set(n InterruptNumber, d Descriptor) {
	entry := t.data[int(n)*descriptorSize : (int(n)+1)*descriptorSize]
	for i := range entry {
		entry[i] = 0
	}

	attr := uint8(d.Type&0xf) | (d.DPL&3)<<5
	if d.Present {
		attr |= 1 << 7
	}

	binary.LittleEndian.PutUint16(entry[0:], uint16(d.Offset))
	binary.LittleEndian.PutUint16(entry[2:], d.Selector)
	entry[4] = d.IST & 7
	entry[5] = attr
	binary.LittleEndian.PutUint16(entry[6:], uint16(d.Offset>>16))
	binary.LittleEndian.PutUint32(entry[8:], uint32(d.Offset>>32))
}

// Get decodes the descriptor stored in the slot for vector n.
func (t *Table) Get(n InterruptNumber) Descriptor {
	entry := t.data[int(n)*descriptorSize : (int(n)+1)*descriptorSize]
	attr := entry[5]

	return Descriptor{
		Offset: uintptr(binary.LittleEndian.Uint16(entry[0:])) |
			uintptr(binary.LittleEndian.Uint16(entry[6:]))<<16 |
			uintptr(binary.LittleEndian.Uint32(entry[8:]))<<32,
		Selector: binary.LittleEndian.Uint16(entry[2:]),
		IST:      entry[4] & 7,
		Type:     GateType(attr & 0xf),
		DPL:      (attr >> 5) & 3,
		Present:  attr&(1<<7) != 0,
	}
}

// Bytes returns the raw table contents.
func (t *Table) Bytes() []byte {
	return t.data[:]
}
