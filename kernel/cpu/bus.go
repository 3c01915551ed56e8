package cpu

import (
	"encoding/binary"

	"nucleos/kernel"
)

var errBusFault = &kernel.Error{Module: "bus", Message: "access to non-existent physical address"}

// Bus provides access to physical memory. The kernel uses it directly for
// page table and frame contents and the MMU uses it after translating
// virtual addresses.
type Bus interface {
	// ReadPhys copies len(p) bytes starting at physical address addr into p.
	ReadPhys(addr uintptr, p []byte) *kernel.Error

	// WritePhys copies p to the physical address addr.
	WritePhys(addr uintptr, p []byte) *kernel.Error
}

// RAM is a Bus backed by a contiguous byte slice starting at physical
// address 0.
type RAM struct {
	data []byte
}

// NewRAM allocates size bytes of zeroed RAM.
func NewRAM(size uintptr) *RAM {
	return &RAM{data: make([]byte, size)}
}

// Size returns the amount of installed memory in bytes.
func (r *RAM) Size() uintptr {
	return uintptr(len(r.data))
}

// Contains returns true if the range [addr, addr+length) is backed by RAM.
func (r *RAM) Contains(addr, length uintptr) bool {
	return addr+length >= addr && addr+length <= uintptr(len(r.data))
}

// ReadPhys implements Bus.
func (r *RAM) ReadPhys(addr uintptr, p []byte) *kernel.Error {
	if !r.Contains(addr, uintptr(len(p))) {
		return errBusFault
	}
	copy(p, r.data[addr:])
	return nil
}

// WritePhys implements Bus.
func (r *RAM) WritePhys(addr uintptr, p []byte) *kernel.Error {
	if !r.Contains(addr, uintptr(len(p))) {
		return errBusFault
	}
	copy(r.data[addr:], p)
	return nil
}

// ReadUint64 reads a little-endian 64-bit word from physical memory.
func ReadUint64(bus Bus, addr uintptr) (uint64, *kernel.Error) {
	var buf [8]byte
	if err := bus.ReadPhys(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little-endian 64-bit word to physical memory.
func WriteUint64(bus Bus, addr uintptr, v uint64) *kernel.Error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return bus.WritePhys(addr, buf[:])
}

// Memset sets size bytes starting at physical address addr to value.
func Memset(bus Bus, addr uintptr, value byte, size uintptr) *kernel.Error {
	var block [256]byte
	if value != 0 {
		for i := range block {
			block[i] = value
		}
	}

	for size > 0 {
		n := size
		if n > uintptr(len(block)) {
			n = uintptr(len(block))
		}
		if err := bus.WritePhys(addr, block[:n]); err != nil {
			return err
		}
		addr += n
		size -= n
	}
	return nil
}
