package machine

import (
	"io"

	"nucleos/device/console"
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mm"
)

// uartPhysAddr is the start of the serial port register page.
const uartPhysAddr = console.PhysAddr

// Bus routes physical accesses either to RAM or to the serial port
// registers.
type Bus struct {
	ram    *cpu.RAM
	serial *serialPort
}

// ReadPhys implements cpu.Bus.
func (b *Bus) ReadPhys(addr uintptr, p []byte) *kernel.Error {
	if off, ok := serialOffset(addr, len(p)); ok {
		b.serial.read(off, p)
		return nil
	}
	return b.ram.ReadPhys(addr, p)
}

// WritePhys implements cpu.Bus.
func (b *Bus) WritePhys(addr uintptr, p []byte) *kernel.Error {
	if off, ok := serialOffset(addr, len(p)); ok {
		b.serial.write(off, p)
		return nil
	}
	return b.ram.WritePhys(addr, p)
}

// serialOffset returns the register offset of an access that falls entirely
// inside the serial port page.
func serialOffset(addr uintptr, size int) (uintptr, bool) {
	if addr < uartPhysAddr || addr+uintptr(size) > uartPhysAddr+mm.PageSize {
		return 0, false
	}
	return addr - uartPhysAddr, true
}

// serialPort emulates the transmit side of the UART. The transmitter is
// always ready; bytes written to the FIFO window go straight to out.
type serialPort struct {
	out         io.Writer
	transmitted uint64
}

func (s *serialPort) read(off uintptr, p []byte) {
	for i := range p {
		p[i] = 0
		if off+uintptr(i) == console.RegStatus {
			p[i] = console.StatusTxReady
		}
	}
}

func (s *serialPort) write(off uintptr, p []byte) {
	if off < console.RegData || off+uintptr(len(p)) > console.RegData+console.FIFOSize {
		return
	}

	n, _ := s.out.Write(p)
	s.transmitted += uint64(n)
}
