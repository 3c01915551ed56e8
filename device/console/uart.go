// Package console implements the driver for the memory-mapped UART that
// serves as the kernel console.
package console

import (
	"fmt"
	"io"

	"nucleos/device"
	"nucleos/kernel"
	"nucleos/kernel/mm/vmm"
)

// UART register layout. The device occupies a single page of physical
// address space.
const (
	// PhysAddr is the physical address of the UART registers.
	PhysAddr = uintptr(0xfe000000)

	// RegData is the transmit FIFO. Bytes written anywhere in
	// [RegData, RegData+FIFOSize) are transmitted in order.
	RegData = 0x00

	// FIFOSize is the number of bytes the transmit FIFO accepts per
	// write.
	FIFOSize = 8

	// RegStatus is the line status register.
	RegStatus = 0x08

	// StatusTxReady is set in the status register while the transmitter
	// accepts data.
	StatusTxReady = 1 << 0

	// VirtAddr is where the driver maps the registers in the kernel space.
	VirtAddr = vmm.KernelSpaceStart + 0x40000000
)

var errNotReady = &kernel.Error{Module: "uart", Message: "transmitter not ready"}

// UART is a console device backed by the memory-mapped serial port.
type UART struct {
	mem     *vmm.Manager
	written uint64
}

// DriverName returns the name of this driver.
func (*UART) DriverName() string {
	return "uart"
}

// DriverVersion returns the version of this driver.
func (*UART) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit maps the UART registers and checks that the transmitter is
// ready.
func (drv *UART) DriverInit(w io.Writer, env *device.Env) *kernel.Error {
	drv.mem = env.Memory
	if err := drv.mem.Map(drv.mem.KernelSpace(), VirtAddr, PhysAddr, vmm.PermRead|vmm.PermWrite); err != nil {
		return err
	}

	var status [1]byte
	err := drv.mem.KernelRead(VirtAddr+RegStatus, status[:])
	if err == nil && status[0]&StatusTxReady == 0 {
		err = errNotReady
	}
	if err != nil {
		_ = drv.mem.Unmap(drv.mem.KernelSpace(), VirtAddr)
		return err
	}

	fmt.Fprintf(w, "registers at 0x%x mapped to 0x%x\n", PhysAddr, VirtAddr)
	return nil
}

// Write transmits p through the FIFO.
func (drv *UART) Write(p []byte) (int, error) {
	var n int
	for n < len(p) {
		chunk := p[n:]
		if len(chunk) > FIFOSize {
			chunk = chunk[:FIFOSize]
		}

		if err := drv.mem.KernelWrite(VirtAddr+RegData, chunk); err != nil {
			return n, err
		}

		n += len(chunk)
		drv.written += uint64(len(chunk))
	}

	return n, nil
}

// Written returns the number of bytes transmitted.
func (drv *UART) Written() uint64 {
	return drv.written
}

func probeForUART(env *device.Env) device.Driver {
	if env.CmdLine["console"] == "off" {
		return nil
	}
	return &UART{}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderConsole,
		Probe: probeForUART,
	})
}
