// Package timer implements the driver for the programmable interval timer.
// Every timer interrupt drives the scheduler's tick accounting.
package timer

import (
	"fmt"
	"io"

	"nucleos/device"
	"nucleos/kernel"
	"nucleos/kernel/gate"
)

// Line is the interrupt line the timer is wired to.
const Line = 0

// Driver handles timer interrupts.
type Driver struct {
	env   *device.Env
	ticks uint64
}

// DriverName returns the name of this driver.
func (*Driver) DriverName() string {
	return "pit"
}

// DriverVersion returns the version of this driver.
func (*Driver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit binds the timer interrupt handler.
func (drv *Driver) DriverInit(w io.Writer, env *device.Env) *kernel.Error {
	drv.env = env
	if err := env.IRQ.InstallIRQ(Line, drv.handleTick); err != nil {
		return err
	}

	fmt.Fprintf(w, "bound to IRQ %d (vector %d)\n", Line, gate.IRQ(Line))
	return nil
}

// Ticks returns the number of timer interrupts handled.
func (drv *Driver) Ticks() uint64 {
	return drv.ticks
}

func (drv *Driver) handleTick(_ *gate.Registers) *kernel.Error {
	drv.ticks++
	if s := drv.env.Scheduler; s != nil {
		s.Tick()
	}
	return nil
}

func probeForTimer(_ *device.Env) device.Driver {
	return &Driver{}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForTimer,
	})
}
