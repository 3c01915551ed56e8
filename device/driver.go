// Package device defines the surface that drivers are written against and
// the registry the HAL probes drivers from.
package device

import (
	"io"
	"sort"

	"nucleos/kernel"
	"nucleos/kernel/irq"
	"nucleos/kernel/mm/vmm"
	"nucleos/kernel/sched"

	"go.uber.org/zap"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer.
	DriverInit(w io.Writer, env *Env) *kernel.Error
}

// Console is implemented by drivers that can display kernel output. The
// first console that initializes becomes the kernel output device.
type Console interface {
	Driver
	io.Writer
}

// Env exposes the kernel services available to drivers.
type Env struct {
	// IRQ is used to bind interrupt handlers.
	IRQ *irq.Controller

	// Memory is used to map device memory into the kernel space.
	Memory *vmm.Manager

	// Scheduler is set once the scheduler has been created; drivers
	// must check it for nil in handlers that may run before that.
	Scheduler *sched.Scheduler

	// Logger is the parent logger for driver diagnostics.
	Logger *zap.Logger

	// CmdLine contains the parsed kernel command line.
	CmdLine map[string]string
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it or nil.
type ProbeFn func(env *Env) Driver

// DetectOrder specifies when each driver's probe function will be invoked
// by the hal package.
type DetectOrder int8

// The predefined detection order values.
const (
	// DetectOrderEarly specifies that the driver's probe function should
	// be executed at the beginning of the HW detection phase.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderBeforeConsole specifies that the driver's probe function
	// should run before the console drivers.
	DetectOrderBeforeConsole DetectOrder = -127

	// DetectOrderConsole is used by console drivers.
	DetectOrderConsole DetectOrder = 0

	// DetectOrderLast specifies that the driver's probe function should
	// be executed at the end of the HW detection phase.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo is used to register a driver with the driver registry.
type DriverInfo struct {
	// Order specifies at which stage of the HW detection step should
	// the probe function be invoked.
	Order DetectOrder

	// Probe is a function that checks for the presence of a particular
	// piece of hardware and returns back a driver for it.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements
// sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var (
	// registeredDrivers tracks the drivers registered via a call to
	// RegisterDriver.
	registeredDrivers DriverInfoList
)

// RegisterDriver adds the supplied driver info to the driver registry.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns a copy of the registered drivers sorted by detection
// order. Drivers with the same order keep their registration order.
func DriverList() DriverInfoList {
	list := append(DriverInfoList(nil), registeredDrivers...)
	sort.Stable(list)
	return list
}
