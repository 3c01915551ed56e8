// Package hal probes for the hardware present in the machine and keeps
// track of the drivers that initialized successfully.
package hal

import (
	"bytes"
	"fmt"

	"nucleos/device"
	"nucleos/kernel/kfmt"

	"go.uber.org/zap"
)

// Devices contains the devices discovered by DetectHardware.
type Devices struct {
	activeConsole device.Console

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

// ActiveConsole returns the console that receives kernel output or nil.
func (d *Devices) ActiveConsole() device.Console {
	return d.activeConsole
}

// Drivers returns the initialized drivers in probe order.
func (d *Devices) Drivers() []device.Driver {
	return d.activeDrivers
}

// DetectHardware runs the probe function of each entry in drivers, in
// order, and initializes the drivers that detect their hardware. Driver
// output is written to sink prefixed with the driver name and version. The
// first console that initializes becomes the output of sink.
func DetectHardware(env *device.Env, sink *kfmt.Sink, drivers device.DriverInfoList) *Devices {
	var (
		devices = &Devices{}
		logger  = zap.NewNop()
	)
	if env.Logger != nil {
		logger = env.Logger.Named("hal")
	}

	devices.probe(env, sink, drivers, logger)
	return devices
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func (d *Devices) probe(env *device.Env, sink *kfmt.Sink, drivers device.DriverInfoList, logger *zap.Logger) {
	var (
		w      = kfmt.PrefixWriter{Sink: sink}
		strBuf bytes.Buffer
	)

	for _, info := range drivers {
		drv := info.Probe(env)
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		fmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w, env); err != nil {
			fmt.Fprintf(&w, "init failed: %s\n", err.Message)
			logger.Warn("driver init failed", zap.String("driver", drv.DriverName()), zap.String("err", err.Message))
			continue
		}

		fmt.Fprintf(&w, "initialized\n")
		d.onDriverInit(drv, sink, logger)
		d.activeDrivers = append(d.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized.
func (d *Devices) onDriverInit(drv device.Driver, sink *kfmt.Sink, logger *zap.Logger) {
	cons, ok := drv.(device.Console)
	if !ok || d.activeConsole != nil {
		return
	}

	d.activeConsole = cons
	if err := sink.SetOutput(cons); err != nil {
		logger.Warn("flushing early output failed", zap.String("console", cons.DriverName()), zap.Error(err))
	}
	logger.Info("console attached", zap.String("console", cons.DriverName()))
}
