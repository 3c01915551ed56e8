package hal

import (
	"bytes"
	"io"
	"testing"

	"nucleos/device"
	"nucleos/kernel"
	"nucleos/kernel/kfmt"
)

type fakeDriver struct {
	name    string
	initErr *kernel.Error
	inits   int
}

func (d *fakeDriver) DriverName() string                      { return d.name }
func (d *fakeDriver) DriverVersion() (uint16, uint16, uint16) { return 1, 2, 3 }
func (d *fakeDriver) DriverInit(w io.Writer, _ *device.Env) *kernel.Error {
	d.inits++
	if d.initErr == nil {
		io.WriteString(w, "ok\n")
	}
	return d.initErr
}

type fakeConsole struct {
	fakeDriver
	bytes.Buffer
}

func probeFor(drv device.Driver) *device.DriverInfo {
	return &device.DriverInfo{Probe: func(*device.Env) device.Driver { return drv }}
}

func TestDetectHardware(t *testing.T) {
	var (
		sink    kfmt.Sink
		timer   = &fakeDriver{name: "timer"}
		broken  = &fakeDriver{name: "broken", initErr: &kernel.Error{Module: "test", Message: "no device"}}
		primary = &fakeConsole{fakeDriver: fakeDriver{name: "uart"}}
		second  = &fakeConsole{fakeDriver: fakeDriver{name: "uart2"}}
	)

	io.WriteString(&sink, "early output\n")

	drivers := device.DriverInfoList{
		probeFor(timer),
		{Probe: func(*device.Env) device.Driver { return nil }},
		probeFor(broken),
		probeFor(primary),
		probeFor(second),
	}

	devices := DetectHardware(&device.Env{}, &sink, drivers)

	if got := devices.ActiveConsole(); got != primary {
		t.Fatalf("expected the first console to become active; got %v", got)
	}

	if exp, got := 3, len(devices.Drivers()); got != exp {
		t.Fatalf("expected %d initialized drivers; got %d", exp, got)
	}

	exp := "early output\n" +
		"[hal] timer(1.2.3): ok\n" +
		"[hal] timer(1.2.3): initialized\n" +
		"[hal] broken(1.2.3): init failed: no device\n" +
		"[hal] uart(1.2.3): ok\n" +
		"[hal] uart(1.2.3): initialized\n" +
		"[hal] uart2(1.2.3): ok\n" +
		"[hal] uart2(1.2.3): initialized\n"
	if got := primary.String(); got != exp {
		t.Fatalf("expected console output:\n%q\ngot:\n%q", exp, got)
	}

	if sink.Output() != primary || sink.Buffered() != 0 {
		t.Fatal("expected the early buffer to be flushed into the console")
	}

	if second.Len() != 0 {
		t.Fatal("expected the second console to receive no kernel output")
	}
}
