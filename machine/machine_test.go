package machine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"nucleos/kernel/sched"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func profileWith(modules ...string) *Profile {
	p := DefaultProfile()
	p.Modules = modules
	return p
}

func bootMachine(t *testing.T, p *Profile) (*Machine, *bytes.Buffer) {
	t.Helper()

	console := new(bytes.Buffer)
	m, err := New(Config{Profile: p, Console: console})
	require.NoError(t, err)
	require.NoError(t, m.Boot())
	return m, console
}

func taskNames(m *Machine) []string {
	var names []string
	for _, task := range m.Kernel().Scheduler.Tasks() {
		names = append(names, task.Name())
	}
	return names
}

func TestBootDefaultProfile(t *testing.T) {
	m, console := bootMachine(t, nil)

	assert.Equal(t, "log=info sched.quantum=2", m.CmdLine())
	assert.NotNil(t, m.Kernel().Devices.ActiveConsole())
	assert.Zero(t, m.Sink().Buffered(), "early output is flushed into the console")

	require.NoError(t, m.Run(200))

	out := console.String()
	assert.Contains(t, out, "INFO [kmain] starting nucleos")
	assert.Contains(t, out, "[hal] uart(0.1.0): registers at 0xfe000000 mapped to 0xffffff8040000000")
	assert.Contains(t, out, "hello from user space\n")
	assert.Equal(t, 3, strings.Count(out, "counter: tick\n"))
	assert.Contains(t, out, "spinner: running\n")
	assert.Contains(t, out, "faulty: reading the null page\n")
	assert.Contains(t, out, "Page fault while accessing address")

	// The spinner never exits; everything else has terminated.
	assert.Equal(t, []string{"idle", "spinner"}, taskNames(m))

	report := m.Report()
	assert.False(t, report.Halted)
	assert.EqualValues(t, 4, report.Sched.Spawned)
	assert.EqualValues(t, 3, report.Sched.Terminated)
	assert.EqualValues(t, 200, report.Sched.Ticks)
	assert.EqualValues(t, console.Len(), report.Transmitted)

	var summary bytes.Buffer
	report.WriteSummary(&summary)
	assert.Contains(t, summary.String(), "boot "+m.ID().String())
	assert.Contains(t, summary.String(), "spinner")
}

func TestFaultingTasksAreIsolated(t *testing.T) {
	m, console := bootMachine(t, profileWith("spinner", "faulty", "divider", "counter"))

	require.NoError(t, m.Run(200))

	out := console.String()
	assert.Contains(t, out, "faulty: reading the null page\n")
	assert.Contains(t, out, "divider: dividing by zero\n")
	assert.Equal(t, 3, strings.Count(out, "counter: tick\n"), "other tasks keep running")
	assert.NotContains(t, out, "kernel panic")

	assert.Equal(t, []string{"idle", "spinner"}, taskNames(m))
	assert.False(t, m.CPU().Stopped())
}

func TestUserServices(t *testing.T) {
	specs := []struct {
		program string
		expOut  string
	}{
		{"stack", "stack: demand-zero page ok\n"},
		{"mapper", "mapper: region mapped and touched\n"},
		{"badcall", "badcall: invalid request rejected\n"},
	}

	for _, spec := range specs {
		t.Run(spec.program, func(t *testing.T) {
			m, console := bootMachine(t, profileWith(spec.program))

			require.NoError(t, m.Run(20))
			assert.Contains(t, console.String(), spec.expOut)
			assert.Equal(t, []string{"idle"}, taskNames(m), "the program exits normally")
		})
	}
}

func TestRoundRobinFairness(t *testing.T) {
	p := profileWith("spinner", "spinner", "spinner", "spinner")
	p.Quantum = 1
	m, _ := bootMachine(t, p)

	// The first spinner is running after boot; each tick switches to the
	// next one.
	require.NoError(t, m.Run(3))
	for _, task := range m.Kernel().Scheduler.Tasks() {
		if task.Name() == "spinner" {
			assert.GreaterOrEqual(t, task.RunCount(), uint64(1), "task %d never ran", task.ID())
		}
	}

	require.NoError(t, m.Run(40))
	for _, task := range m.Report().Tasks {
		if task.Name == "spinner" {
			assert.InDelta(t, 11, task.RunCount, 1, "task %d", task.ID)
		}
	}
}

func TestTerminatedTasksReleaseMemory(t *testing.T) {
	empty, _ := bootMachine(t, profileWith())
	baseline := empty.Kernel().Frames.Stats().FreeFrames

	m, _ := bootMachine(t, profileWith("hello", "stack", "mapper"))
	assert.Less(t, m.Kernel().Frames.Stats().FreeFrames, baseline)

	require.NoError(t, m.Run(50))
	require.Equal(t, []string{"idle"}, taskNames(m))
	assert.Equal(t, baseline, m.Kernel().Frames.Stats().FreeFrames)
}

func TestIdleMachineServesInterrupts(t *testing.T) {
	m, _ := bootMachine(t, profileWith())

	k := m.Kernel()
	assert.Equal(t, k.Scheduler.Idle(), k.Scheduler.Current())

	require.NoError(t, m.Run(5))
	assert.EqualValues(t, 5, k.Scheduler.Ticks())
	assert.True(t, m.CPU().Idle())
	assert.Equal(t, k.Scheduler.Idle(), k.Scheduler.PickNext())
}

func TestConsoleDisabled(t *testing.T) {
	p := profileWith("hello")
	p.CmdLine = "console=off"
	m, console := bootMachine(t, p)

	require.NoError(t, m.Run(10))
	assert.Zero(t, console.Len())
	assert.Nil(t, m.Kernel().Devices.ActiveConsole())
	assert.NotZero(t, m.Sink().Buffered())
}

func TestRunBeforeBoot(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)

	assert.Equal(t, ErrNotBooted, m.Run(1))
	assert.Equal(t, ErrNotBooted, m.RunRealtime(context.Background(), time.Millisecond))
}

func TestRunHaltedMachine(t *testing.T) {
	m, _ := bootMachine(t, profileWith("spinner"))

	m.CPU().Halt()
	assert.True(t, errors.Is(m.Run(1), ErrHalted))
	assert.True(t, m.Report().Halted)
}

func TestLogLevelOverride(t *testing.T) {
	console := new(bytes.Buffer)
	m, err := New(Config{Profile: profileWith("hello"), Console: console, LogLevel: "debug"})
	require.NoError(t, err)
	require.NoError(t, m.Boot())

	assert.Equal(t, "log=info sched.quantum=2 log=debug", m.CmdLine())
	require.NoError(t, m.Run(10))
	assert.Contains(t, console.String(), "DEBUG [sched] context switch")
}

func TestRunRealtime(t *testing.T) {
	m, console := bootMachine(t, profileWith("counter", "spinner"))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, m.RunRealtime(ctx, time.Millisecond))
	assert.NotZero(t, m.Kernel().Scheduler.Ticks())
	assert.Contains(t, console.String(), "spinner: running\n")

	task, err := m.Kernel().Scheduler.Lookup(2)
	require.Nil(t, err)
	assert.Contains(t, []sched.State{sched.Running, sched.Ready}, task.State())
}

func TestRunRealtimeStopsOnHalt(t *testing.T) {
	m, _ := bootMachine(t, profileWith("spinner"))
	m.CPU().Halt()

	err := m.RunRealtime(context.Background(), time.Millisecond)
	assert.Equal(t, ErrHalted, err)
}
