package pmm

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
	"nucleos/multiboot"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// testMemoryMap describes 1M of RAM with two available regions:
// frames [1, 63] and [80, 255].
var testMemoryMap = &multiboot.Info{
	MemRegions: []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x1000, Type: multiboot.MemReserved},
		{PhysAddress: 0x1000, Length: 0x3f000, Type: multiboot.MemAvailable},
		{PhysAddress: 0x40000, Length: 0x10000, Type: multiboot.MemReserved},
		{PhysAddress: 0x50000, Length: 0xb0000, Type: multiboot.MemAvailable},
	},
}

const (
	testKernelStart = uintptr(0x2000)
	testKernelEnd   = uintptr(0x4800)
)

func newTestAllocator(t *testing.T) *BitmapAllocator {
	t.Helper()

	alloc, err := Init(cpu.NewRAM(1<<20), testMemoryMap, testKernelStart, testKernelEnd, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return alloc
}

func TestBitmapAllocatorSetup(t *testing.T) {
	alloc := newTestAllocator(t)

	if exp := 2; len(alloc.pools) != exp {
		t.Fatalf("expected %d pools; got %d", exp, len(alloc.pools))
	}

	// The boot allocator hands out frame 1 for the bookkeeping data;
	// frames 2-4 hold the kernel image.
	if got := alloc.BookkeepingFrames(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected bookkeeping data to occupy frame 1; got %v", got)
	}

	exp := Stats{TotalFrames: 63 + 176, ReservedFrames: 4, FreeFrames: 63 + 176 - 4}
	if got := alloc.Stats(); got != exp {
		t.Fatalf("expected stats %+v; got %+v", exp, got)
	}

	for frame := mm.Frame(1); frame <= 4; frame++ {
		if !alloc.Allocated(frame) {
			t.Errorf("expected frame %d to be reserved", frame)
		}
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame != 5 {
		t.Fatalf("expected first allocation to return the lowest free frame (5); got %d", frame)
	}
}

func TestBitmapAllocatorExhaustion(t *testing.T) {
	alloc := newTestAllocator(t)
	freeFrames := alloc.Stats().FreeFrames

	seen := make(map[mm.Frame]bool)
	for i := uint32(0); i < freeFrames; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}
		if seen[frame] {
			t.Fatalf("[alloc %d] frame %d allocated twice", i, frame)
		}
		if !alloc.Managed(frame) || frame < 5 || (frame > 63 && frame < 80) {
			t.Fatalf("[alloc %d] allocator returned frame %d outside the free pools", i, frame)
		}
		seen[frame] = true
	}

	if _, err := alloc.AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	if err := alloc.FreeFrame(100); err != nil {
		t.Fatal(err)
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame != 100 {
		t.Fatalf("expected the released frame to be reused; got %d", frame)
	}
}

func TestBitmapAllocatorFreeErrors(t *testing.T) {
	alloc := newTestAllocator(t)

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if err = alloc.FreeFrame(frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if alloc.Allocated(frame) {
		t.Fatal("expected released frame to be free")
	}

	specs := []struct {
		frame  mm.Frame
		expErr *kernel.Error
	}{
		{frame, ErrDoubleFree},
		{0, ErrFrameNotManaged},
		{70, ErrFrameNotManaged},
		{4096, ErrFrameNotManaged},
	}

	for specIndex, spec := range specs {
		if err := alloc.FreeFrame(spec.frame); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if got := alloc.Stats().FreeFrames; got != 63+176-4 {
		t.Fatalf("expected failed frees not to change the stats; got %d free frames", got)
	}
}

func TestBitmapAllocatorNoLiveDuplicates(t *testing.T) {
	alloc := newTestAllocator(t)
	rng := rand.New(rand.NewSource(42))

	var live []mm.Frame
	owned := make(map[mm.Frame]bool)

	for step := 0; step < 5000; step++ {
		if len(live) == 0 || rng.Intn(3) != 0 {
			frame, err := alloc.AllocFrame()
			if err == ErrOutOfMemory {
				continue
			}
			if err != nil {
				t.Fatalf("[step %d] unexpected error: %v", step, err)
			}
			if owned[frame] {
				t.Fatalf("[step %d] frame %d returned while still live", step, frame)
			}
			owned[frame] = true
			live = append(live, frame)
			continue
		}

		i := rng.Intn(len(live))
		frame := live[i]
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
		delete(owned, frame)

		if err := alloc.FreeFrame(frame); err != nil {
			t.Fatalf("[step %d] unexpected error freeing frame %d: %v", step, frame, err)
		}
	}

	stats := alloc.Stats()
	if exp := uint32(4 + len(live)); stats.ReservedFrames != exp {
		t.Fatalf("expected %d reserved frames; got %d", exp, stats.ReservedFrames)
	}
}

// failingBus rejects writes while failWrites is set.
type failingBus struct {
	*cpu.RAM
	failWrites bool
}

var errBusWrite = &kernel.Error{Module: "test", Message: "bus write failed"}

func (b *failingBus) WritePhys(addr uintptr, p []byte) *kernel.Error {
	if b.failWrites {
		return errBusWrite
	}
	return b.RAM.WritePhys(addr, p)
}

func TestBitmapAllocatorBusErrors(t *testing.T) {
	bus := &failingBus{RAM: cpu.NewRAM(1 << 20)}
	alloc, err := Init(bus, testMemoryMap, testKernelStart, testKernelEnd, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	allocated, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	before := alloc.Stats()

	bus.failWrites = true
	if _, err = alloc.AllocFrame(); err != errBusWrite {
		t.Fatalf("expected AllocFrame to return errBusWrite; got %v", err)
	}
	if err = alloc.FreeFrame(allocated); err != errBusWrite {
		t.Fatalf("expected FreeFrame to return errBusWrite; got %v", err)
	}
	if got := alloc.Stats(); got != before {
		t.Fatalf("expected failed operations to leave the stats unchanged (%+v); got %+v", before, got)
	}
	if !alloc.Allocated(allocated) {
		t.Fatal("expected frame to remain allocated after a failed release")
	}

	bus.failWrites = false
	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame == allocated {
		t.Fatalf("expected a frame other than %d", allocated)
	}
	if err = alloc.FreeFrame(allocated); err != nil {
		t.Fatal(err)
	}
	if got, exp := alloc.Stats().ReservedFrames, before.ReservedFrames; got != exp {
		t.Fatalf("expected %d reserved frames; got %d", exp, got)
	}
}

func TestInitErrors(t *testing.T) {
	noPools := &multiboot.Info{
		MemRegions: []multiboot.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x100000, Type: multiboot.MemReserved},
		},
	}

	if _, err := Init(cpu.NewRAM(1<<20), noPools, 0, 0, zap.NewNop()); err != errNoPools {
		t.Fatalf("expected errNoPools; got %v", err)
	}

	// The whole available region is occupied by the kernel image so the
	// bookkeeping frames cannot be allocated.
	tiny := &multiboot.Info{
		MemRegions: []multiboot.MemoryMapEntry{
			{PhysAddress: 0x1000, Length: 0x2000, Type: multiboot.MemAvailable},
		},
	}
	if _, err := Init(cpu.NewRAM(1<<20), tiny, 0x1000, 0x3000, zap.NewNop()); err != errBootAllocOutOfMemory {
		t.Fatalf("expected errBootAllocOutOfMemory; got %v", err)
	}
}

func TestInitBookkeepingFramesAreAvailable(t *testing.T) {
	// 64M with the first page reserved; the bookkeeping needs more than
	// one frame.
	info := &multiboot.Info{
		MemRegions: []multiboot.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x1000, Type: multiboot.MemReserved},
			{PhysAddress: 0x1000, Length: 64<<20 - 0x1000, Type: multiboot.MemAvailable},
		},
	}

	specs := []struct {
		kernelStart, kernelEnd uintptr
	}{
		{0, 0},
		{0x1000, 0x3000},
	}

	for specIndex, spec := range specs {
		alloc, err := Init(cpu.NewRAM(64<<20), info, spec.kernelStart, spec.kernelEnd, zap.NewNop())
		if err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		bookkeeping := alloc.BookkeepingFrames()
		if len(bookkeeping) < 2 {
			t.Fatalf("[spec %d] expected multiple bookkeeping frames; got %d", specIndex, len(bookkeeping))
		}

		seen := make(map[mm.Frame]bool)
		for _, frame := range bookkeeping {
			if frame == 0 || !alloc.Managed(frame) {
				t.Errorf("[spec %d] bookkeeping frame %d is outside the available regions", specIndex, frame)
			}
			if addr := frame.Address(); addr >= spec.kernelStart && addr < spec.kernelEnd {
				t.Errorf("[spec %d] bookkeeping frame %d overlaps the kernel image", specIndex, frame)
			}
			if seen[frame] {
				t.Errorf("[spec %d] bookkeeping frame %d handed out twice", specIndex, frame)
			}
			seen[frame] = true
		}

		// Drain the allocator; none of the bookkeeping frames may be
		// handed out.
		for {
			frame, err := alloc.AllocFrame()
			if err == ErrOutOfMemory {
				break
			}
			if err != nil {
				t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
			}
			if seen[frame] {
				t.Fatalf("[spec %d] allocator returned bookkeeping frame %d", specIndex, frame)
			}
		}
	}
}

func TestInitLogsMemoryMap(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Init(cpu.NewRAM(1<<20), testMemoryMap, testKernelStart, testKernelEnd, kfmt.NewLogger(&buf, zapcore.InfoLevel)); err != nil {
		t.Fatal(err)
	}

	for _, exp := range []string{"system memory map", "available memory", "kernel image", "bitmap allocator ready"} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected log output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}

var _ mm.FrameAllocator = (*BitmapAllocator)(nil)
