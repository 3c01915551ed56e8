package vmm

import (
	"bytes"
	"strings"
	"testing"

	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/gate"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/pmm"
	"nucleos/multiboot"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// deviceAddr is the start of a reserved region that the tests use as device
// memory.
const deviceAddr = uintptr(0xf0000)

// The kernel image occupies the first two available frames.
const (
	kernelImageStart = uintptr(0x1000)
	kernelImageEnd   = uintptr(0x3000)
)

type fakeMMU struct {
	active   uintptr
	cr2      uint64
	switches int
	flushed  []uintptr
}

func (f *fakeMMU) SwitchPDT(addr uintptr)     { f.active = addr; f.switches++ }
func (f *fakeMMU) ActivePDT() uintptr         { return f.active }
func (f *fakeMMU) FlushTLBEntry(addr uintptr) { f.flushed = append(f.flushed, addr) }
func (f *fakeMMU) ReadCR2() uint64            { return f.cr2 }

func (f *fakeMMU) flushedAddr(addr uintptr) bool {
	for _, flushed := range f.flushed {
		if flushed == addr {
			return true
		}
	}
	return false
}

type testEnv struct {
	ram    *cpu.RAM
	mmu    *fakeMMU
	frames *pmm.BitmapAllocator
	out    *bytes.Buffer
	m      *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	info := &multiboot.Info{
		MemRegions: []multiboot.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x1000, Type: multiboot.MemReserved},
			{PhysAddress: 0x1000, Length: uint64(deviceAddr - 0x1000), Type: multiboot.MemAvailable},
			{PhysAddress: uint64(deviceAddr), Length: 0x10000, Type: multiboot.MemReserved},
		},
	}

	env := &testEnv{
		ram: cpu.NewRAM(1 << 20),
		mmu: &fakeMMU{},
		out: new(bytes.Buffer),
	}

	var err *kernel.Error
	if env.frames, err = pmm.Init(env.ram, info, kernelImageStart, kernelImageEnd, zap.NewNop()); err != nil {
		t.Fatal(err)
	}

	env.m, err = NewManager(Config{
		MMU:         env.mmu,
		Bus:         env.ram,
		Frames:      env.frames,
		FaultOutput: env.out,
	})
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func (env *testEnv) allocFrame(t *testing.T) mm.Frame {
	t.Helper()

	frame, err := env.m.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func (env *testEnv) newSpace(t *testing.T) *AddressSpace {
	t.Helper()

	space, err := env.m.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	return space
}

func TestMapTranslateRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	space := env.newSpace(t)

	specs := []uintptr{
		UserSpaceStart,
		0x400000,
		0x7fffc000,
		UserSpaceEnd - mm.PageSize,
	}

	for specIndex, virtAddr := range specs {
		frame := env.allocFrame(t)

		if err := env.m.Map(space, virtAddr, frame.Address(), PermRead|PermWrite|PermUser); err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		got, err := env.m.Translate(space, virtAddr+0x123)
		if err != nil {
			t.Errorf("[spec %d] unexpected translation error: %v", specIndex, err)
		} else if exp := frame.Address() + 0x123; got != exp {
			t.Errorf("[spec %d] expected translation to return 0x%x; got 0x%x", specIndex, exp, got)
		}

		if owner := env.m.Owner(frame); owner != space {
			t.Errorf("[spec %d] expected mapped frame to be owned by the space", specIndex)
		}

		if err = env.m.Unmap(space, virtAddr); err != nil {
			t.Errorf("[spec %d] unexpected unmap error: %v", specIndex, err)
		}

		if _, err = env.m.Translate(space, virtAddr); err != ErrInvalidMapping {
			t.Errorf("[spec %d] expected ErrInvalidMapping after unmap; got %v", specIndex, err)
		}

		if env.frames.Allocated(frame) {
			t.Errorf("[spec %d] expected unmapped frame to be returned to the allocator", specIndex)
		}
	}
}

func TestMapErrors(t *testing.T) {
	env := newTestEnv(t)
	space := env.newSpace(t)
	other := env.newSpace(t)

	mapped := env.allocFrame(t)
	if err := env.m.Map(space, 0x10000, mapped.Address(), PermRead|PermUser); err != nil {
		t.Fatal(err)
	}

	ownedElsewhere := env.allocFrame(t)
	if err := env.m.Map(other, 0x10000, ownedElsewhere.Address(), PermRead|PermUser); err != nil {
		t.Fatal(err)
	}

	frame, free := env.allocFrame(t), env.allocFrame(t)
	if err := env.m.FreeFrame(free); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		descr    string
		space    *AddressSpace
		virtAddr uintptr
		physAddr uintptr
		expErr   *kernel.Error
	}{
		{"misaligned virtual address", space, 0x20010, frame.Address(), ErrInvalidAddress},
		{"misaligned physical address", space, 0x20000, frame.Address() + 8, ErrInvalidAddress},
		{"null page", space, 0, frame.Address(), ErrInvalidAddress},
		{"user space mapping in the kernel slot", space, KernelSpaceStart, frame.Address(), ErrInvalidAddress},
		{"non-canonical address", space, UserSpaceEnd, frame.Address(), ErrInvalidAddress},
		{"kernel space mapping in the lower half", env.m.KernelSpace(), 0x20000, frame.Address(), ErrInvalidAddress},
		{"free managed frame", space, 0x20000, free.Address(), ErrInvalidAddress},
		{"device frame in user space", space, 0x20000, deviceAddr, ErrInvalidAddress},
		{"physical address out of range", space, 0x20000, 1 << 52, ErrInvalidAddress},
		{"already mapped", space, 0x10000, frame.Address(), ErrAlreadyMapped},
		{"frame owned by another space", space, 0x20000, ownedElsewhere.Address(), ErrFrameOwned},
		{"frame mapped at another address", space, 0x20000, mapped.Address(), ErrFrameOwned},
		{"page table frame", space, 0x20000, space.Root().Address(), ErrFrameOwned},
	}

	for specIndex, spec := range specs {
		if err := env.m.Map(spec.space, spec.virtAddr, spec.physAddr, PermRead|PermUser); err != spec.expErr {
			t.Errorf("[spec %d] %s: expected error %v; got %v", specIndex, spec.descr, spec.expErr, err)
		}
	}

	if got, _ := env.m.Translate(space, 0x10000); got != mapped.Address() {
		t.Fatalf("expected failed Map calls to leave existing mappings untouched; got 0x%x", got)
	}
}

func TestMapUpdate(t *testing.T) {
	env := newTestEnv(t)
	space := env.newSpace(t)
	first, second := env.allocFrame(t), env.allocFrame(t)

	if err := env.m.Map(space, 0x10000, first.Address(), PermRead|PermUser); err != nil {
		t.Fatal(err)
	}

	// Same frame, new permissions
	if err := env.m.Map(space, 0x10000, first.Address(), PermRead|PermWrite|PermUser, MapUpdate); err != nil {
		t.Fatal(err)
	}
	pte, _, _ := env.m.lookup(space, 0x10000)
	if !pte.HasFlags(mm.FlagRW) || pte.Frame() != first {
		t.Fatalf("expected mapping to be updated in place; got entry 0x%x", uint64(pte))
	}

	if err := env.m.Map(space, 0x10000, second.Address(), PermRead|PermUser, MapUpdate); err != nil {
		t.Fatal(err)
	}

	if got, _ := env.m.Translate(space, 0x10000); got != second.Address() {
		t.Fatalf("expected updated translation to point to 0x%x; got 0x%x", second.Address(), got)
	}

	if env.frames.Allocated(first) || env.m.Owner(first) != nil {
		t.Fatal("expected the replaced frame to be released")
	}
}

func TestUnmapReleasesIntermediateTables(t *testing.T) {
	env := newTestEnv(t)
	space := env.newSpace(t)

	before := env.frames.Stats().FreeFrames
	frames := []mm.Frame{env.allocFrame(t), env.allocFrame(t)}

	// Two pages sharing the same P1 table
	for i, frame := range frames {
		if err := env.m.Map(space, 0x200000+uintptr(i)*mm.PageSize, frame.Address(), PermRead|PermUser); err != nil {
			t.Fatal(err)
		}
	}

	// root + P3 + P2 + P1 + 2 leaves
	if exp, got := 6, env.m.OwnedFrames(space); got != exp {
		t.Fatalf("expected space to own %d frames; got %d", exp, got)
	}

	if err := env.m.Unmap(space, 0x200000); err != nil {
		t.Fatal(err)
	}
	if exp, got := 5, env.m.OwnedFrames(space); got != exp {
		t.Fatalf("expected tables to survive while a leaf remains; space owns %d frames, expected %d", got, exp)
	}

	if err := env.m.Unmap(space, 0x201000); err != nil {
		t.Fatal(err)
	}
	if exp, got := 1, env.m.OwnedFrames(space); got != exp {
		t.Fatalf("expected only the root table to remain; space owns %d frames, expected %d", got, exp)
	}

	if got := env.frames.Stats().FreeFrames; got != before {
		t.Fatalf("expected %d free frames after unmapping; got %d", before, got)
	}

	if err := env.m.Unmap(space, 0x201000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}

	root, _ := env.m.readEntry(space.Root(), 0)
	if root.HasFlags(mm.FlagPresent) {
		t.Fatal("expected root entry for the released subtree to be cleared")
	}
}

// refusingFrames fails every release.
type refusingFrames struct {
	*pmm.BitmapAllocator
}

var errRefused = &kernel.Error{Module: "test", Message: "release refused"}

func (refusingFrames) FreeFrame(mm.Frame) *kernel.Error { return errRefused }

func TestRefusedReleaseIsReported(t *testing.T) {
	env := newTestEnv(t)
	space := env.newSpace(t)

	var buf bytes.Buffer
	env.m.logger = kfmt.NewLogger(&buf, zapcore.DebugLevel)

	frame := env.allocFrame(t)
	if err := env.m.Map(space, 0x10000, frame.Address(), PermRead|PermUser); err != nil {
		t.Fatal(err)
	}

	env.m.frames = refusingFrames{env.frames}
	if err := env.m.Unmap(space, 0x10000); err != nil {
		t.Fatal(err)
	}

	if _, err := env.m.Translate(space, 0x10000); err != ErrInvalidMapping {
		t.Fatalf("expected the mapping to be removed; got %v", err)
	}
	if env.m.Owner(frame) != nil {
		t.Fatal("expected the frame to lose its owner")
	}

	// The leaf and the P3, P2 and P1 tables left empty.
	if exp, got := uint64(4), env.m.LeakedFrames(); got != exp {
		t.Fatalf("expected %d leaked frames; got %d", exp, got)
	}
	if got := strings.Count(buf.String(), "frame release failed"); got != 4 {
		t.Fatalf("expected 4 release failures to be logged; got %d:\n%s", got, buf.String())
	}
}

func TestFreeFrame(t *testing.T) {
	env := newTestEnv(t)
	space := env.newSpace(t)
	frame := env.allocFrame(t)

	if err := env.m.Map(space, 0x10000, frame.Address(), PermRead|PermUser); err != nil {
		t.Fatal(err)
	}

	if err := env.m.FreeFrame(frame); err != ErrFrameOwned {
		t.Fatalf("expected ErrFrameOwned; got %v", err)
	}

	// Unmap frees the frame; freeing it again is a double free
	if err := env.m.Unmap(space, 0x10000); err != nil {
		t.Fatal(err)
	}
	if err := env.m.FreeFrame(frame); err != pmm.ErrDoubleFree {
		t.Fatalf("expected pmm.ErrDoubleFree; got %v", err)
	}

	if err := env.m.FreeFrame(mm.FrameFromAddress(deviceAddr)); err != pmm.ErrFrameNotManaged {
		t.Fatalf("expected pmm.ErrFrameNotManaged; got %v", err)
	}
}

func TestSwitchAddressSpaceAndFlush(t *testing.T) {
	env := newTestEnv(t)
	active, inactive := env.newSpace(t), env.newSpace(t)

	if err := env.m.SwitchAddressSpace(active); err != nil {
		t.Fatal(err)
	}
	if env.mmu.active != active.Root().Address() || env.mmu.switches != 1 || env.m.ActiveSpace() != active {
		t.Fatal("expected the space root to be loaded into the MMU")
	}

	if err := env.m.Map(active, 0x10000, env.allocFrame(t).Address(), PermRead|PermUser); err != nil {
		t.Fatal(err)
	}
	if err := env.m.Map(inactive, 0x20000, env.allocFrame(t).Address(), PermRead|PermUser); err != nil {
		t.Fatal(err)
	}
	if err := env.m.Unmap(active, 0x10000); err != nil {
		t.Fatal(err)
	}

	if exp := []uintptr{0x10000, 0x10000}; len(env.mmu.flushed) != 2 || env.mmu.flushed[0] != exp[0] || env.mmu.flushed[1] != exp[1] {
		t.Fatalf("expected TLB flushes only for the active space %v; got %v", exp, env.mmu.flushed)
	}
}

func TestKernelMappingsAreShared(t *testing.T) {
	env := newTestEnv(t)
	space := env.newSpace(t)
	kernelAddr := KernelSpaceStart + 0x40000000
	frame := env.allocFrame(t)

	if err := env.m.Map(env.m.KernelSpace(), kernelAddr, frame.Address(), PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}

	got, err := env.m.Translate(space, kernelAddr)
	if err != nil {
		t.Fatal(err)
	}
	if got != frame.Address() {
		t.Fatalf("expected kernel mapping to be visible in user space; got 0x%x", got)
	}

	if !env.mmu.flushedAddr(kernelAddr) {
		t.Fatal("expected kernel mappings to flush the TLB entry")
	}

	// Kernel space device mappings are not owned
	if err = env.m.Map(env.m.KernelSpace(), kernelAddr+mm.PageSize, deviceAddr, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	if env.m.Owner(mm.FrameFromAddress(deviceAddr)) != nil {
		t.Fatal("expected device frames to have no owner")
	}

	if err = env.m.KernelWrite(kernelAddr+mm.PageSize+0x10, []byte("uart")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if err = env.ram.ReadPhys(deviceAddr+0x10, buf); err != nil || string(buf) != "uart" {
		t.Fatalf("expected KernelWrite to reach the device frame; got %q (err %v)", buf, err)
	}

	buf = make([]byte, 4)
	if err = env.m.KernelRead(kernelAddr+mm.PageSize+0x10, buf); err != nil || string(buf) != "uart" {
		t.Fatalf("expected KernelRead to return the device contents; got %q (err %v)", buf, err)
	}

	if err = env.m.KernelWrite(0x1000, buf); err != ErrInvalidAddress {
		t.Fatalf("expected ErrInvalidAddress for lower half kernel access; got %v", err)
	}

	if err = env.m.DestroyAddressSpace(space); err != nil {
		t.Fatal(err)
	}
	if got, err = env.m.Translate(env.m.KernelSpace(), kernelAddr); err != nil || got != frame.Address() {
		t.Fatal("expected destroying a user space to leave kernel mappings intact")
	}
}

func TestDestroyAddressSpace(t *testing.T) {
	env := newTestEnv(t)
	before := env.frames.Stats().FreeFrames

	space := env.newSpace(t)
	if err := env.m.Populate(space, 0x400000, bytes.Repeat([]byte{0xaa}, 3*int(mm.PageSize)), PermRead|PermExec|PermUser); err != nil {
		t.Fatal(err)
	}
	if err := env.m.Populate(space, 0x7fff0000, nil, PermRead|PermWrite|PermUser); err != nil {
		t.Fatal(err)
	}
	if err := env.m.Reserve(space, 0x10000000, 4, PermRead|PermWrite|PermUser); err != nil {
		t.Fatal(err)
	}
	if err := env.m.CopyOut(space, 0x10000000, []byte("touch")); err != nil {
		t.Fatal(err)
	}

	if env.frames.Stats().FreeFrames >= before {
		t.Fatal("expected populated space to consume frames")
	}

	if err := env.m.DestroyAddressSpace(space); err != nil {
		t.Fatal(err)
	}

	if got := env.frames.Stats().FreeFrames; got != before {
		t.Fatalf("expected all frames to be returned; free frames %d, expected %d", got, before)
	}
	if env.m.OwnedFrames(space) != 0 {
		t.Fatal("expected destroyed space to own no frames")
	}

	active := env.newSpace(t)
	if err := env.m.SwitchAddressSpace(active); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		space  *AddressSpace
		expErr *kernel.Error
	}{
		{space, errSpaceDestroyed},
		{env.m.KernelSpace(), errKernelSpace},
		{active, errActiveSpace},
	}

	for specIndex, spec := range specs {
		if err := env.m.DestroyAddressSpace(spec.space); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if err := env.m.Map(space, 0x10000, env.allocFrame(t).Address(), PermRead); err != errSpaceDestroyed {
		t.Fatalf("expected operations on a destroyed space to fail; got %v", err)
	}
	if err := env.m.SwitchAddressSpace(space); err != errSpaceDestroyed {
		t.Fatalf("expected switching to a destroyed space to fail; got %v", err)
	}
}

func TestPopulateAndCopy(t *testing.T) {
	env := newTestEnv(t)
	space := env.newSpace(t)

	data := make([]byte, mm.PageSize+16)
	for i := range data {
		data[i] = byte(i)
	}

	if err := env.m.Populate(space, 0x400000, data, PermRead|PermExec|PermUser); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 32)
	if err := env.m.CopyIn(space, got, 0x400000+mm.PageSize-16); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data[mm.PageSize-16:]) {
		t.Fatalf("expected CopyIn to cross page boundaries; got %v", got)
	}

	// Pages past the data are zeroed
	tail := make([]byte, 16)
	if err := env.m.CopyIn(space, tail, 0x400000+mm.PageSize+16); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tail, make([]byte, 16)) {
		t.Fatalf("expected page tail to be zeroed; got %v", tail)
	}

	specs := []struct {
		descr  string
		fn     func() *kernel.Error
		expErr *kernel.Error
	}{
		{"write to read-only page", func() *kernel.Error { return env.m.CopyOut(space, 0x400000, []byte{1}) }, ErrInvalidAddress},
		{"read unmapped page", func() *kernel.Error { return env.m.CopyIn(space, got, 0x800000) }, ErrInvalidAddress},
		{"read null page", func() *kernel.Error { return env.m.CopyIn(space, got, 0) }, ErrInvalidAddress},
		{"read past user space", func() *kernel.Error { return env.m.CopyIn(space, got, UserSpaceEnd-8) }, ErrInvalidAddress},
		{"populate kernel address", func() *kernel.Error { return env.m.Populate(space, KernelSpaceStart, data, PermRead) }, ErrInvalidAddress},
		{"populate mapped page", func() *kernel.Error { return env.m.Populate(space, 0x400000, data, PermRead) }, ErrAlreadyMapped},
	}

	for specIndex, spec := range specs {
		if err := spec.fn(); err != spec.expErr {
			t.Errorf("[spec %d] %s: expected error %v; got %v", specIndex, spec.descr, spec.expErr, err)
		}
	}

	// Kernel-only pages are not accessible on behalf of the user
	kframe := env.allocFrame(t)
	if err := env.m.Map(space, 0x900000, kframe.Address(), PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	if err := env.m.CopyIn(space, got, 0x900000); err != ErrInvalidAddress {
		t.Fatalf("expected ErrInvalidAddress for a supervisor page; got %v", err)
	}
}

func TestReserveAndRelease(t *testing.T) {
	env := newTestEnv(t)
	space := env.newSpace(t)
	perm := PermRead | PermWrite | PermUser

	if err := env.m.Reserve(space, 0x100000, 8, perm); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		virtAddr, pages uintptr
		expErr          *kernel.Error
	}{
		{0x104000, 8, ErrAlreadyMapped},
		{0x0ff000, 2, ErrAlreadyMapped},
		{0x100800, 1, ErrInvalidAddress},
		{0x200000, 0, ErrInvalidAddress},
		{0x200000, MaxRegionPages + 1, ErrInvalidAddress},
		{UserSpaceEnd - mm.PageSize, 2, ErrInvalidAddress},
	}
	for specIndex, spec := range specs {
		if err := env.m.Reserve(space, spec.virtAddr, spec.pages, perm); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	// Touch a page inside the part that gets released
	if err := env.m.CopyOut(space, 0x103000, []byte{1}); err != nil {
		t.Fatal(err)
	}

	if err := env.m.Release(space, 0x102000, 2); err != nil {
		t.Fatal(err)
	}

	exp := []Region{
		{Start: 0x100000, Pages: 2, Perm: perm},
		{Start: 0x104000, Pages: 4, Perm: perm},
	}
	got := space.Regions()
	if len(got) != len(exp) || got[0] != exp[0] || got[1] != exp[1] {
		t.Fatalf("expected regions %v; got %v", exp, got)
	}

	if _, err := env.m.Translate(space, 0x103000); err != ErrInvalidMapping {
		t.Fatalf("expected touched page to be unmapped by Release; got %v", err)
	}

	if err := env.m.Release(space, 0x102000, 2); err != ErrInvalidMapping {
		t.Fatalf("expected releasing an empty range to fail with ErrInvalidMapping; got %v", err)
	}

	if err := env.m.Reserve(space, 0x102000, 2, perm); err != nil {
		t.Fatalf("expected released range to be reservable again; got %v", err)
	}
}

func TestPageFaultHandler(t *testing.T) {
	env := newTestEnv(t)
	space := env.newSpace(t)
	if err := env.m.SwitchAddressSpace(space); err != nil {
		t.Fatal(err)
	}
	if err := env.m.Reserve(space, 0x7fff0000, 16, PermRead|PermWrite|PermUser); err != nil {
		t.Fatal(err)
	}

	t.Run("demand-zero page", func(t *testing.T) {
		env.mmu.cr2 = 0x7fff8010
		regs := &gate.Registers{Info: uint64(gate.PageFaultWrite | gate.PageFaultUser), CS: gate.UserCS}

		if err := env.m.HandlePageFault(regs); err != nil {
			t.Fatalf("expected fault to be resolved; got %v", err)
		}

		physAddr, err := env.m.Translate(space, 0x7fff8010)
		if err != nil {
			t.Fatal(err)
		}

		page := make([]byte, mm.PageSize)
		if err = env.ram.ReadPhys(mm.FrameFromAddress(physAddr).Address(), page); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(page, make([]byte, mm.PageSize)) {
			t.Fatal("expected demand page to be zeroed")
		}

		if env.out.Len() != 0 {
			t.Fatalf("expected no fault report; got %q", env.out.String())
		}
	})

	specs := []struct {
		descr     string
		addr      uint64
		code      gate.PageFaultCode
		expReason string
	}{
		{"outside any region", 0x1000, gate.PageFaultUser, "read from non-present page"},
		{"protection fault in region", 0x7fff8000, gate.PageFaultPresent | gate.PageFaultFetch | gate.PageFaultUser, "instruction fetch from non-executable page"},
		{"kernel write", 0x2000, gate.PageFaultWrite, "write to non-present page"},
	}

	for specIndex, spec := range specs {
		env.out.Reset()
		env.mmu.cr2 = spec.addr
		regs := &gate.Registers{Info: uint64(spec.code), RIP: 0x400000}

		if err := env.m.HandlePageFault(regs); err != errUnrecoverableFault {
			t.Errorf("[spec %d] %s: expected errUnrecoverableFault; got %v", specIndex, spec.descr, err)
		}

		report := env.out.String()
		if !strings.Contains(report, "Reason: "+spec.expReason) || !strings.Contains(report, "RIP = 0000000000400000") {
			t.Errorf("[spec %d] %s: unexpected fault report:\n%s", specIndex, spec.descr, report)
		}
	}
}

func TestGPFHandler(t *testing.T) {
	env := newTestEnv(t)
	regs := &gate.Registers{RIP: 0x1234, CS: gate.UserCS}

	if err := env.m.HandleGPF(regs); err != errUnrecoverableFault {
		t.Fatalf("expected errUnrecoverableFault; got %v", err)
	}

	if !strings.Contains(env.out.String(), "General protection fault at RIP: 0x1234") {
		t.Fatalf("unexpected fault report:\n%s", env.out.String())
	}
}

func TestPageFaultReason(t *testing.T) {
	specs := []struct {
		code gate.PageFaultCode
		exp  string
	}{
		{0, "read from non-present page"},
		{gate.PageFaultPresent, "page protection violation (read)"},
		{gate.PageFaultWrite, "write to non-present page"},
		{gate.PageFaultWrite | gate.PageFaultPresent, "page protection violation (write)"},
		{gate.PageFaultUser, "read from non-present page"},
		{gate.PageFaultReserved | gate.PageFaultPresent, "page table has reserved bit set"},
		{gate.PageFaultFetch, "instruction fetch from non-present page"},
		{gate.PageFaultFetch | gate.PageFaultPresent, "instruction fetch from non-executable page"},
	}

	for specIndex, spec := range specs {
		if got := pageFaultReason(spec.code); got != spec.exp {
			t.Errorf("[spec %d] expected reason %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestPermFlags(t *testing.T) {
	specs := []struct {
		perm Perm
		exp  mm.PageTableEntryFlag
	}{
		{PermRead, mm.FlagPresent | mm.FlagNoExecute},
		{PermRead | PermWrite, mm.FlagPresent | mm.FlagRW | mm.FlagNoExecute},
		{PermRead | PermExec | PermUser, mm.FlagPresent | mm.FlagUserAccessible},
		{PermRead | PermWrite | PermExec | PermUser, mm.FlagPresent | mm.FlagRW | mm.FlagUserAccessible},
	}

	for specIndex, spec := range specs {
		if got := spec.perm.flags(); got != spec.exp {
			t.Errorf("[spec %d] expected flags 0x%x; got 0x%x", specIndex, uint64(spec.exp), uint64(got))
		}

		if got := permFromEntry(mm.PageTableEntry(spec.exp)); got != spec.perm|PermRead {
			t.Errorf("[spec %d] expected permFromEntry to return %d; got %d", specIndex, spec.perm, got)
		}
	}
}
