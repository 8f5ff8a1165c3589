package mem

import (
	"testing"

	"corekernel/defs"
)

func setupTestArena(t *testing.T, nodes int) {
	t.Helper()
	Reset()
	ns := make([]NUMANode, nodes)
	for i := range ns {
		ns[i] = NUMANode{ID: i, CPUs: []int{i}}
	}
	if err := InitPhysmem(ns); err != nil {
		t.Fatalf("InitPhysmem: %v", err)
	}
	t.Cleanup(Reset)
}

func TestClassOf(t *testing.T) {
	if c, kerr := ClassOf(defs.BasePage); kerr.Kind != defs.KindOK || c != ClassBase {
		t.Fatalf("base page: c=%v kerr=%v", c, kerr)
	}
	if c, kerr := ClassOf(defs.LargePage); kerr.Kind != defs.KindOK || c != ClassLarge {
		t.Fatalf("large page: c=%v kerr=%v", c, kerr)
	}
	if _, kerr := ClassOf(123); kerr.Kind != defs.KindInvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", kerr)
	}
}

func TestNewFrameAlignment(t *testing.T) {
	if _, kerr := NewFrame(1, defs.BasePage, 0); kerr.Kind != defs.KindInvalidBase {
		t.Fatalf("expected InvalidBase, got %v", kerr)
	}
	f, kerr := NewFrame(defs.BasePage, defs.BasePage, 0)
	if kerr.Kind != defs.KindOK || f.Base != defs.BasePage {
		t.Fatalf("got f=%v kerr=%v", f, kerr)
	}
}

func TestFrameZeroAndBytes(t *testing.T) {
	setupTestArena(t, 1)
	nc := NodeFor(0)
	f, kerr := nc.AllocBase()
	if kerr.Kind != defs.KindOK {
		t.Fatalf("AllocBase: %v", kerr)
	}
	b := f.Bytes()
	for i := range b {
		b[i] = 0xff
	}
	f.Zero()
	for i, v := range f.Bytes() {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %x", i, v)
		}
	}
}

func TestUninitializedRejectsOversizedType(t *testing.T) {
	setupTestArena(t, 1)
	nc := NodeFor(0)
	f, _ := nc.AllocBase()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for oversized type")
		}
	}()
	type big [defs.BasePage + 1]byte
	Uninitialized[big](f)
}

func TestNCacheAllocFreeRoundTrip(t *testing.T) {
	setupTestArena(t, 1)
	nc := NodeFor(0)
	f, kerr := nc.AllocBase()
	if kerr.Kind != defs.KindOK {
		t.Fatalf("AllocBase: %v", kerr)
	}
	before := nc.FreeBaseCount()
	nc.FreeBase(f)
	if nc.FreeBaseCount() != before+1 {
		t.Fatalf("free count did not increase")
	}
	f2, kerr := nc.AllocBase()
	if kerr.Kind != defs.KindOK || f2.Base != f.Base {
		t.Fatalf("expected reuse of freed frame, got %v %v", f2, kerr)
	}
}

func TestNCacheLargePageDisjointFromBase(t *testing.T) {
	setupTestArena(t, 1)
	nc := NodeFor(0)
	base, _ := nc.AllocBase()
	large, kerr := nc.AllocLarge()
	if kerr.Kind != defs.KindOK {
		t.Fatalf("AllocLarge: %v", kerr)
	}
	if uint64(base.Base) >= uint64(large.Base) && uint64(base.Base) < uint64(large.Base)+defs.LargePage {
		t.Fatalf("base page overlaps large page region")
	}
}

func TestNodeForOutOfRangeFallsBackToFirst(t *testing.T) {
	setupTestArena(t, 2)
	first := NodeFor(0)
	fallback := NodeFor(99)
	if first != fallback {
		t.Fatal("expected out-of-range affinity to fall back to node 0")
	}
}

func TestTCacheRefillAndSpill(t *testing.T) {
	setupTestArena(t, 1)
	tc := NewTCache(0)
	var got []Frame
	for i := 0; i < tcacheCapBase+5; i++ {
		f, kerr := tc.AllocBase()
		if kerr.Kind != defs.KindOK {
			t.Fatalf("AllocBase #%d: %v", i, kerr)
		}
		got = append(got, f)
	}
	seen := make(map[Pa_t]bool)
	for _, f := range got {
		if seen[f.Base] {
			t.Fatalf("duplicate frame handed out: %v", f.Base)
		}
		seen[f.Base] = true
	}
	for _, f := range got {
		tc.FreeBase(f)
	}
	if tc.BaseLen() > tcacheCapBase {
		t.Fatalf("TCache exceeded its cap after spill: %d", tc.BaseLen())
	}
}

func TestKernelAllocatorSmallObjectRoundTrip(t *testing.T) {
	setupTestArena(t, 1)
	ka := NewKernelAllocator(0)
	b, kerr := ka.AllocSmall(40)
	if kerr.Kind != defs.KindOK {
		t.Fatalf("AllocSmall: %v", kerr)
	}
	if len(b) < 40 {
		t.Fatalf("buffer too small: %d", len(b))
	}
	for _, v := range b {
		if v != 0 {
			t.Fatal("expected zeroed buffer")
		}
	}
	b[0] = 7
	ka.FreeSmall(40, b)
}

func TestKernelAllocatorInvalidSize(t *testing.T) {
	setupTestArena(t, 1)
	ka := NewKernelAllocator(0)
	if _, kerr := ka.AllocSmall(0); kerr.Kind != defs.KindInvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", kerr)
	}
	if _, kerr := ka.AllocSmall(zoneMax + 1); kerr.Kind != defs.KindInvalidArgument {
		t.Fatalf("expected InvalidArgument for oversized alloc, got %v", kerr)
	}
}

type fakeMapper struct {
	calls  []uintptr
	frames [][]Frame
	fail   bool
}

func (f *fakeMapper) MapBig(vbase uintptr, frames []Frame) defs.KError {
	if f.fail {
		return defs.Err(defs.KindBadAddress)
	}
	f.calls = append(f.calls, vbase)
	f.frames = append(f.frames, frames)
	return defs.KError{}
}

func TestMapBigWithoutMapperFails(t *testing.T) {
	setupTestArena(t, 1)
	ka := NewKernelAllocator(0)
	if _, kerr := ka.MapBig(defs.LargePage); kerr.Kind != defs.KindKcbUnavailable {
		t.Fatalf("expected KcbUnavailable, got %v", kerr)
	}
}

func TestMapBigAssignsDistinctWindows(t *testing.T) {
	setupTestArena(t, 1)
	ka := NewKernelAllocator(0)
	m := &fakeMapper{}
	ka.SetMapper(m)
	v1, kerr := ka.MapBig(defs.LargePage)
	if kerr.Kind != defs.KindOK {
		t.Fatalf("MapBig: %v", kerr)
	}
	v2, kerr := ka.MapBig(2 * defs.LargePage)
	if kerr.Kind != defs.KindOK {
		t.Fatalf("MapBig: %v", kerr)
	}
	if v1 == v2 {
		t.Fatal("expected distinct windows")
	}
	if v2 < v1 {
		t.Fatal("expected monotonically increasing windows")
	}
	if len(m.calls) != 2 {
		t.Fatalf("expected mapper invoked twice, got %d", len(m.calls))
	}
	// first request (1 large page, 0 remainder) reserves (1+1) large pages
	// worth of window; v2 must start at least that far past v1.
	if v2-v1 < 2*defs.LargePage {
		t.Fatalf("expected at least a 2*LARGE_PAGE gap between windows, got %d", v2-v1)
	}
}

func TestMapBigDecomposesIntoLargeAndTailBasePages(t *testing.T) {
	setupTestArena(t, 1)
	ka := NewKernelAllocator(0)
	m := &fakeMapper{}
	ka.SetMapper(m)

	size := 3*defs.LargePage + 5*defs.BasePage
	v1, kerr := ka.MapBig(size)
	if kerr.Kind != defs.KindOK {
		t.Fatalf("MapBig: %v", kerr)
	}
	if len(m.frames) != 1 {
		t.Fatalf("expected exactly one mapper call, got %d", len(m.frames))
	}
	frames := m.frames[0]
	var nlarge, nbase int
	for _, f := range frames {
		switch f.Size {
		case defs.LargePage:
			nlarge++
		case defs.BasePage:
			nbase++
		default:
			t.Fatalf("unexpected frame size %d", f.Size)
		}
	}
	if nlarge != 3 || nbase != 5 {
		t.Fatalf("expected 3 large + 5 base frames, got %d large + %d base", nlarge, nbase)
	}
	// the reported order must be large pages first, then base pages, so
	// the mapper installs a single ascending virtual range.
	for i := 0; i < 3; i++ {
		if frames[i].Size != defs.LargePage {
			t.Fatalf("frame %d: expected large page, got size %d", i, frames[i].Size)
		}
	}
	for i := 3; i < 8; i++ {
		if frames[i].Size != defs.BasePage {
			t.Fatalf("frame %d: expected base page, got size %d", i, frames[i].Size)
		}
	}

	v2, kerr := ka.MapBig(defs.BasePage)
	if kerr.Kind != defs.KindOK {
		t.Fatalf("second MapBig: %v", kerr)
	}
	// big_sbrk must have advanced by exactly (3+1)*LARGE_PAGE for the
	// first request.
	if got, want := v2-v1, uintptr(4*defs.LargePage); got != want {
		t.Fatalf("big_sbrk advanced by %d, want %d", got, want)
	}
}

func TestMapBigRollsBackFramesOnMapperFailure(t *testing.T) {
	setupTestArena(t, 1)
	ka := NewKernelAllocator(0)
	m := &fakeMapper{fail: true}
	ka.SetMapper(m)
	before := ka.cache.LargeLen()
	if _, kerr := ka.MapBig(defs.LargePage); kerr.Kind != defs.KindBadAddress {
		t.Fatalf("expected BadAddress, got %v", kerr)
	}
	after := ka.cache.LargeLen()
	if after != before+1 {
		t.Fatalf("expected frame returned to the TCache, before=%d after=%d", before, after)
	}
}

func TestAllocFrameOutOfMemory(t *testing.T) {
	setupTestArena(t, 1)
	ka := NewKernelAllocator(0)
	// exhaust large pages by allocating until failure, then expect a clean
	// KindOutOfMemory rather than a panic or infinite loop.
	for i := 0; i < 100000; i++ {
		if _, kerr := ka.AllocFrame(ClassLarge); kerr.Kind != defs.KindOK {
			if kerr.Kind != defs.KindOutOfMemory {
				t.Fatalf("expected eventual OutOfMemory, got %v", kerr)
			}
			return
		}
	}
	t.Fatal("expected allocator to exhaust the arena")
}
