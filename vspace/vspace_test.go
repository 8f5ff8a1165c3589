package vspace

import (
	"context"
	"sync"
	"testing"

	"corekernel/defs"
	"corekernel/mem"
)

func setupArena(t *testing.T) {
	t.Helper()
	mem.Reset()
	if err := mem.InitPhysmem([]mem.NUMANode{{ID: 0, CPUs: []int{0}}}); err != nil {
		t.Fatalf("InitPhysmem: %v", err)
	}
	t.Cleanup(mem.Reset)
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []defs.CoreId
	fail  defs.CoreId
	hasFail bool
}

func (r *recordingBroadcaster) Shootdown(ctx context.Context, core defs.CoreId, vbase uintptr, pgcount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, core)
	if r.hasFail && core == r.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func TestMapResolveRoundTrip(t *testing.T) {
	setupArena(t)
	nc := mem.NodeFor(0)
	f, kerr := nc.AllocBase()
	if kerr.Kind != defs.KindOK {
		t.Fatalf("AllocBase: %v", kerr)
	}
	vs := New(&recordingBroadcaster{})
	va := uintptr(defs.BasePage * 10)
	if kerr := vs.MapGeneric(va, f, FlagWritable); kerr.Kind != defs.KindOK {
		t.Fatalf("MapGeneric: %v", kerr)
	}
	got, kerr := vs.Resolve(1, va, mem.ClassBase)
	if kerr.Kind != defs.KindOK {
		t.Fatalf("Resolve: %v", kerr)
	}
	if got.Base != f.Base {
		t.Fatalf("resolved frame mismatch: got %v want %v", got.Base, f.Base)
	}
}

func TestMapGenericRejectsUnalignedVa(t *testing.T) {
	setupArena(t)
	nc := mem.NodeFor(0)
	f, _ := nc.AllocBase()
	vs := New(nil)
	if kerr := vs.MapGeneric(1, f, FlagWritable); kerr.Kind != defs.KindInvalidBase {
		t.Fatalf("expected InvalidBase, got %v", kerr)
	}
}

func TestMapGenericRejectsDoubleMap(t *testing.T) {
	setupArena(t)
	nc := mem.NodeFor(0)
	f, _ := nc.AllocBase()
	vs := New(nil)
	va := uintptr(defs.BasePage * 3)
	if kerr := vs.MapGeneric(va, f, FlagWritable); kerr.Kind != defs.KindOK {
		t.Fatalf("first map: %v", kerr)
	}
	f2, _ := nc.AllocBase()
	if kerr := vs.MapGeneric(va, f2, FlagWritable); kerr.Kind != defs.KindAlreadyMapped {
		t.Fatalf("expected AlreadyMapped, got %v", kerr)
	}
}

func TestResolveNotMapped(t *testing.T) {
	setupArena(t)
	vs := New(nil)
	if _, kerr := vs.Resolve(0, uintptr(defs.BasePage), mem.ClassBase); kerr.Kind != defs.KindNotMapped {
		t.Fatalf("expected NotMapped, got %v", kerr)
	}
}

func TestUnmapShootsDownObservingCores(t *testing.T) {
	setupArena(t)
	nc := mem.NodeFor(0)
	f, _ := nc.AllocBase()
	b := &recordingBroadcaster{}
	vs := New(b)
	va := uintptr(defs.BasePage * 7)
	vs.MapGeneric(va, f, FlagWritable)
	if _, kerr := vs.Resolve(2, va, mem.ClassBase); kerr.Kind != defs.KindOK {
		t.Fatalf("Resolve: %v", kerr)
	}
	if _, kerr := vs.Resolve(5, va, mem.ClassBase); kerr.Kind != defs.KindOK {
		t.Fatalf("Resolve: %v", kerr)
	}
	handle, kerr := vs.Unmap(va, mem.ClassBase)
	if kerr.Kind != defs.KindOK {
		t.Fatalf("Unmap: %v", kerr)
	}
	if handle.Frame.Base != f.Base {
		t.Fatalf("unmap returned wrong frame")
	}
	b.mu.Lock()
	if len(b.calls) != 0 {
		b.mu.Unlock()
		t.Fatalf("Unmap must not shoot down by itself, got %d calls", len(b.calls))
	}
	b.mu.Unlock()

	if err := vs.Shootdown(context.Background(), handle); err != nil {
		t.Fatalf("Shootdown: %v", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) != 2 {
		t.Fatalf("expected shootdown on 2 cores, got %d", len(b.calls))
	}
	if _, kerr := vs.Unmap(va, mem.ClassBase); kerr.Kind != defs.KindNotMapped {
		t.Fatalf("expected NotMapped on second unmap, got %v", kerr)
	}
}

func TestMapBigInstallsContiguousWindow(t *testing.T) {
	setupArena(t)
	nc := mem.NodeFor(0)
	f1, _ := nc.AllocLarge()
	f2, _ := nc.AllocLarge()
	vs := New(nil)
	vbase := uintptr(defs.KernelBase)
	if kerr := vs.MapBig(vbase, []mem.Frame{f1, f2}); kerr.Kind != defs.KindOK {
		t.Fatalf("MapBig: %v", kerr)
	}
	got1, kerr := vs.Resolve(0, vbase, mem.ClassLarge)
	if kerr.Kind != defs.KindOK || got1.Base != f1.Base {
		t.Fatalf("first window frame mismatch: %v %v", got1, kerr)
	}
	got2, kerr := vs.Resolve(0, vbase+defs.LargePage, mem.ClassLarge)
	if kerr.Kind != defs.KindOK || got2.Base != f2.Base {
		t.Fatalf("second window frame mismatch: %v %v", got2, kerr)
	}
}
