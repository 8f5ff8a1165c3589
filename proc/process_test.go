package proc

import (
	"testing"

	"corekernel/defs"
	"corekernel/mem"
)

func setupArena(t *testing.T, nodes int) {
	t.Helper()
	mem.Reset()
	ns := make([]mem.NUMANode, nodes)
	for i := range ns {
		ns[i] = mem.NUMANode{ID: i, CPUs: []int{i}}
	}
	if err := mem.InitPhysmem(ns); err != nil {
		t.Fatalf("InitPhysmem: %v", err)
	}
	t.Cleanup(mem.Reset)
}

func TestRegisterFrameAssignsDenseIds(t *testing.T) {
	setupArena(t, 1)
	p := NewProcess(1, nil, 8, 4, 2)
	nc := mem.NodeFor(0)
	f1, _ := nc.AllocBase()
	f2, _ := nc.AllocBase()
	id1, kerr := p.RegisterFrame(f1)
	if kerr.Kind != defs.KindOK || id1 != 0 {
		t.Fatalf("got id=%v kerr=%v", id1, kerr)
	}
	id2, kerr := p.RegisterFrame(f2)
	if kerr.Kind != defs.KindOK || id2 != 1 {
		t.Fatalf("got id=%v kerr=%v", id2, kerr)
	}
}

func TestRegisterFrameRespectsLimit(t *testing.T) {
	setupArena(t, 1)
	p := NewProcess(1, nil, 8, 2, 2)
	nc := mem.NodeFor(0)
	f1, _ := nc.AllocBase()
	f2, _ := nc.AllocBase()
	f3, _ := nc.AllocBase()
	if _, kerr := p.RegisterFrame(f1); kerr.Kind != defs.KindOK {
		t.Fatalf("frame 1: %v", kerr)
	}
	if _, kerr := p.RegisterFrame(f2); kerr.Kind != defs.KindOK {
		t.Fatalf("frame 2: %v", kerr)
	}
	if _, kerr := p.RegisterFrame(f3); kerr.Kind != defs.KindInvalidFrameId {
		t.Fatalf("expected InvalidFrameId at cap, got %v", kerr)
	}
}

func TestFrameByIDAndFrames(t *testing.T) {
	setupArena(t, 1)
	p := NewProcess(1, nil, 8, 4, 2)
	nc := mem.NodeFor(0)
	f, _ := nc.AllocBase()
	id, _ := p.RegisterFrame(f)
	got, kerr := p.FrameByID(id)
	if kerr.Kind != defs.KindOK || got.Base != f.Base {
		t.Fatalf("got %v %v", got, kerr)
	}
	if len(p.Frames()) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(p.Frames()))
	}
	if _, kerr := p.FrameByID(id + 1); kerr.Kind != defs.KindInvalidFrameId {
		t.Fatalf("expected InvalidFrameId, got %v", kerr)
	}
}
