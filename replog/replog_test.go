package replog

import (
	"testing"

	"corekernel/defs"
)

func TestAllocAndReadPid(t *testing.T) {
	l := NewLog()
	tok, kerr := l.Mutate(MutateAllocPid(1, 0))
	if kerr.Kind != defs.KindOK {
		t.Fatalf("Mutate: %v", kerr)
	}
	e, kerr := l.Read(tok, QueryPid(1))
	if kerr.Kind != defs.KindOK {
		t.Fatalf("Read: %v", kerr)
	}
	if e.Core != 0 || e.Exited {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestDoubleAllocFails(t *testing.T) {
	l := NewLog()
	if _, kerr := l.Mutate(MutateAllocPid(1, 0)); kerr.Kind != defs.KindOK {
		t.Fatalf("first alloc: %v", kerr)
	}
	if _, kerr := l.Mutate(MutateAllocPid(1, 1)); kerr.Kind != defs.KindAlreadyPresent {
		t.Fatalf("expected AlreadyPresent, got %v", kerr)
	}
}

func TestFreeUnknownPidFails(t *testing.T) {
	l := NewLog()
	if _, kerr := l.Mutate(MutateFreePid(42)); kerr.Kind != defs.KindProcessNotSet {
		t.Fatalf("expected ProcessNotSet, got %v", kerr)
	}
}

func TestFreeMarksExited(t *testing.T) {
	l := NewLog()
	l.Mutate(MutateAllocPid(3, 0))
	tok, kerr := l.Mutate(MutateFreePid(3))
	if kerr.Kind != defs.KindOK {
		t.Fatalf("Mutate free: %v", kerr)
	}
	e, kerr := l.Read(tok, QueryPid(3))
	if kerr.Kind != defs.KindOK || !e.Exited {
		t.Fatalf("expected exited entry, got %+v kerr=%v", e, kerr)
	}
}

func TestReadUnknownPidFails(t *testing.T) {
	l := NewLog()
	tok, _ := l.Mutate(MutateAllocPid(1, 0))
	if _, kerr := l.Read(tok, QueryPid(999)); kerr.Kind != defs.KindProcessNotSet {
		t.Fatalf("expected ProcessNotSet, got %v", kerr)
	}
}

func TestReadWithFutureTokenFails(t *testing.T) {
	l := NewLog()
	l.Mutate(MutateAllocPid(1, 0))
	future := Token{pos: 999}
	if _, kerr := l.Read(future, QueryPid(1)); kerr.Kind != defs.KindReplicaNotSet {
		t.Fatalf("expected ReplicaNotSet, got %v", kerr)
	}
}

func TestLenTracksAppliedCommands(t *testing.T) {
	l := NewLog()
	l.Mutate(MutateAllocPid(1, 0))
	l.Mutate(MutateAllocPid(2, 0))
	l.Mutate(MutateFreePid(1))
	if l.Len() != 3 {
		t.Fatalf("got %d want 3", l.Len())
	}
}

func TestCrossReplicaVisibility(t *testing.T) {
	// Simulates two cores sharing one Log: core A mutates, core B's token
	// from before the mutation still observes up-to-date state, since this
	// Log applies synchronously rather than through a batched combiner.
	l := NewLog()
	tokB, _ := l.Mutate(MutateAllocPid(5, 0))
	l.Mutate(MutateAllocPid(6, 1))
	e, kerr := l.Read(tokB, QueryPid(6))
	if kerr.Kind != defs.KindOK || e.Core != 1 {
		t.Fatalf("expected core B to see core A's later mutation, got %+v kerr=%v", e, kerr)
	}
}
