// Package replog implements the replicated kernel node: an
// ordered command log that every core sharing a Log applies against the
// one process id table that Log materializes.
// There is no single coherent shared-memory image to guard with an
// ordinary mutex here; cross-core replication instead needs an append-only
// log with a monotonic Token a reader presents to learn how much of the
// log it has observed, built from the same single-embedded-mutex shape
// protecting a slice/map pair as accnt.Accnt_t and hashtable.bucket_t use.
package replog

import (
	"sync"

	"corekernel/defs"
	"corekernel/hashtable"
)

// Token names a position in the log: the number of commands a reader has
// already observed. A fresh Token starts at zero; Mutate returns the
// advanced Token and Read never changes one, giving the familiar
// node-replication read-after-mutate visibility guarantee without needing
// a combiner thread.
type Token struct {
	pos int
}

// Command is one mutating operation applied to every replica in the same
// order. Concrete kernel operations build one of these via the
// constructors below.
type Command struct {
	kind  cmdKind
	pid   defs.Pid
	entry ProcessEntry
}

type cmdKind int

const (
	cmdAllocPid cmdKind = iota
	cmdFreePid
	cmdSetEntry
)

// ProcessEntry is the per-process state visible to every replica:
// currently just the owning core and whether the process has exited. The
// rest of a process's state (address space, open files) lives in the
// proc package and is not replicated here, since only the identity
// mapping, "does this pid exist, and who owns it", needs cross-core
// agreement for the scenarios this log needs to serve.
type ProcessEntry struct {
	Core   defs.CoreId
	Exited bool
}

// MutateAllocPid builds a command that reserves pid for core.
func MutateAllocPid(pid defs.Pid, core defs.CoreId) Command {
	return Command{kind: cmdAllocPid, pid: pid, entry: ProcessEntry{Core: core}}
}

// MutateFreePid builds a command that marks pid exited and releases it.
func MutateFreePid(pid defs.Pid) Command {
	return Command{kind: cmdFreePid, pid: pid}
}

// MutateSetEntry builds a command that overwrites pid's replicated entry
// outright, used to migrate a process's Core field when it moves onto a
// different gtid without going through a free/alloc cycle.
func MutateSetEntry(pid defs.Pid, entry ProcessEntry) Command {
	return Command{kind: cmdSetEntry, pid: pid, entry: entry}
}

// Query is a read-only lookup against the replicated state as of a Token.
type Query struct {
	pid defs.Pid
}

// QueryPid builds a query for pid's current entry.
func QueryPid(pid defs.Pid) Query {
	return Query{pid: pid}
}

// Log is the replicated kernel node: an ordered command sequence plus the
// materialized process table every command maintains. Every core applies
// Mutate calls through the same Log instance: even without one coherent
// shared-memory image to rely on, the system still needs exactly one
// point of total order, and this is it.
type Log struct {
	mu      sync.Mutex
	applied []Command
	procs   *hashtable.Hashtable_t[defs.Pid, ProcessEntry]
}

// NewLog builds an empty replicated log.
func NewLog() *Log {
	return &Log{procs: hashtable.MkHash[defs.Pid, ProcessEntry](1024)}
}

// Mutate appends cmd to the log, applies it to the materialized state, and
// returns a Token observing the result, the caller's local KCB.Replica
// cell stores this token so later Reads on the same core see at least
// this mutation, the linearizable-read contract this log provides.
func (l *Log) Mutate(cmd Command) (Token, defs.KError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch cmd.kind {
	case cmdAllocPid:
		if _, exists := l.procs.Get(cmd.pid); exists {
			return Token{}, defs.Err(defs.KindAlreadyPresent)
		}
		l.procs.Set(cmd.pid, cmd.entry)
	case cmdFreePid:
		e, exists := l.procs.Get(cmd.pid)
		if !exists {
			return Token{}, defs.Err(defs.KindProcessNotSet)
		}
		e.Exited = true
		l.procs.Set(cmd.pid, e)
	case cmdSetEntry:
		if _, exists := l.procs.Get(cmd.pid); !exists {
			return Token{}, defs.Err(defs.KindProcessNotSet)
		}
		l.procs.Set(cmd.pid, cmd.entry)
	default:
		return Token{}, defs.ErrArg(1)
	}
	l.applied = append(l.applied, cmd)
	return Token{pos: len(l.applied)}, defs.KError{}
}

// Read answers q against the state as of tok. Since this implementation
// applies commands synchronously under Mutate rather than batching them
// through a combiner, any Token at or before the current log length sees
// fully up-to-date state; Read still takes tok so call sites carry the
// same token-threading discipline a batched combiner would require.
func (l *Log) Read(tok Token, q Query) (ProcessEntry, defs.KError) {
	l.mu.Lock()
	length := len(l.applied)
	l.mu.Unlock()
	if tok.pos > length {
		return ProcessEntry{}, defs.Err(defs.KindReplicaNotSet)
	}
	e, exists := l.procs.Get(q.pid)
	if !exists {
		return ProcessEntry{}, defs.Err(defs.KindProcessNotSet)
	}
	return e, defs.KError{}
}

// Len reports how many commands have been applied, for tests and
// diagnostics.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.applied)
}
