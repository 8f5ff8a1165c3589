package proc

import (
	"sync"

	"corekernel/defs"
	"corekernel/kcb"
	"corekernel/limits"
	"corekernel/mem"
	"corekernel/replog"
	"corekernel/vspace"
)

// Manager is the top-level process table: one replog.Log per NUMA node,
// replicated so each node has its own instance, a map of locally-held
// Process state, and the core -> executor assignment that enforces that a
// core may be held by at most one process at a time.
type Manager struct {
	mu        sync.Mutex
	logs      []*replog.Log
	processes map[defs.Pid]*Process
	executors map[defs.CoreId]*Executor
	nextPid   defs.Pid
	limits    *limits.SysLimit_t
	broadcast vspace.ShootdownBroadcaster
}

// NewManager builds a Manager with one replicated log per NUMA node.
func NewManager(numNodes int, lim *limits.SysLimit_t, broadcast vspace.ShootdownBroadcaster) *Manager {
	if numNodes < 1 {
		numNodes = 1
	}
	logs := make([]*replog.Log, numNodes)
	for i := range logs {
		logs[i] = replog.NewLog()
	}
	return &Manager{
		logs:      logs,
		processes: make(map[defs.Pid]*Process),
		executors: make(map[defs.CoreId]*Executor),
		limits:    lim,
		broadcast: broadcast,
	}
}

func (m *Manager) logFor(affinity int) *replog.Log {
	if affinity < 0 || affinity >= len(m.logs) {
		return m.logs[0]
	}
	return m.logs[affinity]
}

// replicaToken reads core's KCB.Replica cell, the token this core last
// observed the replicated kernel node at. A core with no KCB installed
// yet (a bare NUMA affinity used only to pick a log shard, not an actual
// dispatch target) has no token to carry, so it reads as the zero Token,
// "nothing observed yet."
func replicaToken(core defs.CoreId) replog.Token {
	k, kerr := kcb.Get(core)
	if kerr.Kind != defs.KindOK {
		return replog.Token{}
	}
	var tok replog.Token
	_ = k.Replica.Get(func(t **replog.Token) defs.KError {
		if *t != nil {
			tok = **t
		}
		return defs.KError{}
	})
	return tok
}

// storeReplicaToken publishes tok into core's KCB.Replica cell so the
// next replicaToken call on this core observes at least this mutation.
// A no-op when core has no KCB installed.
func storeReplicaToken(core defs.CoreId, tok replog.Token) {
	k, kerr := kcb.Get(core)
	if kerr.Kind != defs.KindOK {
		return
	}
	_ = k.Replica.Get(func(t **replog.Token) defs.KError {
		v := tok
		*t = &v
		return defs.KError{}
	})
}

// CreateProcess allocates a fresh Pid, registers it in the replicated log
// for the given NUMA affinity, and constructs its local Process state.
// Fails with TooManyProcesses once the system-wide process limit is
// exhausted.
func (m *Manager) CreateProcess(affinity int) (*Process, defs.KError) {
	if !m.limits.Procs.Taken(1) {
		return nil, defs.Err(defs.KindTooManyProcesses)
	}
	m.mu.Lock()
	pid := m.nextPid
	m.nextPid++
	m.mu.Unlock()

	if _, kerr := m.logFor(affinity).Mutate(replog.MutateAllocPid(pid, defs.CoreId(affinity))); kerr.Kind != defs.KindOK {
		m.limits.Procs.Give()
		return nil, kerr
	}
	p := NewProcess(pid, m.broadcast, m.limits.MaxFilesPerProcess, m.limits.MaxFramesPerProcess, m.limits.MaxBigMappings)
	m.mu.Lock()
	m.processes[pid] = p
	m.mu.Unlock()
	return p, defs.KError{}
}

// ProcessInfo is the result of querying a process's identity and frame
// set through the replicated log: the same answer regardless of which
// replica/core asks.
type ProcessInfo struct {
	Pid    defs.Pid
	Core   defs.CoreId
	Exited bool
	Frames []mem.Frame
}

// GetProcessInfo answers process_info(P) by reading the identity through
// the replicated log, passing core's KCB.Replica token rather than a bare
// zero-value Token (the "pass tokens" discipline §4.4/§9 require of every
// replicated-node read), and the frame set from local Process state.
func (m *Manager) GetProcessInfo(pid defs.Pid, core defs.CoreId) (ProcessInfo, defs.KError) {
	affinity := int(core)
	entry, kerr := m.logFor(affinity).Read(replicaToken(core), replog.QueryPid(pid))
	if kerr.Kind != defs.KindOK {
		return ProcessInfo{}, kerr
	}
	m.mu.Lock()
	p, ok := m.processes[pid]
	m.mu.Unlock()
	if !ok {
		return ProcessInfo{}, defs.Err(defs.KindProcessNotSet)
	}
	return ProcessInfo{Pid: pid, Core: entry.Core, Exited: entry.Exited, Frames: p.Frames()}, defs.KError{}
}

// Exit marks pid exited in its replicated log and releases its process
// slot, implementing the exit(code) operation.
func (m *Manager) Exit(pid defs.Pid, core defs.CoreId) defs.KError {
	affinity := int(core)
	tok, kerr := m.logFor(affinity).Mutate(replog.MutateFreePid(pid))
	if kerr.Kind != defs.KindOK {
		return kerr
	}
	storeReplicaToken(core, tok)
	m.limits.Procs.Give()
	return defs.KError{}
}

// AllocateCoreToProcess implements allocate_core_to_process: it
// claims gtid's Executor slot for pid, failing with CoreAlreadyAllocated
// if that core already holds a live executor, then synthesizes the IPI
// that would install the executor on the target core by installing a KCB
// for it if none exists yet. Once installed, the executor is published
// into the core's KCB.CurrentExec cell via SwapCurrentExecutor (the
// Manager's own executors map remains the authoritative lookup
// ExecutorFor/ReleaseCore use; the KCB cell is the dispatch-visible
// mirror spec §4.4 names) and the process's replicated entry is updated
// to reflect its new core.
func (m *Manager) AllocateCoreToProcess(pid defs.Pid, entry uint64, affinity int, gtid defs.CoreId) (defs.CoreId, defs.KError) {
	m.mu.Lock()
	ex, ok := m.executors[gtid]
	if !ok {
		ex = NewExecutor()
		m.executors[gtid] = ex
	}
	m.mu.Unlock()

	if kerr := ex.Allocate(pid, gtid, entry); kerr.Kind != defs.KindOK {
		return 0, kerr
	}
	k, kerr := kcb.Get(gtid)
	if kerr.Kind != defs.KindOK {
		_ = kcb.Install(kcb.NewKCB(gtid, affinity, ""))
		k, _ = kcb.Get(gtid)
	}
	if kerr := ex.InstallOnCore(); kerr.Kind != defs.KindOK {
		return 0, kerr
	}
	if k != nil {
		k.SwapCurrentExecutor(ex)
	}
	if tok, kerr := m.logFor(affinity).Mutate(replog.MutateSetEntry(pid, replog.ProcessEntry{Core: gtid})); kerr.Kind == defs.KindOK {
		storeReplicaToken(gtid, tok)
	}
	return gtid, defs.KError{}
}

// ExecutorFor returns the executor installed on core, if any.
func (m *Manager) ExecutorFor(core defs.CoreId) (*Executor, defs.KError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executors[core]
	if !ok {
		return nil, defs.Err(defs.KindNoExecutorForCore)
	}
	return ex, defs.KError{}
}

// ReleaseCore tears down the executor occupying core, freeing it for a
// later allocate_core_to_process call. Intended for process exit and
// tests.
func (m *Manager) ReleaseCore(core defs.CoreId) {
	m.mu.Lock()
	ex, ok := m.executors[core]
	if ok {
		ex.Destroy()
		delete(m.executors, core)
	}
	m.mu.Unlock()
	if ok {
		if k, kerr := kcb.Get(core); kerr.Kind == defs.KindOK {
			k.SwapCurrentExecutor(nil)
		}
	}
}

// Process returns the locally held Process state for pid.
func (m *Manager) Process(pid defs.Pid) (*Process, defs.KError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[pid]
	if !ok {
		return nil, defs.Err(defs.KindProcessNotSet)
	}
	return p, defs.KError{}
}
