package proc

import (
	"sync"

	"corekernel/defs"
)

// ExecState is one state of the executor lifecycle diagram.
type ExecState int

const (
	ExecNone ExecState = iota
	ExecAllocated
	ExecRunning
	ExecInKernel
)

func (s ExecState) String() string {
	switch s {
	case ExecNone:
		return "None"
	case ExecAllocated:
		return "Allocated"
	case ExecRunning:
		return "Running"
	case ExecInKernel:
		return "InKernel"
	default:
		return "Unknown"
	}
}

// Executor is the per-core, per-process dispatch context. It carries the
// owning process's Pid rather than a pointer to the Process itself,
// breaking the KCB<->executor<->process-table reference cycle the design
// notes call out: a dense integer can always be re-looked-up through the
// Manager, but a pointer cycle cannot be torn down cleanly.
type Executor struct {
	mu    sync.Mutex
	Pid   defs.Pid
	Core  defs.CoreId
	Entry uint64
	state ExecState
}

// NewExecutor builds an executor in the None state.
func NewExecutor() *Executor {
	return &Executor{state: ExecNone}
}

// State returns the executor's current lifecycle state.
func (e *Executor) State() ExecState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Allocate transitions None -> Allocated, recording the owning process,
// core, and entry point. Fails if the executor is already in use.
func (e *Executor) Allocate(pid defs.Pid, core defs.CoreId, entry uint64) defs.KError {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != ExecNone {
		return defs.Err(defs.KindCoreAlreadyAllocated)
	}
	e.Pid, e.Core, e.Entry, e.state = pid, core, entry, ExecAllocated
	return defs.KError{}
}

// InstallOnCore transitions Allocated -> Running, representing the IPI
// that tells the target core to construct this executor and begin
// running user code at Entry.
func (e *Executor) InstallOnCore() defs.KError {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != ExecAllocated {
		return defs.Err(defs.KindNoExecutorForCore)
	}
	e.state = ExecRunning
	return defs.KError{}
}

// Trap transitions Running -> InKernel, modeling a user-mode syscall trap.
func (e *Executor) Trap() defs.KError {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != ExecRunning {
		return defs.Err(defs.KindNoExecutorForCore)
	}
	e.state = ExecInKernel
	return defs.KError{}
}

// Resume transitions InKernel -> Running. The real no-return resume
// (restoring the register file and jumping to user mode) is not modeled
// anywhere in this package; this method only updates the state machine
// bookkeeping a caller can observe.
func (e *Executor) Resume() defs.KError {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != ExecInKernel {
		return defs.Err(defs.KindNoExecutorForCore)
	}
	e.state = ExecRunning
	return defs.KError{}
}

// Destroy transitions to None from any state, modeling process exit or
// core revocation.
func (e *Executor) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = ExecNone
}
