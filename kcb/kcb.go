// Package kcb implements the per-core Kernel Control Block: one KCB per
// physical core, installed on the OS thread pinned to that
// core, holding the sub-cells (memory manager, page-table manager, zone
// allocators, current executor, save area, replica token) behind a
// dynamic borrow check.
//
// A custom runtime fork could reach this same per-"thread" association
// through a dedicated register field, but the stock Go runtime has no such
// field. This module runs on the stock runtime, so KCB installation
// instead pins the OS thread with runtime.LockOSThread and indexes a
// fixed-size array by core id: no lock needed on the fast path, achieved
// without a custom runtime.
package kcb

import (
	"runtime"
	"sync"
	"sync/atomic"

	"corekernel/defs"
	"corekernel/mem"
	"corekernel/replog"
)

// maxCores bounds the fixed per-core KCB table. A research multikernel
// target is not expected to exceed this many cores; raising it only costs
// table size.
const maxCores = 256

// CellState is the dynamic borrow state of a Cell. Go has no compile-time
// borrow checker, so the discipline is enforced at runtime and reported as
// KindManagerAlreadyBorrowed instead of panicking, since concurrent
// dispatch legitimately contends for a KCB's sub-cells.
type CellState uint8

const (
	cellFree CellState = iota
	cellBorrowed
)

// Cell is a dynamically borrow-checked container: each KCB sub-cell is
// wrapped in one of these so two dispatch paths can never alias the same
// allocator or executor slot.
type Cell[T any] struct {
	mu    sync.Mutex
	state CellState
	value T
}

// NewCell wraps v in a free Cell.
func NewCell[T any](v T) *Cell[T] {
	return &Cell[T]{value: v}
}

// TryGet borrows the cell for the duration of fn, returning
// KindManagerAlreadyBorrowed instead of blocking if another borrow is
// already outstanding.
func (c *Cell[T]) TryGet(fn func(*T) defs.KError) defs.KError {
	if !c.mu.TryLock() {
		return defs.Err(defs.KindManagerAlreadyBorrowed)
	}
	defer c.mu.Unlock()
	if c.state == cellBorrowed {
		return defs.Err(defs.KindManagerAlreadyBorrowed)
	}
	c.state = cellBorrowed
	defer func() { c.state = cellFree }()
	return fn(&c.value)
}

// Get borrows the cell, blocking until any outstanding borrow completes.
// Used on paths that call for waiting rather than failing fast.
func (c *Cell[T]) Get(fn func(*T) defs.KError) defs.KError {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = cellBorrowed
	defer func() { c.state = cellFree }()
	return fn(&c.value)
}

// KCB is the per-core control block. mem_manager and pmem_manager are both
// dynamically borrow-checked, one for ordinary kernel-virtual allocations
// and one for physical-page management; Replica and FSReplica carry the
// tokens for the replicated kernel node and the replicated FS node
// respectively; CurrentExec names the executor dispatch is currently
// running on behalf of, swapped atomically by SwapCurrentExecutor.
// CurrentExec is typed *Cell[any] rather than *Cell[*proc.Executor] since
// package proc imports kcb, not the reverse — proc.Executor values are
// type-asserted back out by proc itself.
type KCB struct {
	Core defs.CoreId

	MemManager  *Cell[*mem.KernelAllocator]
	PmemManager *Cell[*mem.KernelAllocator]
	CurrentExec *Cell[any]
	SaveArea    *Cell[[]byte]
	Replica     *Cell[*replog.Token]
	FSReplica   *Cell[*replog.Token]

	Cmdline string

	panicMode atomic.Bool
}

// NewKCB builds a KCB for the given core with freshly constructed
// sub-cells.
func NewKCB(core defs.CoreId, affinity int, cmdline string) *KCB {
	return &KCB{
		Core:        core,
		MemManager:  NewCell(mem.NewKernelAllocator(affinity)),
		PmemManager: NewCell(mem.NewKernelAllocator(affinity)),
		CurrentExec: NewCell[any](nil),
		SaveArea:    NewCell[[]byte](nil),
		Replica:     NewCell[*replog.Token](nil),
		FSReplica:   NewCell[*replog.Token](nil),
		Cmdline:     cmdline,
	}
}

// EnterPanicMode sets this KCB's in_panic_mode flag and switches both the
// mem_manager and pmem_manager allocators onto their reserve panic zones.
// One-way: there is no corresponding ExitPanicMode, since a core that has
// entered kernel panic is never expected to resume ordinary dispatch.
func (k *KCB) EnterPanicMode() {
	k.panicMode.Store(true)
	_ = k.MemManager.Get(func(ka **mem.KernelAllocator) defs.KError {
		(*ka).SetPanicMode(true)
		return defs.KError{}
	})
	_ = k.PmemManager.Get(func(ka **mem.KernelAllocator) defs.KError {
		(*ka).SetPanicMode(true)
		return defs.KError{}
	})
}

// InPanicMode reports whether EnterPanicMode has been called on this KCB.
func (k *KCB) InPanicMode() bool {
	return k.panicMode.Load()
}

// SwapCurrentExecutor installs next as the KCB's current executor and
// returns whatever was previously installed (nil if none), the
// swap_current_executor(new) -> old primitive dispatch uses to context
// switch without ever observing two executors live on the same core at
// once.
func (k *KCB) SwapCurrentExecutor(next any) any {
	var old any
	_ = k.CurrentExec.Get(func(cur *any) defs.KError {
		old = *cur
		*cur = next
		return defs.KError{}
	})
	return old
}

var (
	tableMu sync.Mutex
	table   [maxCores]*KCB
	pinned  [maxCores]bool
)

// Install pins the calling OS thread and publishes k as that core's KCB.
// Must be called once per core before any dispatch runs on it. Installing
// a second KCB on an already-pinned core is a programming error, reported
// as CoreAlreadyAllocated.
func Install(k *KCB) defs.KError {
	if int(k.Core) < 0 || int(k.Core) >= maxCores {
		return defs.ErrArg(1)
	}
	tableMu.Lock()
	defer tableMu.Unlock()
	if pinned[k.Core] {
		return defs.Err(defs.KindCoreAlreadyAllocated)
	}
	runtime.LockOSThread()
	table[k.Core] = k
	pinned[k.Core] = true
	return defs.KError{}
}

// Get returns the KCB installed for core, or KindNoExecutorForCore if none
// has been installed yet.
func Get(core defs.CoreId) (*KCB, defs.KError) {
	tableMu.Lock()
	defer tableMu.Unlock()
	if int(core) < 0 || int(core) >= maxCores || table[core] == nil {
		return nil, defs.Err(defs.KindNoExecutorForCore)
	}
	return table[core], defs.KError{}
}

// Uninstall releases a core's KCB. Intended for tests and for the
// coresim harness tearing down a simulated core, since a production
// multikernel core never actually reuses its slot.
func Uninstall(core defs.CoreId) {
	tableMu.Lock()
	defer tableMu.Unlock()
	if int(core) < 0 || int(core) >= maxCores {
		return
	}
	table[core] = nil
	pinned[core] = false
}
