// Package vspace implements the virtual address space abstraction:
// map_generic/unmap/resolve over a page-table-as-flag-bitmask
// representation, plus a broadcast-and-wait TLB shootdown. The page table
// is a plain map keyed by page-aligned virtual address rather than a hardware x86
// PTE format, since this substrate has no hardware MMU to program.
package vspace

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"corekernel/defs"
	"corekernel/mem"
)

// MapFlags mirror a conventional PTE_* bitmask, reduced to the permission
// bits this substrate actually enforces.
type MapFlags uint8

const (
	FlagPresent MapFlags = 1 << iota
	FlagWritable
	FlagUser
	FlagBig // entry covers a large page rather than a base page
)

type pte struct {
	frame mem.Frame
	flags MapFlags
}

// VSpace is one process's virtual address space: a page table (here a
// plain map from page-aligned virtual address to physical frame + flags, since
// there is no hardware page-table format to lay out byte-for-byte) plus
// the set of cores that have ever observed entries from it and therefore
// need a TLB shootdown on unmap/remap.
type VSpace struct {
	mu      sync.Mutex
	table   map[uintptr]*pte
	present map[defs.CoreId]bool // cores that may have cached a translation

	shootdown ShootdownBroadcaster
}

// ShootdownBroadcaster abstracts per-core TLB invalidation so VSpace does
// not need to know how a core is signaled (IPI, channel, or, in this
// simulated substrate, a plain callback).
type ShootdownBroadcaster interface {
	Shootdown(ctx context.Context, core defs.CoreId, vbase uintptr, pgcount int) error
}

// New builds an empty address space using b to perform TLB shootdowns.
func New(b ShootdownBroadcaster) *VSpace {
	return &VSpace{
		table:     make(map[uintptr]*pte),
		present:   make(map[defs.CoreId]bool),
		shootdown: b,
	}
}

func pageIndex(va uintptr, class mem.PageClass) uintptr {
	return va - va%uintptr(class.Size())
}

// MapGeneric installs a mapping from va to f with the given flags. Fails
// with AlreadyMapped if va (rounded to f's page class) already has an
// entry, and with InvalidBase if va is not aligned to f's page size.
func (vs *VSpace) MapGeneric(va uintptr, f mem.Frame, flags MapFlags) defs.KError {
	class, kerr := mem.ClassOf(f.Size)
	if kerr.Kind != defs.KindOK {
		return kerr
	}
	if va%uintptr(f.Size) != 0 {
		return defs.Err(defs.KindInvalidBase)
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	idx := pageIndex(va, class)
	if _, ok := vs.table[idx]; ok {
		return defs.Err(defs.KindAlreadyMapped)
	}
	if class == mem.ClassLarge {
		flags |= FlagBig
	}
	vs.table[idx] = &pte{frame: f, flags: flags | FlagPresent}
	return defs.KError{}
}

// UnmapHandle is the result of Unmap: the detached frame, plus every core
// that may have cached its translation and therefore needs a shootdown
// before the frame can be safely reused. Unmap itself does not shoot
// down — the caller must invoke Shootdown on the handle, and only then
// release Frame back to the allocator, per the spec's
// "caller is responsible for TLB shootdown and frame release".
type UnmapHandle struct {
	Vaddr uintptr
	Frame mem.Frame
	cores []defs.CoreId
}

// Unmap removes the mapping covering va (at page class class) and returns
// the detached frame without shooting down any TLB. Callers must pass the
// returned handle to Shootdown before treating the frame as free of stale
// translations.
func (vs *VSpace) Unmap(va uintptr, class mem.PageClass) (UnmapHandle, defs.KError) {
	idx := pageIndex(va, class)
	vs.mu.Lock()
	e, ok := vs.table[idx]
	if !ok {
		vs.mu.Unlock()
		return UnmapHandle{}, defs.Err(defs.KindNotMapped)
	}
	delete(vs.table, idx)
	cores := make([]defs.CoreId, 0, len(vs.present))
	for c := range vs.present {
		cores = append(cores, c)
	}
	vs.mu.Unlock()

	return UnmapHandle{Vaddr: va, Frame: e.frame, cores: cores}, defs.KError{}
}

// Shootdown broadcasts h's invalidation to every core that may have
// cached its translation and waits for every acknowledgement, the
// separate tlb::shootdown(handle) step the spec requires callers to
// invoke themselves after Unmap.
func (vs *VSpace) Shootdown(ctx context.Context, h UnmapHandle) error {
	return vs.broadcastShootdown(ctx, h.cores, h.Vaddr, 1)
}

// Resolve translates va to its backing frame without changing the mapping,
// recording that the requesting core now holds a cached translation so a
// later unmap knows to shoot it down.
func (vs *VSpace) Resolve(core defs.CoreId, va uintptr, class mem.PageClass) (mem.Frame, defs.KError) {
	idx := pageIndex(va, class)
	vs.mu.Lock()
	defer vs.mu.Unlock()
	e, ok := vs.table[idx]
	if !ok || e.flags&FlagPresent == 0 {
		return mem.Frame{}, defs.Err(defs.KindNotMapped)
	}
	vs.present[core] = true
	return e.frame, defs.KError{}
}

// MapIdentityWithOffset installs an identity mapping shifted by offset,
// the kernel's own mapping style for its direct map window, preserved here
// for mapping a kernel-owned region into a process's space unmodified.
func (vs *VSpace) MapIdentityWithOffset(base mem.Pa_t, offset uintptr, f mem.Frame, flags MapFlags) defs.KError {
	va := uintptr(base) + offset
	return vs.MapGeneric(va, f, flags)
}

// MapBig implements mem.KernelMapper: it installs frames contiguously
// starting at vbase with kernel-only, writable flags, the permission set a
// direct-map / big_sbrk window needs. frames may mix large and base pages
// (KernelAllocator.MapBig's large-pages-then-tail-base-pages layout), so
// each frame's virtual address is offset by the running size of every
// frame mapped before it rather than assumed uniform.
func (vs *VSpace) MapBig(vbase uintptr, frames []mem.Frame) defs.KError {
	va := vbase
	for _, f := range frames {
		if kerr := vs.MapGeneric(va, f, FlagWritable); kerr.Kind != defs.KindOK {
			return kerr
		}
		va += uintptr(f.Size)
	}
	return defs.KError{}
}

// broadcastShootdown fans the invalidation out to every listed core and
// waits for all of them, a broadcast-and-wait shootdown implemented with
// errgroup instead of a hand-rolled wait-group-plus-channel.
func (vs *VSpace) broadcastShootdown(ctx context.Context, cores []defs.CoreId, vbase uintptr, pgcount int) error {
	if vs.shootdown == nil || len(cores) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range cores {
		c := c
		g.Go(func() error {
			return vs.shootdown.Shootdown(gctx, c, vbase, pgcount)
		})
	}
	return g.Wait()
}
