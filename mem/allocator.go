package mem

import (
	"sync/atomic"
	"unsafe"

	"corekernel/defs"
	"corekernel/stats"
)

/// maxRetries bounds the refill-and-retry loop: an allocation fails
/// after this many unsuccessful refill attempts rather than looping forever
/// under sustained memory pressure.
const maxRetries = 3

/// KernelMapper is the minimal surface KernelAllocator needs from a virtual
/// address space to install MapBig windows. It is declared here, consumed
/// by KernelAllocator, and implemented by vspace.VSpace, which avoids a
/// mem<->vspace import cycle without reaching for an unexported callback
/// type.
type KernelMapper interface {
	MapBig(vbase uintptr, frames []Frame) defs.KError
}

/// KernelAllocator is the global allocation façade: it routes requests by
/// size class to a Zone (small objects), a TCache/NCache (base/large pages),
/// or the big_sbrk watermark (MapBig windows), retrying refills up to
/// maxRetries times before giving up. Each KCB holds two of them (its
/// MemManager and its PmemManager), each wrapping its own per-core TCache.
///
/// Panic-zone selection is driven externally by SetPanicMode rather than
/// triggered automatically on exhaustion: the KCB owning this allocator
/// calls SetPanicMode(true) when in_panic_mode is set (see kcb.KCB.EnterPanicMode),
/// the same "selection by in_panic_mode" the zone_allocator/ezone_allocator
/// split requires.
type KernelAllocator struct {
	cache *TCache
	zones map[int]*Zone

	inPanicMode bool
	panicZones  map[int]*Zone // reserve zones, used only while inPanicMode is set

	mapper  KernelMapper
	bigSbrk uint64 // atomic watermark for MapBig windows, in bytes from KernelBase
}

/// NewKernelAllocator builds an allocator bound to one core's TCache.
func NewKernelAllocator(affinity int) *KernelAllocator {
	cache := NewTCache(affinity)
	ka := &KernelAllocator{
		cache:      cache,
		zones:      make(map[int]*Zone, len(zoneSizeClasses)),
		panicZones: make(map[int]*Zone, len(zoneSizeClasses)),
	}
	for _, c := range zoneSizeClasses {
		ka.zones[c] = NewZone(c, cache)
		ka.panicZones[c] = NewZone(c, cache)
	}
	return ka
}

/// SetMapper wires the KernelMapper implementation (a vspace.VSpace in
/// practice) used by MapBig. Done post-construction at KCB setup time to
/// break the mem<->vspace import cycle.
func (ka *KernelAllocator) SetMapper(m KernelMapper) {
	ka.mapper = m
}

/// SetPanicMode switches this allocator's small-object path between the
/// ordinary size-class zones and the reserve panic zone. Called by the
/// owning KCB when in_panic_mode changes; AllocSmall never flips this on
/// its own.
func (ka *KernelAllocator) SetPanicMode(v bool) {
	ka.inPanicMode = v
}

/// InPanicMode reports whether this allocator is currently routing small
/// allocations to the panic zone.
func (ka *KernelAllocator) InPanicMode() bool {
	return ka.inPanicMode
}

/// ZoneFor returns the ordinary size-class Zone that would serve an
/// n-byte AllocSmall request, regardless of panic mode. Exposed for tests
/// observing that panic-zone traffic leaves the main zones untouched.
func (ka *KernelAllocator) ZoneFor(n int) *Zone {
	class, kerr := sizeClassFor(n)
	if kerr.Kind != defs.KindOK {
		return nil
	}
	return ka.zones[class]
}

/// Alloc is the general-purpose kernel allocator entry point: a
/// (size, align) → []byte façade every in-repo consumer calls instead of
/// make, routed by the same three size classes §4.2's table defines.
/// align is honored implicitly: every class below already hands back
/// memory aligned to at least its own class size, which covers every
/// align this substrate ever requests (never more than BASE_PAGE).
func (ka *KernelAllocator) Alloc(size, align int) ([]byte, defs.KError) {
	if size <= 0 {
		return nil, defs.ErrArg(1)
	}
	if align < 0 {
		return nil, defs.ErrArg(2)
	}
	switch {
	case size <= zoneMax:
		return ka.AllocSmall(size)
	case size <= defs.LargePage:
		f, kerr := ka.AllocFrame(ClassLarge)
		if kerr.Kind != defs.KindOK {
			return nil, kerr
		}
		f.Zero()
		return f.Bytes()[:size], defs.KError{}
	default:
		_, frames, kerr := ka.mapBig(size)
		if kerr.Kind != defs.KindOK {
			return nil, kerr
		}
		// Mirrors map_mem's own contract (§9 Open Questions): only the
		// first frame of a multi-frame window is contiguously
		// addressable from a single slice; callers needing the rest
		// resolve through the owning VSpace instead of this facade.
		return frames[0].Bytes(), defs.KError{}
	}
}

/// Dealloc routes ptr (originally returned for size bytes) to the
/// deallocation path §4.2 assigns that size class: zone return for
/// ≤ZONE_MAX, base/large-page release for anything up to LARGE_PAGE, and
/// an unreclaimed-window warning above that — the big_sbrk leak §9 leaves
/// as an open question in this revision.
func (ka *KernelAllocator) Dealloc(ptr []byte, size int) {
	switch {
	case size <= 0:
		return
	case size <= zoneMax:
		if ptr == nil {
			defs.Logf("mem: Dealloc ignoring nil pointer for size %d", size)
			return
		}
		ka.FreeSmall(size, ptr)
	case size <= defs.BasePage:
		ka.freeFrameFromBytes(ptr, ClassBase)
	case size <= defs.LargePage:
		ka.freeFrameFromBytes(ptr, ClassLarge)
	default:
		defs.Logf("mem: Dealloc leaking %d-byte MapBig window, not reclaimed in this revision", size)
	}
}

/// freeFrameFromBytes reconstructs the Frame that backs ptr (a kernel
/// direct-map slice) and releases it through the ordinary FreeFrame path,
/// the "form a base-page Frame from the kernel virtual address" step §4.2
/// describes for dealloc.
func (ka *KernelAllocator) freeFrameFromBytes(ptr []byte, class PageClass) {
	if ptr == nil {
		defs.Logf("mem: Dealloc ignoring nil pointer")
		return
	}
	Physmem.mu.Lock()
	arena := Physmem.arena
	Physmem.mu.Unlock()
	if arena == nil {
		panic("mem: physmem not initialized")
	}
	off := uintptr(unsafe.Pointer(&ptr[0])) - uintptr(unsafe.Pointer(&arena[0]))
	ka.FreeFrame(Frame{Base: Pa_t(off), Size: class.Size()})
}

/// AllocSmall returns a zeroed buffer of at least n bytes, routed to the
/// size-class Zone covering n (or the panic zone, while inPanicMode is
/// set). Retries the refill path up to maxRetries times before returning
/// the last error (KindOutOfMemory once the node has nothing left).
func (ka *KernelAllocator) AllocSmall(n int) ([]byte, defs.KError) {
	class, kerr := sizeClassFor(n)
	if kerr.Kind != defs.KindOK {
		return nil, kerr
	}
	if ka.inPanicMode {
		return ka.allocFromPanicZone(n)
	}
	z := ka.zones[class]
	var last defs.KError
	for attempt := 0; attempt < maxRetries; attempt++ {
		b, kerr := z.Alloc()
		if kerr.Kind == defs.KindOK {
			return b, defs.KError{}
		}
		last = kerr
		stats.AllocatorStatsGlobal.CacheMisses.Inc()
	}
	stats.AllocatorStatsGlobal.RetryExhausts.Inc()
	return nil, last
}

/// allocFromPanicZone serves small allocations out of the reserve zones
/// while inPanicMode is set, leaving the ordinary size-class zones
/// untouched — this allows the panic handler to allocate without
/// reentering the possibly-corrupt primary zone.
func (ka *KernelAllocator) allocFromPanicZone(n int) ([]byte, defs.KError) {
	class, kerr := sizeClassFor(n)
	if kerr.Kind != defs.KindOK {
		return nil, kerr
	}
	return ka.panicZones[class].Alloc()
}

/// FreeSmall returns ptr to the zone matching its original size class.
func (ka *KernelAllocator) FreeSmall(n int, ptr []byte) {
	class, kerr := sizeClassFor(n)
	if kerr.Kind != defs.KindOK {
		panic("mem: FreeSmall with invalid size")
	}
	ka.zones[class].Free(ptr)
}

/// AllocFrame returns a single page-class frame (base or large) from the
/// TCache/NCache tier.
func (ka *KernelAllocator) AllocFrame(class PageClass) (Frame, defs.KError) {
	var last defs.KError
	for attempt := 0; attempt < maxRetries; attempt++ {
		var f Frame
		var kerr defs.KError
		switch class {
		case ClassBase:
			f, kerr = ka.cache.AllocBase()
		case ClassLarge:
			f, kerr = ka.cache.AllocLarge()
		default:
			return Frame{}, defs.ErrArg(1)
		}
		if kerr.Kind == defs.KindOK {
			return f, defs.KError{}
		}
		last = kerr
	}
	stats.AllocatorStatsGlobal.RetryExhausts.Inc()
	return Frame{}, last
}

/// FreeFrame returns a frame to the TCache tier.
func (ka *KernelAllocator) FreeFrame(f Frame) {
	switch f.Size {
	case defs.BasePage:
		ka.cache.FreeBase(f)
	case defs.LargePage:
		ka.cache.FreeLarge(f)
	default:
		panic("mem: FreeFrame with unexpected size")
	}
}

/// MapBig implements §4.2's MapBig path for a request of size bytes
/// (size > LARGE_PAGE): it decomposes size into ⌊size/LARGE_PAGE⌋ large
/// frames plus however many tail base frames cover the remainder, bumps
/// big_sbrk by (large + 1) × LARGE_PAGE to reserve a 2 MiB-aligned window,
/// and asks the wired KernelMapper to install the large frames followed by
/// the base frames, in that order. Windows are never reclaimed, and MapBig
/// itself applies no bound on how many are requested; MaxBigMappings is
/// only checked by proc's allocate_vector path.
func (ka *KernelAllocator) MapBig(size int) (uintptr, defs.KError) {
	vbase, _, kerr := ka.mapBig(size)
	return vbase, kerr
}

func (ka *KernelAllocator) mapBig(size int) (uintptr, []Frame, defs.KError) {
	if ka.mapper == nil {
		return 0, nil, defs.Err(defs.KindKcbUnavailable)
	}
	if size <= 0 {
		return 0, nil, defs.ErrArg(1)
	}
	nlarge := size / defs.LargePage
	rem := size % defs.LargePage
	nbase := 0
	if rem > 0 {
		nbase = (rem + defs.BasePage - 1) / defs.BasePage
	}

	frames := make([]Frame, 0, nlarge+nbase)
	rollback := func() {
		for _, f := range frames {
			ka.FreeFrame(f)
		}
	}
	for i := 0; i < nlarge; i++ {
		f, kerr := ka.AllocFrame(ClassLarge)
		if kerr.Kind != defs.KindOK {
			rollback()
			return 0, nil, kerr
		}
		frames = append(frames, f)
	}
	for i := 0; i < nbase; i++ {
		f, kerr := ka.AllocFrame(ClassBase)
		if kerr.Kind != defs.KindOK {
			rollback()
			return 0, nil, kerr
		}
		frames = append(frames, f)
	}

	windowSize := uint64(nlarge+1) * defs.LargePage
	off := atomic.AddUint64(&ka.bigSbrk, windowSize) - windowSize
	vbase := uintptr(defs.KernelBase) + uintptr(off)
	if kerr := ka.mapper.MapBig(vbase, frames); kerr.Kind != defs.KindOK {
		rollback()
		return 0, nil, kerr
	}
	stats.AllocatorStatsGlobal.MapBigAllocs.Inc()
	return vbase, frames, defs.KError{}
}
