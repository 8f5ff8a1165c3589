package mem

import (
	"corekernel/defs"
	"corekernel/stats"
)

/// tcacheCapBase and tcacheCapLarge bound how many frames a TCache holds
/// before spilling back to its NCache, fixed percpu cache sizes in the
/// style of a Physmem_t percpu array.
const (
	tcacheCapBase  = 64
	tcacheCapLarge = 8
)

/// TCache is the per-core cache tier: unlocked (owned by exactly one core),
/// bounded, and refilled from/spilled to the owning NCache: base pages in
/// batches, large pages one at a time.
type TCache struct {
	node   *NCache
	base   []Frame
	large  []Frame
}

/// NewTCache builds a TCache refilling from the NCache of the given NUMA
/// affinity.
func NewTCache(affinity int) *TCache {
	return &TCache{node: NodeFor(affinity)}
}

/// AllocBase returns a base page, refilling a batch from the NCache first if
/// the local cache is empty.
func (t *TCache) AllocBase() (Frame, defs.KError) {
	if len(t.base) == 0 {
		if kerr := t.refillBase(); kerr.Kind != defs.KindOK {
			return Frame{}, kerr
		}
	}
	l := len(t.base)
	f := t.base[l-1]
	t.base = t.base[:l-1]
	stats.AllocatorStatsGlobal.TCacheAllocs.Inc()
	return f, defs.KError{}
}

/// AllocLarge returns a large page, refilling from the NCache on a miss.
func (t *TCache) AllocLarge() (Frame, defs.KError) {
	if len(t.large) == 0 {
		f, kerr := t.node.AllocLarge()
		if kerr.Kind != defs.KindOK {
			stats.AllocatorStatsGlobal.CacheMisses.Inc()
			return Frame{}, kerr
		}
		t.large = append(t.large, f)
	}
	l := len(t.large)
	f := t.large[l-1]
	t.large = t.large[:l-1]
	stats.AllocatorStatsGlobal.TCacheAllocs.Inc()
	return f, defs.KError{}
}

func (t *TCache) refillBase() defs.KError {
	want := tcacheCapBase / 2
	for i := 0; i < want; i++ {
		f, kerr := t.node.AllocBase()
		if kerr.Kind != defs.KindOK {
			if len(t.base) > 0 {
				return defs.KError{}
			}
			stats.AllocatorStatsGlobal.CacheMisses.Inc()
			return kerr
		}
		t.base = append(t.base, f)
	}
	stats.AllocatorStatsGlobal.Refills.Inc()
	return defs.KError{}
}

/// FreeBase returns a base page to the local cache, spilling half the cache
/// back to the NCache when the cap is exceeded.
func (t *TCache) FreeBase(f Frame) {
	t.base = append(t.base, f)
	if len(t.base) > tcacheCapBase {
		spill := len(t.base) / 2
		for i := 0; i < spill; i++ {
			l := len(t.base)
			t.node.FreeBase(t.base[l-1])
			t.base = t.base[:l-1]
		}
	}
}

/// FreeLarge returns a large page to the local cache, spilling to the
/// NCache past the cap.
func (t *TCache) FreeLarge(f Frame) {
	t.large = append(t.large, f)
	if len(t.large) > tcacheCapLarge {
		l := len(t.large)
		t.node.FreeLarge(t.large[l-1])
		t.large = t.large[:l-1]
	}
}

/// BaseLen and LargeLen report the local cache depth, for tests.
func (t *TCache) BaseLen() int  { return len(t.base) }
func (t *TCache) LargeLen() int { return len(t.large) }
