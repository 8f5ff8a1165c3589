package mem

import (
	"sync"

	"corekernel/defs"
	"corekernel/stats"
)

/// NCache is the per-NUMA-node free list tier: mutex-guarded, unbounded,
/// refilled directly from the node's arena shard. TCaches refill from here
/// when they run dry, and return excess frames here when full.
type NCache struct {
	mu    sync.Mutex
	node  NUMANode
	base  []Frame // free base pages
	large []Frame // free large pages
	// nextBase/nextLarge are watermarks into the still-untouched portion of
	// the node's shard, carved lazily rather than all at init time.
	nextBase  Pa_t
	nextLarge Pa_t
}

func newNCache(node NUMANode) *NCache {
	return &NCache{
		node:      node,
		nextBase:  node.BaseOff,
		nextLarge: node.BaseOff + Pa_t(node.Extent),
	}
}

/// AllocBase removes and returns one base page, carving a fresh one from the
/// shard's untouched region if the free list is empty.
func (n *NCache) AllocBase() (Frame, defs.KError) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l := len(n.base); l > 0 {
		f := n.base[l-1]
		n.base = n.base[:l-1]
		return f, defs.KError{}
	}
	if n.nextBase+defs.BasePage > n.nextLarge {
		return Frame{}, defs.Err(defs.KindOutOfMemory)
	}
	f, kerr := NewFrame(n.nextBase, defs.BasePage, n.node.ID)
	if kerr.Kind != defs.KindOK {
		return Frame{}, kerr
	}
	n.nextBase += defs.BasePage
	stats.AllocatorStatsGlobal.ZoneAllocs.Inc()
	return f, defs.KError{}
}

/// AllocLarge removes and returns one large page.
func (n *NCache) AllocLarge() (Frame, defs.KError) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l := len(n.large); l > 0 {
		f := n.large[l-1]
		n.large = n.large[:l-1]
		return f, defs.KError{}
	}
	// large pages are carved downward from the top of the shard while base
	// pages are carved upward from the bottom, so base and large allocation
	// don't fight over the same bytes.
	if n.nextLarge < defs.LargePage || n.nextLarge-defs.LargePage < n.nextBase {
		return Frame{}, defs.Err(defs.KindOutOfMemory)
	}
	n.nextLarge -= defs.LargePage
	f, kerr := NewFrame(n.nextLarge, defs.LargePage, n.node.ID)
	if kerr.Kind != defs.KindOK {
		return Frame{}, kerr
	}
	return f, defs.KError{}
}

/// FreeBase returns a base page to the node's free list.
func (n *NCache) FreeBase(f Frame) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.base = append(n.base, f)
}

/// FreeLarge returns a large page to the node's free list.
func (n *NCache) FreeLarge(f Frame) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.large = append(n.large, f)
}

/// FreeBaseCount and FreeLargeCount report free-list depth, for tests and
/// diagnostics.
func (n *NCache) FreeBaseCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.base)
}

func (n *NCache) FreeLargeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.large)
}
