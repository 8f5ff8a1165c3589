package mem

import (
	"sync"
	"unsafe"

	"corekernel/defs"
)

/// zoneSizeClasses are the fixed power-of-two slab classes routed to by
/// KernelAllocator.AllocSmall, kept to a handful of classes rather than one
/// per size.
var zoneSizeClasses = []int{16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192}

const zoneMax = 8192

func sizeClassFor(n int) (int, defs.KError) {
	if n <= 0 || n > zoneMax {
		return 0, defs.ErrArg(1)
	}
	for _, c := range zoneSizeClasses {
		if n <= c {
			return c, defs.KError{}
		}
	}
	return 0, defs.ErrArg(1)
}

func ptrOf(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

func withinSlice(base, sub []byte) bool {
	if len(base) == 0 || len(sub) == 0 {
		return false
	}
	bp := uintptr(ptrOf(base))
	sp := uintptr(ptrOf(sub))
	return sp >= bp && sp < bp+uintptr(len(base))
}

func sliceOffset(base, sub []byte) int {
	return int(uintptr(ptrOf(sub)) - uintptr(ptrOf(base)))
}

/// slabSegment is one slab page's worth of fixed-size objects, with a
/// freelist threaded through the unused slots.
type slabSegment struct {
	frame Frame
	class int
	free  []int // free slot indices
}

func newSlabSegment(f Frame, class int) *slabSegment {
	n := f.Size / class
	free := make([]int, n)
	for i := range free {
		free[i] = i
	}
	return &slabSegment{frame: f, class: class, free: free}
}

func (s *slabSegment) alloc() ([]byte, bool) {
	if len(s.free) == 0 {
		return nil, false
	}
	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	b := s.frame.Bytes()
	off := idx * s.class
	return b[off : off+s.class], true
}

func (s *slabSegment) releaseSlot(ptr []byte) {
	b := s.frame.Bytes()
	idx := sliceOffset(b, ptr) / s.class
	s.free = append(s.free, idx)
}

/// Zone is a fixed-size-class slab pool. One Zone backs each size class of a
/// KernelAllocator.
type Zone struct {
	mu       sync.Mutex
	class    int
	segments []*slabSegment
	cache    *TCache
}

/// NewZone builds a Zone for the given size class, drawing slab pages from
/// cache.
func NewZone(class int, cache *TCache) *Zone {
	return &Zone{class: class, cache: cache}
}

/// Alloc returns a zeroed object of the zone's size class, growing the zone
/// by one slab page when every segment is full: a base page, or a large
/// page for classes bigger than BASE_PAGE.
func (z *Zone) Alloc() ([]byte, defs.KError) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, s := range z.segments {
		if b, ok := s.alloc(); ok {
			zero(b)
			return b, defs.KError{}
		}
	}
	var f Frame
	var kerr defs.KError
	if z.class > defs.BasePage {
		f, kerr = z.cache.AllocLarge()
	} else {
		f, kerr = z.cache.AllocBase()
	}
	if kerr.Kind != defs.KindOK {
		return nil, kerr
	}
	s := newSlabSegment(f, z.class)
	z.segments = append(z.segments, s)
	b, ok := s.alloc()
	if !ok {
		panic("mem: fresh slab segment reported full")
	}
	zero(b)
	return b, defs.KError{}
}

/// InUse returns the number of bytes currently allocated out of this zone,
/// summed across every segment, for observing that one zone's occupancy is
/// unaffected by allocations served from a different zone (e.g. the panic
/// zone).
func (z *Zone) InUse() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	total := 0
	for _, s := range z.segments {
		cap := s.frame.Size / s.class
		total += (cap - len(s.free)) * s.class
	}
	return total
}

/// Free returns ptr to its owning segment. Panics if ptr was not issued by
/// this zone, since that is a programming error.
func (z *Zone) Free(ptr []byte) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, s := range z.segments {
		if withinSlice(s.frame.Bytes(), ptr) {
			s.releaseSlot(ptr)
			return
		}
	}
	panic("mem: Free on pointer not owned by this zone")
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
