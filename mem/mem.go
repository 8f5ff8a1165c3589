/// Package mem implements the tiered physical page allocator of the kernel
/// substrate: Frame, the per-core TCache, the per-NUMA-node NCache, the
/// global Registry that backs them, and the KernelAllocator façade that
/// routes allocation requests by size class. Built around a Physmem_t-style
/// percpu array, extended with a NUMA tier a single-socket target never
/// needed.
package mem

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"corekernel/defs"
)

/// Pa_t is a physical address, here, an offset into the simulated physical
/// arena rather than a real hardware address, since this module runs as an
/// ordinary process rather than on bare metal.
type Pa_t uint64

/// PageClass identifies one of the three fixed page sizes this allocator
/// serves.
type PageClass int

const (
	ClassBase PageClass = iota
	ClassLarge
	ClassHuge
)

func (c PageClass) Size() int {
	switch c {
	case ClassBase:
		return defs.BasePage
	case ClassLarge:
		return defs.LargePage
	case ClassHuge:
		return defs.HugePage
	}
	panic("bad page class")
}

/// ClassOf returns the PageClass matching size, or an error if size is not
/// one of the three fixed sizes.
func ClassOf(size int) (PageClass, defs.KError) {
	switch size {
	case defs.BasePage:
		return ClassBase, defs.KError{}
	case defs.LargePage:
		return ClassLarge, defs.KError{}
	case defs.HugePage:
		return ClassHuge, defs.KError{}
	default:
		return 0, defs.ErrArg(1)
	}
}

/// Frame is a contiguous physical region: affine (at most one live holder),
/// NUMA-tagged, and aligned to its own size.
type Frame struct {
	Base     Pa_t
	Size     int
	Affinity int
}

/// NewFrame validates alignment and constructs a Frame. base % size == 0 is
/// a programming error and is rejected rather than silently fixed.
func NewFrame(base Pa_t, size int, affinity int) (Frame, defs.KError) {
	if uint64(base)%uint64(size) != 0 {
		return Frame{}, defs.Err(defs.KindInvalidBase)
	}
	if _, kerr := ClassOf(size); kerr.Kind != defs.KindOK {
		return Frame{}, kerr
	}
	return Frame{Base: base, Size: size, Affinity: affinity}, defs.KError{}
}

/// Bytes returns a byte slice view of the frame's backing storage in the
/// kernel direct map.
func (f Frame) Bytes() []byte {
	return directMapSlice(f.Base, f.Size)
}

/// Zero writes zeroes through the kernel direct map. Must not be called on
/// a frame concurrently handed to user space.
func (f Frame) Zero() {
	b := f.Bytes()
	for i := range b {
		b[i] = 0
	}
}

/// KernelVaddr returns the direct-map address of the frame.
func (f Frame) KernelVaddr() unsafe.Pointer {
	return unsafe.Pointer(&f.Bytes()[0])
}

/// Uninitialized returns a typed pointer at the frame's kernel virtual
/// address, for constructing slab pages and page-table nodes in place.
func Uninitialized[T any](f Frame) *T {
	if int(unsafe.Sizeof(*new(T))) > f.Size {
		panic("type too large for frame")
	}
	return (*T)(f.KernelVaddr())
}

/// NUMANode describes one node of the simulated topology.
type NUMANode struct {
	ID      int
	CPUs    []int
	BaseOff Pa_t // offset of this node's shard within the arena
	Extent  int  // byte length of this node's shard
}

/// registry is the global physical memory backing store: one mmap'd arena
/// sliced into equal per-NUMA-node shards, each shard further carved into
/// free lists of base and large pages. It plays the role of both the
/// "global registry" and the aggregate the per-node NCaches shard from, a
/// single global Physmem_t extended with one extra tier.
type registry struct {
	mu     sync.Mutex
	arena  []byte
	nodes  []NUMANode
	ncache []*NCache
}

var Physmem = &registry{}

const defaultArenaNodeBytes = 256 * defs.LargePage // 512MiB per node by default

/// DetectTopology reads /sys/devices/system/node (Linux) to discover NUMA
/// nodes and their CPUs; on failure (non-Linux, containerized, or no
/// hierarchy present) it falls back to one synthetic node covering all
/// CPUs, logged once via defs.Logf.
func DetectTopology() []NUMANode {
	const base = "/sys/devices/system/node"
	entries, err := os.ReadDir(base)
	if err != nil {
		defs.Logf("mem: no NUMA topology at %s (%v); using one synthetic node", base, err)
		return []NUMANode{{ID: 0, CPUs: allCPUIDs()}}
	}
	var nodes []NUMANode
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		idStr := strings.TrimPrefix(name, "node")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		cpus := readNodeCPUs(filepath.Join(base, name))
		nodes = append(nodes, NUMANode{ID: id, CPUs: cpus})
	}
	if len(nodes) == 0 {
		defs.Logf("mem: %s had no node* entries; using one synthetic node", base)
		return []NUMANode{{ID: 0, CPUs: allCPUIDs()}}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func allCPUIDs() []int {
	n := 1
	if v, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		n = strings.Count(string(v), "processor\t:")
		if n == 0 {
			n = 1
		}
	}
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func readNodeCPUs(nodeDir string) []int {
	entries, err := os.ReadDir(nodeDir)
	if err != nil {
		return nil
	}
	var cpus []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		idStr := strings.TrimPrefix(name, "cpu")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		cpus = append(cpus, id)
	}
	sort.Ints(cpus)
	return cpus
}

/// InitPhysmem reserves an mmap'd arena sized for nodes and carves each
/// node's shard into base/large free lists, backing one NCache per node.
/// It must be called exactly once before any allocation.
func InitPhysmem(nodes []NUMANode) error {
	Physmem.mu.Lock()
	defer Physmem.mu.Unlock()
	if Physmem.arena != nil {
		panic("InitPhysmem called twice")
	}
	if len(nodes) == 0 {
		nodes = []NUMANode{{ID: 0, CPUs: []int{0}}}
	}
	total := defaultArenaNodeBytes * len(nodes)
	arena, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("mem: mmap arena: %w", err)
	}
	Physmem.arena = arena
	Physmem.ncache = make([]*NCache, len(nodes))
	for i := range nodes {
		nodes[i].BaseOff = Pa_t(i * defaultArenaNodeBytes)
		nodes[i].Extent = defaultArenaNodeBytes
		Physmem.ncache[i] = newNCache(nodes[i])
	}
	Physmem.nodes = nodes
	return nil
}

/// Reset tears down the arena. Intended for tests only.
func Reset() {
	Physmem.mu.Lock()
	defer Physmem.mu.Unlock()
	if Physmem.arena != nil {
		_ = unix.Munmap(Physmem.arena)
	}
	Physmem.arena = nil
	Physmem.nodes = nil
	Physmem.ncache = nil
}

func directMapSlice(base Pa_t, size int) []byte {
	Physmem.mu.Lock()
	arena := Physmem.arena
	Physmem.mu.Unlock()
	if arena == nil {
		panic("mem: physmem not initialized")
	}
	end := uint64(base) + uint64(size)
	if end > uint64(len(arena)) {
		panic("mem: frame out of arena bounds")
	}
	return arena[base:end]
}

/// NodeFor returns the NCache serving the given NUMA affinity, or the first
/// node's cache if affinity is the unassigned sentinel (defs.NoNUMANode)
/// or out of range.
func NodeFor(affinity int) *NCache {
	Physmem.mu.Lock()
	defer Physmem.mu.Unlock()
	if len(Physmem.ncache) == 0 {
		panic("mem: physmem not initialized")
	}
	if affinity < 0 || affinity >= len(Physmem.ncache) {
		return Physmem.ncache[0]
	}
	return Physmem.ncache[affinity]
}

/// NumNodes reports how many NUMA nodes the registry was initialized with.
func NumNodes() int {
	Physmem.mu.Lock()
	defer Physmem.mu.Unlock()
	return len(Physmem.ncache)
}
