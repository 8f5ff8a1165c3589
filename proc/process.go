// Package proc implements the process and executor model: per-process
// frame registration, the executor lifecycle state machine, and syscall
// dispatch across the System/Process/VSpace/FileIO/Test classes. Named
// Proc_t/Tid_t in the research-kernel vocabulary this substrate is
// modeled on, the shape is carried over from fd.Fd_t's permission model
// and accnt.Accnt_t's per-process embedding, generalized to its own
// PID/FrameId/executor vocabulary.
package proc

import (
	"sync"

	"corekernel/accnt"
	"corekernel/defs"
	"corekernel/fsiface"
	"corekernel/mem"
	"corekernel/vspace"
)

// Process holds everything about one user process that is NOT replicated
// cross-core: its frame table, address space, and open files. (Identity,
// "does pid P exist, who owns it", lives in replog.Log instead, so every
// replica agrees on it without locking this struct.)
type Process struct {
	Pid    defs.Pid
	VSpace *vspace.VSpace
	FS     *fsiface.FS
	Accnt  *accnt.Accnt_t

	mu          sync.Mutex
	frames      map[defs.FrameId]mem.Frame
	nextFrameID defs.FrameId
	maxFrames   int

	bigMu       sync.Mutex
	bigMappings int
	maxBig      int
	vecNextVA   uintptr
}

// vectorRegionBase is where allocate_vector carves out consecutive
// mappings, kept well clear of the addresses map_mem/map_frame_id tests
// use directly.
const vectorRegionBase = uintptr(0x0000_7000_0000_0000)

// NewProcess builds a Process with an empty frame table and a vspace
// wired to broadcaster b for TLB shootdowns.
func NewProcess(pid defs.Pid, b vspace.ShootdownBroadcaster, maxOpenFiles, maxFrames, maxBigMappings int) *Process {
	return &Process{
		Pid:       pid,
		VSpace:    vspace.New(b),
		FS:        fsiface.New(maxOpenFiles),
		Accnt:     &accnt.Accnt_t{},
		frames:    make(map[defs.FrameId]mem.Frame),
		maxFrames: maxFrames,
		maxBig:    maxBigMappings,
		vecNextVA: vectorRegionBase,
	}
}

// takeBigMapping enforces MAX_BIG_MAPPINGS. MapBig windows are never
// reclaimed, so the bound is on how many a process may ever request
// rather than how many are live.
func (p *Process) takeBigMapping() defs.KError {
	p.bigMu.Lock()
	defer p.bigMu.Unlock()
	if p.bigMappings >= p.maxBig {
		return defs.Err(defs.KindCapacityOverflow)
	}
	p.bigMappings++
	return defs.KError{}
}

// reserveVectorRegion hands out the next free virtual address window of
// the given byte length in the process's dedicated vector-mapping region.
func (p *Process) reserveVectorRegion(length int) uintptr {
	p.bigMu.Lock()
	defer p.bigMu.Unlock()
	base := p.vecNextVA
	p.vecNextVA += uintptr(length)
	return base
}

// RegisterFrame transfers ownership of f to the process and returns a
// fresh, dense, process-local FrameId, implementing
// allocate_frame_to_process. Fails with TooManyProcesses's sibling limit,
// InvalidFrameId's cap: MAX_FRAMES_PER_PROCESS.
func (p *Process) RegisterFrame(f mem.Frame) (defs.FrameId, defs.KError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) >= p.maxFrames {
		return 0, defs.Err(defs.KindInvalidFrameId)
	}
	fid := p.nextFrameID
	p.nextFrameID++
	p.frames[fid] = f
	return fid, defs.KError{}
}

// FrameByID looks up a previously registered frame. Used by map_frame_id
// to install an already-owned frame into the VSpace without consuming a
// new one.
func (p *Process) FrameByID(fid defs.FrameId) (mem.Frame, defs.KError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[fid]
	if !ok {
		return mem.Frame{}, defs.Err(defs.KindInvalidFrameId)
	}
	return f, defs.KError{}
}

// Frames returns a snapshot of every frame registered to the process, the
// backing for process_info(P).frames.
func (p *Process) Frames() []mem.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]mem.Frame, 0, len(p.frames))
	for _, f := range p.frames {
		out = append(out, f)
	}
	return out
}

// FrameCount reports how many frames are registered, for limit checks and
// tests.
func (p *Process) FrameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}
