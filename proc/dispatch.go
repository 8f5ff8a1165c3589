package proc

import (
	"corekernel/defs"
	"corekernel/kcb"
	"corekernel/mem"
	"corekernel/stats"
	"corekernel/util"
	"corekernel/vspace"
)

// mapMemReserve is map_mem's refill margin: before allocating, it tries to
// warm the calling core's TCache with this many base pages beyond the
// request. The warm-up is best effort and holds nothing back, so the
// mapping step can still fail partway through.
const mapMemReserve = 20

// Request is one syscall dispatch request. A real ABI would pack six
// 64-bit words into registers; this module runs as an ordinary process
// with no user address space to decode pointers out of, so FileIO payload
// bytes and paths travel as ordinary Go values (Buf, Path) instead of
// being reinterpreted from an Args word, the class/op/Args triple still
// carries every numeric argument the operation matrix defines.
type Request struct {
	Class defs.Class
	Op    uint8
	Args  [5]uint64
	Path  string
	Buf   []byte
}

// Response is the two-word result plus collapsed error code written back
// to the save area.
type Response struct {
	Ret1, Ret2 uint64
	Err        defs.SystemCallError
}

// saveAreaHeaderLen is Class(1) + Op(1) + Args[5]*8.
const saveAreaHeaderLen = 1 + 1 + 5*8

// encodeRequest packs req the way an entry stub would lay out the save
// area before trapping into the kernel: a fixed Class/Op/Args header
// followed by length-prefixed Path and Buf payloads, using util.Writen's
// raw word-packing rather than encoding/gob, the same idiom the save area
// uses everywhere else in this substrate.
func encodeRequest(req Request) []byte {
	pathBytes := []byte(req.Path)
	b := make([]byte, saveAreaHeaderLen+4+len(pathBytes)+4+len(req.Buf))
	util.Writen(b, 1, 0, int(req.Class))
	util.Writen(b, 1, 1, int(req.Op))
	for i, a := range req.Args {
		util.Writen(b, 8, 2+i*8, int(a))
	}
	off := saveAreaHeaderLen
	util.Writen(b, 4, off, len(pathBytes))
	off += 4
	copy(b[off:], pathBytes)
	off += len(pathBytes)
	util.Writen(b, 4, off, len(req.Buf))
	off += 4
	copy(b[off:], req.Buf)
	return b
}

// decodeRequest is encodeRequest's inverse, the "entry stub populates the
// save area, dispatch reads it back out" half of spec §4.5 step 1.
func decodeRequest(b []byte) Request {
	var req Request
	req.Class = defs.Class(util.Readn(b, 1, 0))
	req.Op = uint8(util.Readn(b, 1, 1))
	for i := range req.Args {
		req.Args[i] = uint64(util.Readn(b, 8, 2+i*8))
	}
	off := saveAreaHeaderLen
	pathLen := util.Readn(b, 4, off)
	off += 4
	req.Path = string(b[off : off+pathLen])
	off += pathLen
	bufLen := util.Readn(b, 4, off)
	off += 4
	req.Buf = append([]byte(nil), b[off:off+bufLen]...)
	return req
}

// saveAreaResponseLen is Ret1(8) + Ret2(8) + Err(1).
const saveAreaResponseLen = 8 + 8 + 1

func encodeResponse(resp Response) []byte {
	b := make([]byte, saveAreaResponseLen)
	util.Writen(b, 8, 0, int(resp.Ret1))
	util.Writen(b, 8, 8, int(resp.Ret2))
	util.Writen(b, 1, 16, int(resp.Err))
	return b
}

func decodeResponse(b []byte) Response {
	return Response{
		Ret1: uint64(util.Readn(b, 8, 0)),
		Ret2: uint64(util.Readn(b, 8, 8)),
		Err:  defs.SystemCallError(util.Readn(b, 1, 16)),
	}
}

// Dispatch routes req to the handler for its class, converting any
// KError via defs.ToSyscallError before returning. This is the senior
// entry point for the five-step handler sequence (decode, validate,
// perform, account, respond); the "resume never returns" tail is
// deliberately not modeled here (see proc.Executor.Resume), since the
// handler itself only needs to produce a result to write into the save
// area. Per spec §4.5 step 1, the request is round-tripped through the
// current core's KCB.SaveArea cell rather than dispatched off req
// directly: req is encoded as if written by an entry stub, stored in the
// save area, decoded back out for the handler switch, and the handler's
// Response is likewise encoded back into the save area before being
// returned to the caller.
func (m *Manager) Dispatch(core defs.CoreId, req Request) Response {
	k, kerr := kcb.Get(core)
	if kerr.Kind != defs.KindOK {
		return Response{Err: defs.ToSyscallError(kerr)}
	}

	var decoded Request
	borrowErr := k.SaveArea.Get(func(area *[]byte) defs.KError {
		*area = encodeRequest(req)
		decoded = decodeRequest(*area)
		return defs.KError{}
	})
	if borrowErr.Kind != defs.KindOK {
		return Response{Err: defs.ToSyscallError(borrowErr)}
	}
	req = decoded

	var ret1, ret2 uint64
	switch req.Class {
	case defs.ClassSystem:
		ret1, ret2, kerr = m.dispatchSystem(core, req)
	case defs.ClassProcess:
		ret1, ret2, kerr = m.dispatchProcess(core, req)
	case defs.ClassVSpace:
		ret1, ret2, kerr = m.dispatchVSpace(core, req)
	case defs.ClassFileIO:
		ret1, ret2, kerr = m.dispatchFileIO(core, req)
	case defs.ClassTest:
		ret1, ret2, kerr = req.Args[0], req.Args[1], defs.KError{}
	default:
		kerr = defs.ErrArg(0)
	}
	resp := Response{Ret1: ret1, Ret2: ret2, Err: defs.ToSyscallError(kerr)}

	_ = k.SaveArea.Get(func(area *[]byte) defs.KError {
		*area = encodeResponse(resp)
		return defs.KError{}
	})
	return resp
}

const (
	SysGetHardwareThreads uint8 = iota
	SysGetCoreID
	SysGetStats
)

func (m *Manager) dispatchSystem(core defs.CoreId, req Request) (uint64, uint64, defs.KError) {
	switch req.Op {
	case SysGetCoreID:
		return uint64(core), 0, defs.KError{}
	case SysGetHardwareThreads:
		return uint64(mem.NumNodes()), 0, defs.KError{}
	case SysGetStats:
		_, err := stats.EncodeProfile(&stats.AllocatorStatsGlobal)
		if err != nil {
			return 0, 0, defs.Err(defs.KindNotSupported)
		}
		return 0, 0, defs.KError{}
	default:
		return 0, 0, defs.Err(defs.KindNotSupported)
	}
}

const (
	ProcLog uint8 = iota
	ProcGetVcpuArea
	ProcGetProcessInfo
	ProcRequestCore
	ProcAllocatePhysical
	ProcAllocateVector
	ProcExit
)

func (m *Manager) dispatchProcess(core defs.CoreId, req Request) (uint64, uint64, defs.KError) {
	switch req.Op {
	case ProcLog:
		defs.Logf("%s", string(req.Buf))
		return 0, 0, defs.KError{}
	case ProcGetVcpuArea:
		return uint64(defs.KernelBase), 0, defs.KError{}
	case ProcGetProcessInfo:
		pid := defs.Pid(req.Args[0])
		info, kerr := m.GetProcessInfo(pid, core)
		if kerr.Kind != defs.KindOK {
			return 0, 0, kerr
		}
		return uint64(len(info.Frames)), boolToU64(info.Exited), defs.KError{}
	case ProcRequestCore:
		gtid := defs.CoreId(req.Args[0])
		entry := req.Args[1]
		pid := defs.Pid(req.Args[2])
		got, kerr := m.AllocateCoreToProcess(pid, entry, int(core), gtid)
		return uint64(got), 0, kerr
	case ProcAllocatePhysical:
		size := int(req.Args[0])
		affinity := int(req.Args[1])
		pid := defs.Pid(req.Args[2])
		return m.allocatePhysical(pid, core, size, affinity)
	case ProcAllocateVector:
		length := int(req.Args[0])
		affinity := int(req.Args[1])
		pid := defs.Pid(req.Args[2])
		return m.allocateVector(pid, core, length, affinity)
	case ProcExit:
		pid := defs.Pid(req.Args[0])
		return 0, 0, m.Exit(pid, core)
	default:
		return 0, 0, defs.Err(defs.KindNotSupported)
	}
}

func (m *Manager) allocatePhysical(pid defs.Pid, core defs.CoreId, size, affinity int) (uint64, uint64, defs.KError) {
	class, kerr := mem.ClassOf(size)
	if kerr.Kind != defs.KindOK {
		return 0, 0, kerr
	}
	k, kerr := kcb.Get(core)
	if kerr.Kind != defs.KindOK {
		return 0, 0, kerr
	}
	p, kerr := m.Process(pid)
	if kerr.Kind != defs.KindOK {
		return 0, 0, kerr
	}
	var frame mem.Frame
	var allocErr defs.KError
	borrowErr := withMemManager(k, func(ka **mem.KernelAllocator) defs.KError {
		frame, allocErr = (*ka).AllocFrame(class)
		return allocErr
	})
	if borrowErr.Kind != defs.KindOK {
		return 0, 0, borrowErr
	}
	if allocErr.Kind != defs.KindOK {
		return 0, 0, allocErr
	}
	frame.Zero()
	fid, kerr := p.RegisterFrame(frame)
	if kerr.Kind != defs.KindOK {
		return 0, 0, kerr
	}
	return uint64(fid), uint64(frame.Base), defs.KError{}
}

// allocateVector implements allocate_vector: the kernel picks the virtual
// window (unlike map_mem, where the caller supplies base) out of the
// process's dedicated vector region, subject to MAX_BIG_MAPPINGS (these
// windows are never reclaimed, so the bound caps lifetime requests rather
// than live count). The underlying mapping reuses mapMem's large/base
// decomposition and frame registration.
func (m *Manager) allocateVector(pid defs.Pid, core defs.CoreId, length, affinity int) (uint64, uint64, defs.KError) {
	_ = affinity
	p, kerr := m.Process(pid)
	if kerr.Kind != defs.KindOK {
		return 0, 0, kerr
	}
	if length <= 0 {
		return 0, 0, defs.ErrArg(0)
	}
	if kerr := p.takeBigMapping(); kerr.Kind != defs.KindOK {
		return 0, 0, kerr
	}
	va := p.reserveVectorRegion(length)
	paddr, kerr := m.mapMem(p, core, va, length)
	if kerr.Kind != defs.KindOK {
		return 0, 0, kerr
	}
	return uint64(va), uint64(paddr), defs.KError{}
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

const (
	VsMapMem uint8 = iota
	VsMapPmem
	VsMapDevice
	VsMapFrameID
	VsUnmapMem
	VsUnmapPmem
	VsIdentify
)

func (m *Manager) dispatchVSpace(core defs.CoreId, req Request) (uint64, uint64, defs.KError) {
	pid := defs.Pid(req.Args[len(req.Args)-1])
	p, kerr := m.Process(pid)
	if kerr.Kind != defs.KindOK {
		return 0, 0, kerr
	}
	switch req.Op {
	case VsMapMem, VsMapPmem, VsMapDevice:
		base := uintptr(req.Args[0])
		size := int(req.Args[1])
		paddr, kerr := m.mapMem(p, core, base, size)
		return uint64(paddr), 0, kerr
	case VsMapFrameID:
		base := uintptr(req.Args[0])
		fid := defs.FrameId(req.Args[1])
		f, kerr := p.FrameByID(fid)
		if kerr.Kind != defs.KindOK {
			return 0, 0, kerr
		}
		if kerr := p.VSpace.MapGeneric(base, f, vspace.FlagWritable|vspace.FlagUser); kerr.Kind != defs.KindOK {
			return 0, 0, kerr
		}
		return uint64(base), 0, defs.KError{}
	case VsUnmapMem, VsUnmapPmem:
		base := uintptr(req.Args[0])
		class := mem.ClassBase
		if req.Args[1] != 0 {
			class = mem.ClassLarge
		}
		handle, kerr := p.VSpace.Unmap(base, class)
		if kerr.Kind != defs.KindOK {
			return 0, 0, kerr
		}
		if err := p.VSpace.Shootdown(contextBackground(), handle); err != nil {
			defs.Logf("proc: shootdown error on unmap_mem: %v", err)
		}
		if k, kerr := kcb.Get(core); kerr.Kind == defs.KindOK {
			withMemManager(k, func(ka **mem.KernelAllocator) defs.KError {
				(*ka).FreeFrame(handle.Frame)
				return defs.KError{}
			})
		}
		return uint64(base), uint64(handle.Frame.Size), defs.KError{}
	case VsIdentify:
		addr := uintptr(req.Args[0])
		f, kerr := p.VSpace.Resolve(core, addr, mem.ClassBase)
		if kerr.Kind != defs.KindOK {
			f, kerr = p.VSpace.Resolve(core, addr, mem.ClassLarge)
			if kerr.Kind != defs.KindOK {
				return 0, 0, kerr
			}
		}
		return uint64(f.Base), uint64(f.Size), defs.KError{}
	default:
		return 0, 0, defs.Err(defs.KindNotSupported)
	}
}

// mapMem implements map_mem: it decomposes size into large- and
// base-page counts, tries to warm the TCache with nbase+mapMemReserve base
// pages (large pages are not warmed), then maps each frame consecutively
// starting at base. The warm-up reserves nothing, so an allocation can
// still fail mid-way; frames already mapped by then stay mapped and
// registered. The returned address is
// always the first frame's physical base; callers must not assume the
// frames are contiguous.
func (m *Manager) mapMem(p *Process, core defs.CoreId, base uintptr, size int) (mem.Pa_t, defs.KError) {
	if size <= 0 {
		return 0, defs.ErrArg(1)
	}
	nlarge := size / defs.LargePage
	rem := size % defs.LargePage
	nbase := 0
	if rem > 0 {
		nbase = util.DivRoundup(rem, defs.BasePage)
	}
	k, kerr := kcb.Get(core)
	if kerr.Kind != defs.KindOK {
		return 0, kerr
	}
	var first mem.Frame
	haveFirst := false
	va := base
	borrowErr := withMemManager(k, func(ka **mem.KernelAllocator) defs.KError {
		if err := reserveForMapMem(*ka, nbase+mapMemReserve); err.Kind != defs.KindOK {
			return err
		}
		for i := 0; i < nlarge; i++ {
			f, err := (*ka).AllocFrame(mem.ClassLarge)
			if err.Kind != defs.KindOK {
				return err
			}
			f.Zero()
			if !haveFirst {
				first, haveFirst = f, true
			}
			if err := p.VSpace.MapGeneric(va, f, vspace.FlagWritable|vspace.FlagUser); err.Kind != defs.KindOK {
				return err
			}
			va += uintptr(f.Size)
			if _, rerr := p.RegisterFrame(f); rerr.Kind != defs.KindOK {
				return rerr
			}
		}
		for i := 0; i < nbase; i++ {
			f, err := (*ka).AllocFrame(mem.ClassBase)
			if err.Kind != defs.KindOK {
				return err
			}
			f.Zero()
			if !haveFirst {
				first, haveFirst = f, true
			}
			if err := p.VSpace.MapGeneric(va, f, vspace.FlagWritable|vspace.FlagUser); err.Kind != defs.KindOK {
				return err
			}
			va += uintptr(f.Size)
			if _, rerr := p.RegisterFrame(f); rerr.Kind != defs.KindOK {
				return rerr
			}
		}
		return defs.KError{}
	})
	if borrowErr.Kind != defs.KindOK {
		return 0, borrowErr
	}
	return first.Base, defs.KError{}
}

// reserveForMapMem is a best-effort prefetch: it tries to warm the TCache
// with n base pages, tolerating partial success since the subsequent
// AllocFrame calls already retry-and-fail cleanly on their own.
func reserveForMapMem(ka *mem.KernelAllocator, n int) defs.KError {
	var warmed []mem.Frame
	for i := 0; i < n; i++ {
		f, kerr := ka.AllocFrame(mem.ClassBase)
		if kerr.Kind != defs.KindOK {
			break
		}
		warmed = append(warmed, f)
	}
	for _, f := range warmed {
		ka.FreeFrame(f)
	}
	return defs.KError{}
}

const (
	FileOpen uint8 = iota
	FileClose
	FileRead
	FileWrite
	FileReadAt
	FileWriteAt
	FileDelete
	FileGetInfo
	FileMkdir
	FileRename
)

func (m *Manager) dispatchFileIO(core defs.CoreId, req Request) (uint64, uint64, defs.KError) {
	pid := defs.Pid(req.Args[0])
	p, kerr := m.Process(pid)
	if kerr.Kind != defs.KindOK {
		return 0, 0, kerr
	}
	switch req.Op {
	case FileOpen:
		fd, kerr := p.FS.Open(req.Path, translatePerm(req.Args[1]))
		return uint64(fd), 0, kerr
	case FileClose:
		return 0, 0, p.FS.Close(int(req.Args[1]))
	case FileRead:
		n, kerr := p.FS.Read(int(req.Args[1]), req.Buf)
		return uint64(n), 0, kerr
	case FileWrite:
		n, kerr := p.FS.Write(int(req.Args[1]), req.Buf)
		return uint64(n), 0, kerr
	case FileReadAt:
		n, kerr := p.FS.ReadAt(int(req.Args[1]), req.Buf, int64(req.Args[2]))
		return uint64(n), 0, kerr
	case FileWriteAt:
		n, kerr := p.FS.WriteAt(int(req.Args[1]), req.Buf, int64(req.Args[2]))
		return uint64(n), 0, kerr
	case FileDelete:
		return 0, 0, p.FS.Delete(req.Path)
	case FileGetInfo:
		info, kerr := p.FS.Stat(req.Path)
		return uint64(info.Size), boolToU64(info.IsDir), kerr
	case FileMkdir:
		return 0, 0, p.FS.Mkdir(req.Path)
	case FileRename:
		return 0, 0, p.FS.Rename(req.Path, string(req.Buf))
	default:
		return 0, 0, defs.Err(defs.KindNotSupported)
	}
}
