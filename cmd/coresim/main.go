// Command coresim is a small standalone driver that boots the simulated
// multikernel substrate end to end: it detects a NUMA topology, installs a
// KCB for the boot core, spawns a process through proc.Manager, and drives
// a handful of syscalls through proc.Dispatch, printing what happened to
// stdout. It exists to exercise the wiring between packages the way a real
// boot sequence would, standing in for an external benchmark harness.
package main

import (
	"fmt"
	"os"

	"corekernel/defs"
	"corekernel/kcb"
	"corekernel/limits"
	"corekernel/mem"
	"corekernel/proc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "coresim:", err)
		os.Exit(1)
	}
}

func run() error {
	nodes := mem.DetectTopology()
	if err := mem.InitPhysmem(nodes); err != nil {
		return err
	}
	defer mem.Reset()

	lim := limits.MkSysLimit()
	lim.Procs.Given(int64(lim.MaxProcesses))
	mgr := proc.NewManager(len(nodes), lim, nil)

	bootCore := defs.CoreId(0)
	if kerr := kcb.Install(kcb.NewKCB(bootCore, 0, "coresim")); kerr.Kind != defs.KindOK {
		return fmt.Errorf("install boot KCB: %w", kerr)
	}
	defer kcb.Uninstall(bootCore)

	p, kerr := mgr.CreateProcess(0)
	if kerr.Kind != defs.KindOK {
		return fmt.Errorf("create process: %w", kerr)
	}
	fmt.Printf("spawned pid=%d on %d NUMA node(s)\n", p.Pid, len(nodes))

	// Wire the process's own address space as the KernelMapper for the boot
	// core's allocator, exercising the mem<->vspace seam MapBig depends on
	// (dispatch.go's allocate_vector path maps frames directly through
	// Process.VSpace instead; this demonstrates the lower-level MapBig
	// route the same interface supports).
	k, kerr := kcb.Get(bootCore)
	if kerr.Kind != defs.KindOK {
		return fmt.Errorf("get boot KCB: %w", kerr)
	}
	var bigWindow uintptr
	borrowErr := k.MemManager.Get(func(ka **mem.KernelAllocator) defs.KError {
		(*ka).SetMapper(p.VSpace)
		win, err := (*ka).MapBig(2 * defs.LargePage)
		bigWindow = win
		return err
	})
	if borrowErr.Kind != defs.KindOK {
		return fmt.Errorf("MapBig: %w", borrowErr)
	}
	fmt.Printf("MapBig window installed at 0x%x\n", bigWindow)

	coreResp := mgr.Dispatch(bootCore, proc.Request{Class: defs.ClassSystem, Op: proc.SysGetCoreID})
	fmt.Printf("get_core_id -> %d (err=%s)\n", coreResp.Ret1, coreResp.Err)

	allocResp := mgr.Dispatch(bootCore, proc.Request{
		Class: defs.ClassProcess,
		Op:    proc.ProcAllocatePhysical,
		Args:  [5]uint64{defs.BasePage, 0, uint64(p.Pid)},
	})
	fmt.Printf("allocate_physical -> fid=%d paddr=0x%x (err=%s)\n", allocResp.Ret1, allocResp.Ret2, allocResp.Err)

	vecResp := mgr.Dispatch(bootCore, proc.Request{
		Class: defs.ClassProcess,
		Op:    proc.ProcAllocateVector,
		Args:  [5]uint64{defs.LargePage, 0, uint64(p.Pid)},
	})
	fmt.Printf("allocate_vector -> va=0x%x paddr=0x%x (err=%s)\n", vecResp.Ret1, vecResp.Ret2, vecResp.Err)

	openResp := mgr.Dispatch(bootCore, proc.Request{
		Class: defs.ClassFileIO,
		Op:    proc.FileOpen,
		Args:  [5]uint64{uint64(p.Pid), 3},
		Path:  "/boot.log",
	})
	if openResp.Err != defs.SysOk {
		return fmt.Errorf("open: %s", openResp.Err)
	}
	fd := openResp.Ret1
	writeResp := mgr.Dispatch(bootCore, proc.Request{
		Class: defs.ClassFileIO,
		Op:    proc.FileWrite,
		Args:  [5]uint64{uint64(p.Pid), fd},
		Buf:   []byte("coresim boot complete\n"),
	})
	fmt.Printf("write -> %d bytes (err=%s)\n", writeResp.Ret1, writeResp.Err)
	mgr.Dispatch(bootCore, proc.Request{Class: defs.ClassFileIO, Op: proc.FileClose, Args: [5]uint64{uint64(p.Pid), fd}})

	if kerr := mgr.Exit(p.Pid, 0); kerr.Kind != defs.KindOK {
		return fmt.Errorf("exit: %w", kerr)
	}
	fmt.Println("process exited cleanly")
	return nil
}
