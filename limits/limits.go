// Package limits tracks system-wide resource limits: MAX_PROCESSES,
// MAX_FRAMES_PER_PROCESS, MAX_FILES_PER_PROCESS, and the per-process
// big-mapping bound.
package limits

import "sync/atomic"

// Sysatomic_t is a numeric limit that can be atomically given and taken.
type Sysatomic_t int64

// Given increases the limit by n.
func (s *Sysatomic_t) Given(n int64) {
	if n < 0 {
		panic("negative give")
	}
	atomic.AddInt64((*int64)(s), n)
}

// Taken tries to decrement the limit by n, returning whether it succeeded.
func (s *Sysatomic_t) Taken(n int64) bool {
	if n < 0 {
		panic("negative take")
	}
	g := atomic.AddInt64((*int64)(s), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), n)
	return false
}

// Take decrements the limit by one.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// Give increments the limit by one.
func (s *Sysatomic_t) Give() { s.Given(1) }

// Get returns the current value.
func (s *Sysatomic_t) Get() int64 { return atomic.LoadInt64((*int64)(s)) }

// SysLimit_t holds the system-wide limits consumed by the process and
// allocator layers.
type SysLimit_t struct {
	MaxProcesses        int
	MaxFramesPerProcess int
	MaxFilesPerProcess  int
	// MaxBigMappings bounds how many allocate_vector windows a process may
	// take over its lifetime, since those windows are never reclaimed.
	// KernelAllocator.MapBig itself does not check it.
	MaxBigMappings int

	// Procs counts the process slots still available. MkSysLimit leaves it
	// at zero, so a caller seeds it (normally with MaxProcesses) before
	// creating processes.
	Procs Sysatomic_t
}

// MkSysLimit returns the default set of limits.
func MkSysLimit() *SysLimit_t {
	return &SysLimit_t{
		MaxProcesses:        4096,
		MaxFramesPerProcess: 65536,
		MaxFilesPerProcess:  256,
		MaxBigMappings:      64,
	}
}

// Syslimit is the process-wide default limit set.
var Syslimit = MkSysLimit()
