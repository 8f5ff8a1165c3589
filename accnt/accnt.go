// Package accnt implements per-process CPU-time accounting, embedded in
// proc.Process.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt_t accumulates per-process accounting information. Userns and Sysns
// store runtime in nanoseconds. The embedded mutex lets callers take a
// consistent snapshot of the fields when exporting usage statistics.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Now returns the current time in nanoseconds since the Unix epoch.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

// Finish finalizes accounting by adding time since inttime to system time.
func (a *Accnt_t) Finish(inttime int64) {
	a.Systadd(a.Now() - inttime)
}

// Add merges another accounting record into this one.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	defer a.Unlock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
}

// Usage is a snapshot of accumulated user/system time, returned as a typed
// value instead of a raw byte layout, since no POSIX rusage ABI is in
// scope here.
type Usage struct {
	UserNanos int64
	SysNanos  int64
}

// Fetch returns a consistent snapshot of the accounting information.
func (a *Accnt_t) Fetch() Usage {
	a.Lock()
	defer a.Unlock()
	return Usage{UserNanos: a.Userns, SysNanos: a.Sysns}
}
