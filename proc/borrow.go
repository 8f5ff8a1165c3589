package proc

import (
	"corekernel/caller"
	"corekernel/defs"
	"corekernel/kcb"
	"corekernel/mem"
)

// borrowRetries bounds how many times a KCB sub-cell borrow contention is
// retried before ManagerAlreadyBorrowed is surfaced to the caller, the
// "drop borrow & retry" recoverable policy spec §7 assigns it.
const borrowRetries = 3

// memManagerContention dedupes the diagnostic dump emitted when
// withMemManager has to retry a borrow, so a hot contention loop logs the
// call stack once per distinct call site rather than once per retry.
var memManagerContention = caller.Distinct_caller_t{Enabled: true}

// withMemManager retries k's MemManager borrow up to borrowRetries times
// on ManagerAlreadyBorrowed before giving up and returning that error to
// the caller, matching the allocator's own CacheExhausted retry shape.
func withMemManager(k *kcb.KCB, fn func(ka **mem.KernelAllocator) defs.KError) defs.KError {
	var kerr defs.KError
	for attempt := 0; attempt < borrowRetries; attempt++ {
		kerr = k.MemManager.TryGet(fn)
		if kerr.Kind != defs.KindManagerAlreadyBorrowed {
			return kerr
		}
		if distinct, trace := memManagerContention.Distinct(); distinct {
			defs.Logf("proc: MemManager borrow contention, retrying\n%s", trace)
		}
	}
	return kerr
}
