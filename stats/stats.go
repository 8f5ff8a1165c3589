// Package stats implements the kernel's statistics counters and exports
// them through a pprof profile for the System.get_stats() syscall.
package stats

import (
	"bytes"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
)

// Enabled gates counter increments so a disabled build pays no
// atomic-add cost.
var Enabled = true

// Counter_t is a statistical counter.
type Counter_t int64

// Cycles_t holds an accumulated duration in nanoseconds.
type Cycles_t int64

// Inc increments the counter by one when stats are enabled.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add adds n to the counter when stats are enabled.
func (c *Counter_t) Add(n int64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), n)
	}
}

// Get returns the current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Add adds the elapsed duration since start to the cycle counter.
func (c *Cycles_t) Add(start time.Time) {
	if Enabled {
		atomic.AddInt64((*int64)(c), int64(time.Since(start)))
	}
}

// Get returns the accumulated duration.
func (c *Cycles_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// AllocatorStats is the counter set held by AllocatorStatsGlobal and
// exported via Profile. Field names become pprof sample-type labels.
type AllocatorStats struct {
	ZoneAllocs    Counter_t
	TCacheAllocs  Counter_t
	MapBigAllocs  Counter_t
	Refills       Counter_t
	CacheMisses   Counter_t
	RetryExhausts Counter_t
	RefillCycles  Cycles_t
}

// AllocatorStatsGlobal is the process-wide allocator counter set consulted
// by System.get_stats(); the mem package's registry and caches increment it
// directly rather than threading a stats handle through every call.
var AllocatorStatsGlobal AllocatorStats

// Stats2String converts a struct of counters to a printable summary via
// reflection, so new counter fields need no matching formatting code.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		name := v.Type().Field(i).Name
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + name + ": " + strconv.FormatInt(int64(n), 10)
		case strings.HasSuffix(t, "Cycles_t"):
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}

// Profile builds a minimal pprof profile whose single sample carries one
// value per counter/cycle field of st, keyed by field name. This gives
// System.get_stats() a real, tool-consumable serialization instead of an
// ad-hoc byte layout.
func Profile(st interface{}) (*profile.Profile, error) {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	p := &profile.Profile{
		TimeNanos: time.Now().UnixNano(),
	}
	var values []int64
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		name := v.Type().Field(i).Name
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			p.SampleType = append(p.SampleType, &profile.ValueType{Type: name, Unit: "count"})
			values = append(values, int64(v.Field(i).Interface().(Counter_t)))
		case strings.HasSuffix(t, "Cycles_t"):
			p.SampleType = append(p.SampleType, &profile.ValueType{Type: name, Unit: "nanoseconds"})
			values = append(values, int64(v.Field(i).Interface().(Cycles_t)))
		}
	}
	if len(values) == 0 {
		return p, nil
	}
	fn := &profile.Function{ID: 1, Name: "kernel.stats"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn}}}
	p.Function = []*profile.Function{fn}
	p.Location = []*profile.Location{loc}
	p.Sample = []*profile.Sample{{Location: []*profile.Location{loc}, Value: values}}
	return p, nil
}

// EncodeProfile serializes st's counters as a gzip-compressed pprof proto.
// proc's get_stats dispatch calls it but returns none of the bytes to the
// caller.
func EncodeProfile(st interface{}) ([]byte, error) {
	p, err := Profile(st)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
