// Package telemetry tracks engine lifecycle counters and renders them as
// a pprof-compatible profile, grounded on biscuit/src/stats/stats.go and
// biscuit/src/accnt/accnt.go's pattern of atomically-updated counters
// exposed for operator inspection.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
)

// Kind enumerates the engine events this package counts.
type Kind int

const (
	Create Kind = iota
	Destroy
	Write
	Cow
	Clone
	FaultAttributed
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Destroy:
		return "destroy"
	case Write:
		return "write"
	case Cow:
		return "cow"
	case Clone:
		return "clone"
	case FaultAttributed:
		return "fault_attributed"
	default:
		return "unknown"
	}
}

// Counters holds one atomic counter per Kind. The zero value is ready to
// use.
type Counters struct {
	counts [numKinds]int64
}

// Count increments the counter for k.
func (c *Counters) Count(k Kind) {
	atomic.AddInt64(&c.counts[k], 1)
}

// Value returns the current count for k.
func (c *Counters) Value(k Kind) int64 {
	return atomic.LoadInt64(&c.counts[k])
}

// Profile renders the counters as a pprof profile.Profile with one
// location/function per Kind and a single sample carrying its count, so
// operators can load engine lifecycle activity (creates, COW copies,
// attributed faults, ...) into the standard pprof tool.
func (c *Counters) Profile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "events", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "events", Unit: "count"},
		Period:     1,
		TimeNanos:  time.Unix(0, 0).UnixNano(),
	}
	for k := Kind(0); k < numKinds; k++ {
		id := uint64(k) + 1
		fn := &profile.Function{ID: id, Name: "tps." + k.String(), SystemName: "tps." + k.String()}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn, Line: 1}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{c.Value(k)},
		})
	}
	return p
}

// Default is a process-wide counter set. The engine does not report into
// it: each engine.Engine counts into its own Counters.
var Default = &Counters{}
