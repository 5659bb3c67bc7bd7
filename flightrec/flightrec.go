// Package flightrec implements the flight recorder and its integrity
// chain (F): a fixed-size ring of trace events, a small span table for
// measuring step durations, and the IFR v3 episode record with its
// SHA-256 hash chain. The trace ring has a single producer (the core);
// readers see a consistent prefix but may tear on the most recent record,
// which is acceptable for diagnostics.
package flightrec

import (
	"sync/atomic"
	"time"

	"github.com/zen-systems/zenedge/container/ring"
)

// EventType is the closed set of trace event tags.
type EventType uint8

const (
	EvtJobSubmit EventType = iota
	EvtJobComplete
	EvtJobAdmit
	EvtJobReject
	EvtStepBegin
	EvtStepEnd
	EvtBudgetWarn
	EvtBudgetExceed
	EvtContractApply
	EvtContractStateChange
	EvtContractSafeMode
	EvtContractViolation
	EvtContractBudgetWarn
	EvtContractBudgetExceed
	EvtMemAlloc
	EvtMemAllocFail
	EvtMemFree
	EvtMemContractExceed
	EvtTimeout
	EvtSpanTableExhausted
)

// Event is the 32-byte fixed trace record.
type Event struct {
	TSMicro  uint64
	TSCycles uint64
	Type     EventType
	Flags    uint8
	CPUID    uint8
	_pad     uint8
	JobID    uint32
	StepID   uint32
	Extra    uint32
}

// DefaultTraceBufferSize is the default power-of-two trace ring capacity.
const DefaultTraceBufferSize = 256

// spanTableCapacity is the number of concurrently open begin/end spans.
const spanTableCapacity = 16

// InvalidSpan is returned by BeginSpan when the span table is exhausted.
// EndSpan silently ignores it.
const InvalidSpan = -1

type spanSlot struct {
	active     bool
	startMicro uint64
	startCyc   uint64
	jobID      uint32
	stepID     uint32
}

// Recorder is the flight recorder: a producer-only trace ring plus the
// begin/end span table built on top of it.
type Recorder struct {
	ring *ring.Ring[Event]
	cap  uint64
	head uint64 // monotonically increasing; index = head % cap

	spans [spanTableCapacity]spanSlot

	cycleCounter func() uint64 // overridable for deterministic tests
}

// New builds a Recorder with a power-of-two capacity (rounding down is the
// caller's responsibility; capacity must already be a power of two).
func New(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultTraceBufferSize
	}
	items := make([]Event, capacity)
	return &Recorder{
		ring:         ring.NewFromSlice(items),
		cap:          uint64(capacity),
		cycleCounter: func() uint64 { return uint64(time.Now().UnixNano()) },
	}
}

func (r *Recorder) nowMicro() uint64 { return uint64(time.Now().UnixNano() / 1000) }

// Log fills the next slot (overwriting the oldest) and advances head.
func (r *Recorder) Log(typ EventType, jobID, stepID, extra uint32) {
	idx := atomic.AddUint64(&r.head, 1) - 1
	item, _ := r.ring.Get(int(idx % r.cap))
	*item.Pointer() = Event{
		TSMicro:  r.nowMicro(),
		TSCycles: r.cycleCounter(),
		Type:     typ,
		JobID:    jobID,
		StepID:   stepID,
		Extra:    extra,
	}
}

// SpanHandle identifies an open begin/end span pair.
type SpanHandle int

// BeginSpan reserves a free slot in the span table and records the start
// time. Exhaustion logs EvtSpanTableExhausted and returns InvalidSpan,
// which EndSpan quietly ignores.
func (r *Recorder) BeginSpan(jobID, stepID uint32) SpanHandle {
	for i := range r.spans {
		if !r.spans[i].active {
			r.spans[i] = spanSlot{
				active:     true,
				startMicro: r.nowMicro(),
				startCyc:   r.cycleCounter(),
				jobID:      jobID,
				stepID:     stepID,
			}
			r.Log(EvtStepBegin, jobID, stepID, 0)
			return SpanHandle(i)
		}
	}
	r.Log(EvtSpanTableExhausted, jobID, stepID, 0)
	return InvalidSpan
}

// EndSpan closes a span opened by BeginSpan, logging a STEP_END event
// whose Extra field carries the elapsed duration in microseconds. It
// returns that duration and whether the handle was valid (an invalid
// handle is quietly ignored and reports ok=false).
func (r *Recorder) EndSpan(h SpanHandle) (durationUS uint32, ok bool) {
	if h == InvalidSpan || int(h) >= spanTableCapacity || !r.spans[h].active {
		return 0, false
	}
	s := r.spans[h]
	r.spans[h] = spanSlot{}
	elapsed := r.nowMicro() - s.startMicro
	r.Log(EvtStepEnd, s.jobID, s.stepID, uint32(elapsed))
	return uint32(elapsed), true
}

// LastDuration scans the trace ring backwards for the most recent
// STEP_END event matching (jobID, stepID) and returns its Extra (µs) and
// whether a match was found.
func (r *Recorder) LastDuration(jobID, stepID uint32) (uint32, bool) {
	head := atomic.LoadUint64(&r.head)
	limit := r.cap
	if head < limit {
		limit = head
	}
	for i := uint64(0); i < limit; i++ {
		idx := (head - 1 - i) % r.cap
		item, _ := r.ring.Get(int(idx))
		ev := item.Value()
		if ev.Type == EvtStepEnd && ev.JobID == jobID && ev.StepID == stepID {
			return ev.Extra, true
		}
	}
	return 0, false
}

// JobStats is the aggregate view job_stats computes by walking the ring.
type JobStats struct {
	StepsCompleted int
	TotalCPUMicro  uint64
	Violations     int
	WallMicro      uint64
}

// JobStats walks the ring and accumulates steps_completed, total_cpu_µs,
// violations, and wall_µs (max-min timestamp among matching events).
func (r *Recorder) JobStats(jobID uint32) JobStats {
	head := atomic.LoadUint64(&r.head)
	limit := r.cap
	if head < limit {
		limit = head
	}
	var stats JobStats
	var minTS, maxTS uint64
	first := true
	for i := uint64(0); i < limit; i++ {
		idx := (head - limit + i) % r.cap
		item, _ := r.ring.Get(int(idx))
		ev := item.Value()
		if ev.JobID != jobID {
			continue
		}
		switch ev.Type {
		case EvtStepEnd:
			stats.StepsCompleted++
			stats.TotalCPUMicro += uint64(ev.Extra)
		case EvtContractViolation, EvtBudgetExceed, EvtContractBudgetExceed:
			stats.Violations++
		}
		if first {
			minTS, maxTS = ev.TSMicro, ev.TSMicro
			first = false
		} else {
			if ev.TSMicro < minTS {
				minTS = ev.TSMicro
			}
			if ev.TSMicro > maxTS {
				maxTS = ev.TSMicro
			}
		}
	}
	if !first {
		stats.WallMicro = maxTS - minTS
	}
	return stats
}

// Count returns the number of events of a given type recorded for jobID,
// e.g. used to assert exactly one JOB_COMPLETE per job.
func (r *Recorder) Count(jobID uint32, typ EventType) int {
	head := atomic.LoadUint64(&r.head)
	limit := r.cap
	if head < limit {
		limit = head
	}
	n := 0
	for i := uint64(0); i < limit; i++ {
		idx := (head - limit + i) % r.cap
		item, _ := r.ring.Get(int(idx))
		ev := item.Value()
		if ev.JobID == jobID && ev.Type == typ {
			n++
		}
	}
	return n
}
