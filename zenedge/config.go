// Package zenedge wires the substrate, heap, contract, flight-recorder,
// and job-executor layers together behind a single Config, the way
// concurrency/gopool centralizes its knobs in one Option struct instead
// of scattering constants across call sites.
package zenedge

import "time"

// Config collects every tunable default spread across the S/H/F/C/J
// layers so a caller building a full stack has one place to look.
type Config struct {
	// TraceBufferSize is the flight recorder's trace ring capacity; must
	// be a power of two. Default 256.
	TraceBufferSize int

	// PollSpinWindow bounds how long the executor's adaptive backoff
	// busy-polls the response ring before degrading to ticking.
	PollSpinWindow time.Duration

	// PollTotalTimeout bounds how long a single offloaded step may wait
	// for a response before it is recorded as a timeout.
	PollTotalTimeout time.Duration

	// PerStepWarnRatio is the fraction of a step's share of the contract's
	// CPU budget that triggers BUDGET_WARN instead of BUDGET_EXCEED;
	// spec.md's admission/budget model uses 0.8.
	PerStepWarnRatio float64

	// HeapBlockSize is the shared heap's bitmap allocation granule, in
	// bytes. Fixed at 64 by the wire layout; present here only so
	// callers constructing a heap.Heap don't have to reach into the
	// heap package for the constant.
	HeapBlockSize int

	// CmdRingCapacity is the number of packet slots in each ring. Fixed
	// at 1024 by the wire layout; present for the same reason as
	// HeapBlockSize.
	CmdRingCapacity int
}

// DefaultConfig mirrors concurrency/gopool.DefaultOption: every field set
// to the value spec.md calls out as the system default.
func DefaultConfig() *Config {
	return &Config{
		TraceBufferSize:  256,
		PollSpinWindow:   100 * time.Millisecond,
		PollTotalTimeout: 5 * time.Second,
		PerStepWarnRatio: 0.8,
		HeapBlockSize:    64,
		CmdRingCapacity:  1024,
	}
}
