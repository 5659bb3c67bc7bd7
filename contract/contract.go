// Package contract implements the contract engine and admission control
// (C): per-job CPU/memory budgets, a monotone-severity state machine, and
// pre-flight admission of a job's declared resource metrics against a
// contract's budget.
package contract

import (
	"github.com/zen-systems/zenedge/flightrec"
	"github.com/zen-systems/zenedge/pageframe"
)

// Priority is the contract's scheduling priority class.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityRealtime
)

// State is the contract's enforcement state. Severity is monotonic:
// OK < WARNED < SAFE_MODE, and SAFE_MODE is absorbing.
type State uint8

const (
	StateOK State = iota
	StateWarned
	StateSafeMode
)

// StateName mirrors the original contract_state_name debug helper.
func StateName(s State) string {
	switch s {
	case StateOK:
		return "OK"
	case StateWarned:
		return "WARNED"
	case StateSafeMode:
		return "SAFE_MODE"
	default:
		return "UNKNOWN"
	}
}

// pageKB is PAGE_SIZE/1024: a 4 KiB frame's cost in the memory budget.
const pageKB = pageframe.FrameSize / 1024

// Contract is the per-job resource budget plus runtime accounting.
type Contract struct {
	JobID         uint32
	CPUBudgetUS   uint32
	MemoryKB      uint32
	AccelSlots    uint32
	Priority      Priority
	PreferredNode pageframe.Node
	TierHint      uint8

	CPUUsedUS     uint32
	MemUsedKB     uint32
	CPUViolations uint32
	MemViolations uint32
	State         State
}

// Apply zeroes the runtime counters, picks a preferred node from
// priority (realtime -> LOCAL, else REMOTE), registers the contract, and
// logs CONTRACT_APPLY.
func Apply(c *Contract, reg *Registry, rec *flightrec.Recorder) {
	c.CPUUsedUS = 0
	c.MemUsedKB = 0
	c.CPUViolations = 0
	c.MemViolations = 0
	c.State = StateOK

	if c.Priority == PriorityRealtime {
		c.PreferredNode = pageframe.NodeLocal
	} else {
		c.PreferredNode = pageframe.NodeRemote
	}

	if reg != nil {
		reg.Register(c)
	}
	if rec != nil {
		rec.Log(flightrec.EvtContractApply, c.JobID, 0, c.CPUBudgetUS)
	}
}

// SetState transitions the contract's state, logging the transition and,
// when entering SAFE_MODE, an additional safe-mode event. A no-op
// transition to the current state does nothing.
func SetState(c *Contract, newState State, rec *flightrec.Recorder) {
	if c.State == newState {
		return
	}
	old := c.State
	c.State = newState
	if rec != nil {
		rec.Log(flightrec.EvtContractStateChange, c.JobID, uint32(old), uint32(newState))
		if newState == StateSafeMode {
			rec.Log(flightrec.EvtContractSafeMode, c.JobID, 0, c.CPUViolations+c.MemViolations)
		}
	}
}

// ChargeCPU increments cpu_used_µs; if it crosses the budget it counts a
// violation, logs BUDGET_EXCEED, and advances the state machine. Returns
// true iff this charge was a violation.
func ChargeCPU(c *Contract, usec uint32, rec *flightrec.Recorder) bool {
	c.CPUUsedUS += usec
	if c.CPUUsedUS <= c.CPUBudgetUS {
		return false
	}
	c.CPUViolations++
	if rec != nil {
		rec.Log(flightrec.EvtContractBudgetExceed, c.JobID, 0, c.CPUUsedUS)
	}
	switch c.State {
	case StateOK:
		SetState(c, StateWarned, rec)
	case StateWarned:
		if c.CPUViolations >= 3 {
			SetState(c, StateSafeMode, rec)
		}
	}
	return true
}

// ChargeMemory mirrors ChargeCPU for the memory budget (escalates to
// SAFE_MODE at >=2 violations instead of >=3).
func ChargeMemory(c *Contract, kb uint32, rec *flightrec.Recorder) bool {
	c.MemUsedKB += kb
	if c.MemUsedKB <= c.MemoryKB {
		return false
	}
	c.MemViolations++
	if rec != nil {
		rec.Log(flightrec.EvtMemContractExceed, c.JobID, 0, c.MemUsedKB)
	}
	switch c.State {
	case StateOK:
		SetState(c, StateWarned, rec)
	case StateWarned:
		if c.MemViolations >= 2 {
			SetState(c, StateSafeMode, rec)
		}
	}
	return true
}

// CanContinue reports whether the contract still permits execution;
// SAFE_MODE is the only state that blocks it.
func CanContinue(c *Contract) bool {
	return c.State != StateSafeMode
}

// AllocPage asks the page-frame allocator for a frame, pre-checking
// SAFE_MODE and the memory budget before committing the charge.
func AllocPage(c *Contract, alloc pageframe.Allocator, rec *flightrec.Recorder) (pageframe.Frame, bool) {
	if c.State == StateSafeMode {
		if rec != nil {
			rec.Log(flightrec.EvtMemAllocFail, c.JobID, 0, 0)
		}
		return pageframe.Frame{}, false
	}

	if c.MemUsedKB+pageKB > c.MemoryKB {
		c.MemViolations++
		if rec != nil {
			rec.Log(flightrec.EvtMemContractExceed, c.JobID, 0, c.MemUsedKB+pageKB)
		}
		switch c.State {
		case StateOK:
			SetState(c, StateWarned, rec)
		case StateWarned:
			if c.MemViolations >= 2 {
				SetState(c, StateSafeMode, rec)
			}
		}
		return pageframe.Frame{}, false
	}

	frame, err := alloc.Alloc(c.PreferredNode)
	if err != nil {
		return pageframe.Frame{}, false
	}
	c.MemUsedKB += pageKB
	if rec != nil {
		rec.Log(flightrec.EvtMemAlloc, c.JobID, uint32(frame.Node), 1)
	}
	return frame, true
}

// FreePage credits the frame's memory back to the contract and returns it
// to the allocator.
func FreePage(c *Contract, alloc pageframe.Allocator, f pageframe.Frame, rec *flightrec.Recorder) {
	if !f.Valid() {
		return
	}
	alloc.Free(f)
	if c.MemUsedKB >= pageKB {
		c.MemUsedKB -= pageKB
	}
	if rec != nil {
		rec.Log(flightrec.EvtMemFree, c.JobID, uint32(f.Node), 1)
	}
}

// Verdict is the oracle-facing mapping from contract state to an external
// policy decision, grounded on the original source's contract_registry /
// oracle split: the core only classifies; an external consumer decides
// what to do with PASS/THROTTLE/KILL.
type Verdict uint8

const (
	VerdictPass Verdict = iota
	VerdictThrottle
	VerdictKill
)

// VerdictForState maps a contract state to its oracle verdict.
func VerdictForState(s State) Verdict {
	switch s {
	case StateOK:
		return VerdictPass
	case StateWarned:
		return VerdictThrottle
	case StateSafeMode:
		return VerdictKill
	default:
		return VerdictKill
	}
}
