package contract

import "github.com/zen-systems/zenedge/flightrec"

// StepType classifies a job-DAG step for the CPU-time admission estimate.
// Shared with the job package so both sides agree on the estimation table
// without a circular import between contract and job.
type StepType uint8

const (
	StepCompute StepType = iota
	StepCollective
	StepIO
	StepControl
)

// estimatedCPUUS is the per-step-type heuristic used for admission's CPU
// estimate: 1000µs compute, 3000µs collective, 2000µs io, 100µs control.
func estimatedCPUUS(t StepType) uint32 {
	switch t {
	case StepCompute:
		return 1000
	case StepCollective:
		return 3000
	case StepIO:
		return 2000
	case StepControl:
		return 100
	default:
		return 0
	}
}

// AdmissionInput is the minimal view of a job DAG admission needs: its
// declared memory metrics and the step-type histogram for the CPU
// estimate.
type AdmissionInput struct {
	JobID           uint32
	PeakMemoryKB    uint32
	PinnedMemoryKB  uint32
	Steps           []StepType
}

// AdmitResult is the closed set of admission outcomes. It mirrors the
// original source's full admit_result_t, so AdmitRejectCPU and
// AdmitRejectPriority exist for debug-string and wire-format parity even
// though AdmitJob below never returns them (CPU overrun is warn-only and
// nothing here checks priority).
type AdmitResult uint8

const (
	AdmitOK AdmitResult = iota
	AdmitRejectMemory
	AdmitRejectCPU
	AdmitRejectPriority
	AdmitRejectNoResources
)

// AdmitResultName mirrors the original admit_result_name debug helper.
func AdmitResultName(r AdmitResult) string {
	switch r {
	case AdmitOK:
		return "OK"
	case AdmitRejectMemory:
		return "REJECT_MEMORY"
	case AdmitRejectCPU:
		return "REJECT_CPU"
	case AdmitRejectPriority:
		return "REJECT_PRIORITY"
	case AdmitRejectNoResources:
		return "REJECT_NO_RESOURCES"
	default:
		return "UNKNOWN"
	}
}

// AdmitJob runs the three-check admission pipeline of spec.md §4.3 against
// a contract's declared budget. Results are deterministic and depend only
// on (c, in); the only side effects are (failure-free) trace logging.
func AdmitJob(c *Contract, in AdmissionInput, rec *flightrec.Recorder) AdmitResult {
	if in.PeakMemoryKB > c.MemoryKB || in.PinnedMemoryKB > c.MemoryKB {
		if rec != nil {
			rec.Log(flightrec.EvtJobReject, in.JobID, uint32(AdmitRejectMemory), in.PeakMemoryKB)
		}
		return AdmitRejectMemory
	}

	available := c.MemoryKB - c.MemUsedKB
	if in.PeakMemoryKB > available {
		if rec != nil {
			rec.Log(flightrec.EvtJobReject, in.JobID, uint32(AdmitRejectNoResources), available)
		}
		return AdmitRejectNoResources
	}

	var estimatedCPU uint32
	for _, s := range in.Steps {
		estimatedCPU += estimatedCPUUS(s)
	}
	if estimatedCPU > c.CPUBudgetUS {
		if rec != nil {
			rec.Log(flightrec.EvtContractBudgetWarn, in.JobID, 0, estimatedCPU)
		}
		// Warning only: admission proceeds.
	}

	if rec != nil {
		rec.Log(flightrec.EvtJobAdmit, in.JobID, in.PeakMemoryKB, estimatedCPU)
	}
	return AdmitOK
}

// registryCapacity bounds the fixed-size contract registry, indexed by
// job_id, the way the original source keeps a bounded array instead of a
// dynamically growing map.
const registryCapacity = 256

// Registry is a fixed-capacity contract registry indexed by job_id.
type Registry struct {
	entries [registryCapacity]*Contract
}

// Register installs c at a slot keyed by c.JobID % registryCapacity,
// linearly probing on collision. A full registry silently drops the
// registration (Lookup will then miss, matching the "missing id is a
// no-op" discipline used throughout S/H).
func (r *Registry) Register(c *Contract) {
	start := int(c.JobID) % registryCapacity
	for i := 0; i < registryCapacity; i++ {
		idx := (start + i) % registryCapacity
		if r.entries[idx] == nil || r.entries[idx].JobID == c.JobID {
			r.entries[idx] = c
			return
		}
	}
}

// Lookup returns the registered contract for jobID, or nil if none.
func (r *Registry) Lookup(jobID uint32) *Contract {
	start := int(jobID) % registryCapacity
	for i := 0; i < registryCapacity; i++ {
		idx := (start + i) % registryCapacity
		e := r.entries[idx]
		if e == nil {
			return nil
		}
		if e.JobID == jobID {
			return e
		}
	}
	return nil
}
