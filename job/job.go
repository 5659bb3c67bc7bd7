// Package job implements the job DAG and the executor (J) that ties the
// substrate, heap, contract, and flight recorder together: it admits a
// job against a contract, then runs ready steps to completion, simulating
// non-compute work and offloading compute work to the peer through S/H.
package job

import (
	"errors"

	"github.com/zen-systems/zenedge/contract"
	"github.com/zen-systems/zenedge/heap"
	"github.com/zen-systems/zenedge/pageframe"
)

// Fixed capacities from the job-DAG data model.
const (
	MaxSteps       = 32
	MaxTensors     = 64
	MaxStepDeps    = 4
	MaxStepInputs  = 4
	MaxStepOutputs = 2
)

// StepType is an alias of contract.StepType so job and contract agree on
// the step-class taxonomy without importing each other both ways.
type StepType = contract.StepType

const (
	StepCompute    = contract.StepCompute
	StepCollective = contract.StepCollective
	StepIO         = contract.StepIO
	StepControl    = contract.StepControl
)

// Step is a node in the job DAG.
type Step struct {
	ID      uint32
	Type    StepType
	Deps    []uint32
	Inputs  []uint32
	Outputs []uint32

	Ready     bool
	Completed bool
}

// Tensor is a DAG-attached tensor descriptor (not the heap's own tensor
// header — this is the DSL-level input the executor derives memory
// metrics from).
type Tensor struct {
	ID            uint32
	DType         heap.DType
	ElementCount  uint32
	Pinned        bool
	PreferredNode pageframe.Node
}

func tensorBytes(t Tensor) uint32 {
	var elemSize uint32
	switch t.DType {
	case heap.DTypeF32, heap.DTypeI32:
		elemSize = 4
	case heap.DTypeF16, heap.DTypeI16:
		elemSize = 2
	default:
		elemSize = 1
	}
	return t.ElementCount * elemSize
}

// Job is the DAG of steps and tensors with derived memory metrics.
type Job struct {
	ID      uint32
	Steps   []Step
	Tensors []Tensor

	// Derived metrics, valid only after ComputeMemoryMetrics.
	TotalMemoryKB  uint32
	PinnedMemoryKB uint32
	PeakMemoryKB   uint32

	metricsComputed bool
}

var (
	ErrCycle       = errors.New("job: DAG is not acyclic")
	ErrNotComputed = errors.New("job: memory metrics not computed")
)

// ComputeMemoryMetrics computes total, pinned, and peak-per-step memory
// once after all tensors and steps are wired, per spec.md §3. Peak is
// approximated as the maximum, over all steps, of the bytes referenced by
// that step's inputs+outputs (a step's live working set).
func (j *Job) ComputeMemoryMetrics() {
	byID := make(map[uint32]Tensor, len(j.Tensors))
	var totalBytes, pinnedBytes uint64
	for _, t := range j.Tensors {
		byID[t.ID] = t
		b := uint64(tensorBytes(t))
		totalBytes += b
		if t.Pinned {
			pinnedBytes += b
		}
	}

	var peakBytes uint64
	for _, s := range j.Steps {
		var stepBytes uint64
		for _, id := range s.Inputs {
			stepBytes += uint64(tensorBytes(byID[id]))
		}
		for _, id := range s.Outputs {
			stepBytes += uint64(tensorBytes(byID[id]))
		}
		if stepBytes > peakBytes {
			peakBytes = stepBytes
		}
	}

	j.TotalMemoryKB = uint32((totalBytes + 1023) / 1024)
	j.PinnedMemoryKB = uint32((pinnedBytes + 1023) / 1024)
	j.PeakMemoryKB = uint32((peakBytes + 1023) / 1024)
	j.metricsComputed = true
}

// Validate checks the DAG is acyclic and within the fixed capacities.
func (j *Job) Validate() error {
	if len(j.Steps) > MaxSteps || len(j.Tensors) > MaxTensors {
		return errors.New("job: capacity exceeded")
	}
	indeg := make(map[uint32]int, len(j.Steps))
	adj := make(map[uint32][]uint32, len(j.Steps))
	ids := make(map[uint32]bool, len(j.Steps))
	for _, s := range j.Steps {
		ids[s.ID] = true
		indeg[s.ID] = len(s.Deps)
	}
	for _, s := range j.Steps {
		for _, d := range s.Deps {
			adj[d] = append(adj[d], s.ID)
		}
	}
	var queue []uint32
	for id, deg := range indeg {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(j.Steps) {
		return ErrCycle
	}
	return nil
}

// AdmissionInput builds the contract.AdmissionInput view of this job,
// requiring ComputeMemoryMetrics to have run first.
func (j *Job) AdmissionInput() (contract.AdmissionInput, error) {
	if !j.metricsComputed {
		return contract.AdmissionInput{}, ErrNotComputed
	}
	steps := make([]StepType, len(j.Steps))
	for i, s := range j.Steps {
		steps[i] = s.Type
	}
	return contract.AdmissionInput{
		JobID:          j.ID,
		PeakMemoryKB:   j.PeakMemoryKB,
		PinnedMemoryKB: j.PinnedMemoryKB,
		Steps:          steps,
	}, nil
}

// readySteps returns the indices of not-yet-completed steps whose deps are
// all completed, refreshing each step's Ready flag as it goes.
func (j *Job) readySteps() []int {
	completed := make(map[uint32]bool, len(j.Steps))
	for _, s := range j.Steps {
		if s.Completed {
			completed[s.ID] = true
		}
	}
	var ready []int
	for i := range j.Steps {
		s := &j.Steps[i]
		if s.Completed {
			continue
		}
		allDepsDone := true
		for _, d := range s.Deps {
			if !completed[d] {
				allDepsDone = false
				break
			}
		}
		s.Ready = allDepsDone
		if allDepsDone {
			ready = append(ready, i)
		}
	}
	return ready
}

// nextReadyStep selects the ready step with the lowest id. Ties (equal
// ids) resolve to the one appearing earlier in the steps array, which
// falls out naturally from scanning in array order and using strict `<`.
func (j *Job) nextReadyStep() (int, bool) {
	ready := j.readySteps()
	if len(ready) == 0 {
		return 0, false
	}
	best := ready[0]
	for _, idx := range ready[1:] {
		if j.Steps[idx].ID < j.Steps[best].ID {
			best = idx
		}
	}
	return best, true
}
