package job

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zen-systems/zenedge/heap"
)

func TestValidateAcceptsDAG(t *testing.T) {
	j := &Job{
		ID: 1,
		Steps: []Step{
			{ID: 0, Type: StepIO},
			{ID: 1, Type: StepCompute, Deps: []uint32{0}},
			{ID: 2, Type: StepControl, Deps: []uint32{1}},
		},
	}
	require.NoError(t, j.Validate())
}

func TestValidateRejectsCycle(t *testing.T) {
	j := &Job{
		ID: 1,
		Steps: []Step{
			{ID: 0, Type: StepCompute, Deps: []uint32{1}},
			{ID: 1, Type: StepCompute, Deps: []uint32{0}},
		},
	}
	require.ErrorIs(t, j.Validate(), ErrCycle)
}

func TestValidateRejectsOverCapacity(t *testing.T) {
	steps := make([]Step, MaxSteps+1)
	for i := range steps {
		steps[i] = Step{ID: uint32(i), Type: StepCompute}
	}
	j := &Job{ID: 1, Steps: steps}
	require.Error(t, j.Validate())
}

func TestComputeMemoryMetricsPeakIsMaxStep(t *testing.T) {
	j := &Job{
		ID: 1,
		Tensors: []Tensor{
			{ID: 0, DType: heap.DTypeF32, ElementCount: 1024, Pinned: true},  // 4 KiB
			{ID: 1, DType: heap.DTypeF32, ElementCount: 256},                // 1 KiB
			{ID: 2, DType: heap.DTypeF32, ElementCount: 256},                // 1 KiB
		},
		Steps: []Step{
			{ID: 0, Type: StepCompute, Inputs: []uint32{0}, Outputs: []uint32{1}},
			{ID: 1, Type: StepCompute, Deps: []uint32{0}, Inputs: []uint32{1}, Outputs: []uint32{2}},
		},
	}
	j.ComputeMemoryMetrics()

	require.Equal(t, uint32(6), j.TotalMemoryKB) // 4+1+1
	require.Equal(t, uint32(4), j.PinnedMemoryKB)
	require.Equal(t, uint32(5), j.PeakMemoryKB) // step 0: 4+1 = 5 KiB, step 1: 1+1 = 2 KiB
}

func TestAdmissionInputRequiresMetricsComputed(t *testing.T) {
	j := &Job{ID: 1}
	_, err := j.AdmissionInput()
	require.ErrorIs(t, err, ErrNotComputed)

	j.ComputeMemoryMetrics()
	in, err := j.AdmissionInput()
	require.NoError(t, err)
	require.Equal(t, j.ID, in.JobID)
}

func TestNextReadyStepPrefersLowestID(t *testing.T) {
	j := &Job{
		ID: 1,
		Steps: []Step{
			{ID: 5, Type: StepCompute},
			{ID: 2, Type: StepCompute},
			{ID: 8, Type: StepCompute},
		},
	}
	idx, ok := j.nextReadyStep()
	require.True(t, ok)
	require.Equal(t, uint32(2), j.Steps[idx].ID)
}

func TestNextReadyStepRespectsDeps(t *testing.T) {
	j := &Job{
		ID: 1,
		Steps: []Step{
			{ID: 0, Type: StepCompute},
			{ID: 1, Type: StepCompute, Deps: []uint32{0}},
		},
	}
	idx, ok := j.nextReadyStep()
	require.True(t, ok)
	require.Equal(t, uint32(0), j.Steps[idx].ID)
	require.False(t, j.Steps[1].Ready)

	j.Steps[0].Completed = true
	idx, ok = j.nextReadyStep()
	require.True(t, ok)
	require.Equal(t, uint32(1), j.Steps[idx].ID)
}

func TestNextReadyStepExhausted(t *testing.T) {
	j := &Job{ID: 1, Steps: []Step{{ID: 0, Type: StepCompute, Completed: true}}}
	_, ok := j.nextReadyStep()
	require.False(t, ok)
}
