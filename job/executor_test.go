package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zen-systems/zenedge/contract"
	"github.com/zen-systems/zenedge/flightrec"
	"github.com/zen-systems/zenedge/shm"
)

func newTestView(t *testing.T) *shm.View {
	t.Helper()
	region := make([]byte, shm.RegionSize)
	v, err := shm.NewView(region)
	require.NoError(t, err)
	v.Init()
	return v
}

func TestRunDeniesAdmissionOnMemory(t *testing.T) {
	v := newTestView(t)
	rec := flightrec.New(64)
	exec := NewExecutor(rec, v.CmdRing(), v.RspRing())

	c := &contract.Contract{JobID: 1, CPUBudgetUS: 1000, MemoryKB: 4}
	contract.Apply(c, nil, rec)

	j := &Job{
		ID: 1,
		Tensors: []Tensor{
			{ID: 0, DType: 0 /* f32 */, ElementCount: 4096, Pinned: true}, // 16 KiB pinned > 4 KiB budget
		},
		Steps: []Step{{ID: 0, Type: StepIO, Inputs: []uint32{0}}},
	}

	res, _, err := exec.Run(j, c)
	require.ErrorIs(t, err, ErrAdmissionDenied)
	require.Equal(t, contract.AdmitRejectMemory, res)
}

func TestRunSimulatedJobCompletesOnce(t *testing.T) {
	v := newTestView(t)
	rec := flightrec.New(64)
	exec := NewExecutor(rec, v.CmdRing(), v.RspRing())
	exec.Simulate = func(Step) time.Duration { return time.Millisecond }

	c := &contract.Contract{JobID: 1, CPUBudgetUS: 1_000_000, MemoryKB: 1024}
	contract.Apply(c, nil, rec)

	j := &Job{
		ID: 1,
		Steps: []Step{
			{ID: 0, Type: StepIO},
			{ID: 1, Type: StepControl, Deps: []uint32{0}},
		},
	}

	res, stats, err := exec.Run(j, c)
	require.NoError(t, err)
	require.Equal(t, contract.AdmitOK, res)
	require.Equal(t, 2, stats.StepsCompleted)
	require.Equal(t, 1, rec.Count(j.ID, flightrec.EvtJobComplete))
	require.True(t, j.Steps[0].Completed)
	require.True(t, j.Steps[1].Completed)
}

func TestRunOffloadTimesOutWithNoPeer(t *testing.T) {
	v := newTestView(t)
	rec := flightrec.New(64)
	exec := NewExecutor(rec, v.CmdRing(), v.RspRing())
	exec.PollTimeout = 20 * time.Millisecond
	exec.Backoff = NewAdaptiveBackoff(BackoffOption{SpinWindow: 2 * time.Millisecond, SleepInterval: time.Millisecond})

	c := &contract.Contract{JobID: 2, CPUBudgetUS: 1_000_000, MemoryKB: 1024}
	contract.Apply(c, nil, rec)

	j := &Job{
		ID:    2,
		Steps: []Step{{ID: 0, Type: StepCompute}},
	}

	_, _, err := exec.Run(j, c)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Count(j.ID, flightrec.EvtTimeout))
}

func TestRunOffloadGetsPeerResponse(t *testing.T) {
	v := newTestView(t)
	rec := flightrec.New(64)
	exec := NewExecutor(rec, v.CmdRing(), v.RspRing())
	exec.PollTimeout = 200 * time.Millisecond

	c := &contract.Contract{JobID: 3, CPUBudgetUS: 1_000_000, MemoryKB: 1024}
	contract.Apply(c, nil, rec)

	j := &Job{
		ID:    3,
		Steps: []Step{{ID: 0, Type: StepCompute}},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(200 * time.Millisecond)
		for time.Now().Before(deadline) {
			cmd, err := v.CmdRing().Poll()
			if err == nil {
				_ = v.RspRing().Send(shm.Response{Status: shm.RspOK, OrigCmd: cmd.Cmd})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res, stats, err := exec.Run(j, c)
	<-done
	require.NoError(t, err)
	require.Equal(t, contract.AdmitOK, res)
	require.Equal(t, 1, stats.StepsCompleted)
	require.Equal(t, 0, rec.Count(j.ID, flightrec.EvtTimeout))
}

func TestRunBudgetExceedLogsAtStep(t *testing.T) {
	v := newTestView(t)
	rec := flightrec.New(64)
	exec := NewExecutor(rec, v.CmdRing(), v.RspRing())

	slow := false
	exec.Simulate = func(Step) time.Duration {
		if slow {
			return 5 * time.Millisecond
		}
		return time.Microsecond
	}

	c := &contract.Contract{JobID: 4, CPUBudgetUS: 2000, MemoryKB: 1024}
	contract.Apply(c, nil, rec)

	j := &Job{
		ID: 4,
		Steps: []Step{
			{ID: 0, Type: StepIO},
			{ID: 1, Type: StepIO, Deps: []uint32{0}},
		},
	}
	slow = true

	_, _, err := exec.Run(j, c)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rec.Count(j.ID, flightrec.EvtBudgetExceed), 1)
}
