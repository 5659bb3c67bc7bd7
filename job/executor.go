package job

import (
	"errors"
	"time"

	"github.com/zen-systems/zenedge/contract"
	"github.com/zen-systems/zenedge/flightrec"
	"github.com/zen-systems/zenedge/shm"
)

// ErrAdmissionDenied is returned by Executor.Run when the job was not
// admitted against its contract.
var ErrAdmissionDenied = errors.New("job: admission denied")

// SimulateFunc returns how long a non-compute step should appear to take.
// The default is a small fixed duration; tests can inject their own for
// deterministic budget-boundary assertions.
type SimulateFunc func(Step) time.Duration

func defaultSimulate(Step) time.Duration { return time.Millisecond }

// Executor ties S/H/C/F together to run a job's steps to completion.
type Executor struct {
	Recorder *flightrec.Recorder
	CmdRing  shm.CmdRing
	RspRing  shm.RspRing
	Backoff  Backoff

	// PollTimeout bounds how long a compute step's response poll may
	// take; defaults to 5s per spec.md §6 poll_total_timeout_ms.
	PollTimeout time.Duration

	// PerStepWarnRatio is the fraction of a step's share of the
	// contract's CPU budget that triggers BUDGET_WARN; defaults to 0.8
	// per spec.md §6 per_step_warn_ratio.
	PerStepWarnRatio float64

	Simulate SimulateFunc
}

// DefaultPerStepWarnRatio is spec.md §6's per_step_warn_ratio default.
const DefaultPerStepWarnRatio = 0.8

// NewExecutor builds an Executor with spec.md §6 defaults where the
// caller leaves fields zero.
func NewExecutor(rec *flightrec.Recorder, cmd shm.CmdRing, rsp shm.RspRing) *Executor {
	return &Executor{
		Recorder:         rec,
		CmdRing:          cmd,
		RspRing:          rsp,
		Backoff:          NewAdaptiveBackoff(DefaultBackoffOption()),
		PollTimeout:      5 * time.Second,
		PerStepWarnRatio: DefaultPerStepWarnRatio,
		Simulate:         defaultSimulate,
	}
}

// Run admits j against c, then executes ready steps to completion,
// charging c and recording spans for every step. It returns
// ErrAdmissionDenied without running anything if admission fails.
func (e *Executor) Run(j *Job, c *contract.Contract) (contract.AdmitResult, flightrec.JobStats, error) {
	j.ComputeMemoryMetrics()
	in, err := j.AdmissionInput()
	if err != nil {
		return 0, flightrec.JobStats{}, err
	}
	result := contract.AdmitJob(c, in, e.Recorder)
	if result != contract.AdmitOK {
		return result, flightrec.JobStats{}, ErrAdmissionDenied
	}

	e.Recorder.Log(flightrec.EvtJobSubmit, j.ID, 0, 0)

	perStepBudget := c.CPUBudgetUS
	if len(j.Steps) > 0 {
		perStepBudget = c.CPUBudgetUS / uint32(len(j.Steps))
	}

	for {
		idx, ok := j.nextReadyStep()
		if !ok {
			break
		}
		step := &j.Steps[idx]

		durationUS := e.executeStep(j, step)

		contract.ChargeCPU(c, durationUS, e.Recorder)
		warnRatio := e.PerStepWarnRatio
		if warnRatio <= 0 {
			warnRatio = DefaultPerStepWarnRatio
		}
		if durationUS > perStepBudget {
			e.Recorder.Log(flightrec.EvtBudgetExceed, j.ID, step.ID, durationUS)
		} else if float64(durationUS) > float64(perStepBudget)*warnRatio {
			e.Recorder.Log(flightrec.EvtBudgetWarn, j.ID, step.ID, durationUS)
		}

		step.Completed = true
	}

	e.Recorder.Log(flightrec.EvtJobComplete, j.ID, 0, 0)
	return result, e.Recorder.JobStats(j.ID), nil
}

// executeStep opens a span, dispatches to simulate or offload, closes the
// span, and returns the measured wall-clock duration in microseconds —
// the figure charged against the contract's CPU budget and checked
// against the per-step budget.
func (e *Executor) executeStep(j *Job, step *Step) uint32 {
	handle := e.Recorder.BeginSpan(j.ID, step.ID)

	if step.Type == StepCompute {
		e.offload(j, step)
	} else {
		time.Sleep(e.Simulate(*step))
	}

	duration, _ := e.Recorder.EndSpan(handle)
	return duration
}

// offload sends CMD_RUN_MODEL via the command ring and polls the response
// ring with the executor's adaptive backoff, per spec.md §4.4. Timeouts
// are recorded but the step is still marked completed (scheduler-layer
// decision); the late response, if it ever arrives, is swallowed on a
// later poll.
func (e *Executor) offload(j *Job, step *Step) {
	payloadID := uint32(0)
	if len(step.Inputs) > 0 {
		payloadID = step.Inputs[0]
	}

	start := time.Now()
	_ = e.CmdRing.Send(shm.Command{
		Cmd:       shm.CmdRunModel,
		PayloadID: payloadID,
		Timestamp: uint64(start.UnixMicro()),
	})

	deadline := start.Add(e.PollTimeout)
	var resp shm.Response
	var gotResponse bool
	e.Backoff.Wait(func() bool {
		r, err := e.RspRing.Poll()
		if err != nil {
			return false
		}
		resp = r
		gotResponse = true
		return true
	}, deadline)

	if !gotResponse {
		e.Recorder.Log(flightrec.EvtTimeout, j.ID, step.ID, uint32(time.Since(start).Microseconds()))
		return
	}
	if resp.Status != shm.RspOK {
		e.Recorder.Log(flightrec.EvtContractViolation, j.ID, step.ID, uint32(resp.Status))
	}
}
