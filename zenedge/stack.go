package zenedge

import (
	"context"
	"errors"

	"github.com/zen-systems/zenedge/cache/mempool"
	"github.com/zen-systems/zenedge/contract"
	"github.com/zen-systems/zenedge/flightrec"
	"github.com/zen-systems/zenedge/heap"
	"github.com/zen-systems/zenedge/job"
	"github.com/zen-systems/zenedge/peer"
	"github.com/zen-systems/zenedge/shm"
)

// Stack is the fully wired core: a shared-memory region carved per
// shm's fixed layout, a heap over its heap sub-region, a flight
// recorder, a contract registry, and a job executor built from all of
// the above. A caller builds one Stack per simulated device.
type Stack struct {
	Config *Config

	region []byte
	View   *shm.View
	Heap   *heap.Heap
	Rec    *flightrec.Recorder
	Reg    *contract.Registry
	Exec   *job.Executor
}

// NewStack allocates a fresh 1 MiB region from the shared memory pool
// and wires every layer on top of it per cfg. A nil cfg uses
// DefaultConfig. Call Close to return the region to the pool.
func NewStack(cfg *Config) (*Stack, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	region := mempool.Malloc(shm.RegionSize)
	view, err := shm.NewView(region)
	if err != nil {
		return nil, err
	}
	view.Init()

	h := heap.New(view.HeapCtl(), view.HeapData())
	h.Init()

	rec := flightrec.New(cfg.TraceBufferSize)
	reg := &contract.Registry{}

	exec := job.NewExecutor(rec, view.CmdRing(), view.RspRing())
	exec.PollTimeout = cfg.PollTotalTimeout
	exec.PerStepWarnRatio = cfg.PerStepWarnRatio
	exec.Backoff = job.NewAdaptiveBackoff(job.BackoffOption{
		SpinWindow:    cfg.PollSpinWindow,
		SleepInterval: job.DefaultBackoffOption().SleepInterval,
	})

	return &Stack{
		Config: cfg,
		region: region,
		View:   view,
		Heap:   h,
		Rec:    rec,
		Reg:    reg,
		Exec:   exec,
	}, nil
}

// ErrNoSuchContract is returned by RunJob when the job names a contract
// id that was never applied against this stack's registry.
var ErrNoSuchContract = errors.New("zenedge: no contract registered for job")

// ApplyContract zeroes c's runtime counters and registers it against
// this stack, matching contract.Apply.
func (s *Stack) ApplyContract(c *contract.Contract) {
	contract.Apply(c, s.Reg, s.Rec)
}

// RunJob looks up j's registered contract and runs it to completion via
// the wired executor.
func (s *Stack) RunJob(j *job.Job) (contract.AdmitResult, flightrec.JobStats, error) {
	c := s.Reg.Lookup(j.ID)
	if c == nil {
		return 0, flightrec.JobStats{}, ErrNoSuchContract
	}
	return s.Exec.Run(j, c)
}

// Close returns the stack's shared-memory region to the pool. The
// stack must not be used after Close.
func (s *Stack) Close() {
	mempool.Free(s.region)
}

// StartPeer spawns a simulated companion peer over this stack's rings,
// answering every command it polls until ctx is cancelled. It returns
// the Peer, whose Run goroutine is already started when StartPeer
// returns.
func (s *Stack) StartPeer(ctx context.Context) *peer.Peer {
	p := peer.New(s.View.CmdRing(), s.View.RspRing())
	go p.Run(ctx)
	return p
}
