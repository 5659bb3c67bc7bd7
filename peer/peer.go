// Package peer implements a simulated companion-OS peer: the consumer
// side of the command ring and the producer side of the response ring.
// The poll loop stays hot draining commands while each command's
// handling — including the simulated compute delay for CMD_RUN_MODEL —
// runs on concurrency/gopool's worker pool, so one slow step never
// blocks the next command from being picked up. It exists for tests and
// local examples; a real deployment's peer lives on the other side of
// the trust boundary entirely.
package peer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/zen-systems/zenedge/concurrency/gopool"
	"github.com/zen-systems/zenedge/shm"
)

// HandlerFunc answers a decoded Command with the Response to publish.
type HandlerFunc func(shm.Command) shm.Response

// defaultHandler answers every command OK — a peer that always
// succeeds, useful as the zero-value behavior for tests that only care
// about round-trip plumbing.
func defaultHandler(c shm.Command) shm.Response {
	return shm.Response{Status: shm.RspOK, OrigCmd: c.Cmd}
}

// PollOption configures Peer's idle-poll cadence, mirroring
// job.BackoffOption's spin-then-sleep shape but simpler: a peer has no
// deadline of its own, it just needs to not burn a whole core while
// idle.
type PollOption struct {
	// SpinWindow is how long to busy-poll before degrading to a ticker.
	SpinWindow time.Duration
	// TickInterval is the cadence once degraded.
	TickInterval time.Duration
}

// DefaultPollOption returns a modest 50 ms spin window, half the
// executor's own default poll_spin_window_µs (100 ms).
func DefaultPollOption() PollOption {
	return PollOption{
		SpinWindow:   50 * time.Millisecond,
		TickInterval: time.Millisecond,
	}
}

// Peer is the simulated companion side of the shared-memory substrate.
// A caller wires it to the same ring pair the executor uses, then calls
// Run in a goroutine; it exits when ctx is cancelled. RspRing.Send rings
// the response doorbell itself (shm's producer protocol, step ⑥), so
// Peer has no separate doorbell handle to manage.
type Peer struct {
	CmdRing shm.CmdRing
	RspRing shm.RspRing

	// Handlers maps a command id to its response builder. Unknown
	// commands fall through to defaultHandler.
	Handlers map[uint16]HandlerFunc

	// Poll configures the idle-poll degrade cadence.
	Poll PollOption

	// PanicHandler receives recovered panics from command handling; the
	// zero value logs via log.Printf and keeps the pool alive.
	PanicHandler func(r interface{})

	// SimulateCompute, if set, is invoked for CmdRunModel before the
	// response is sent, standing in for the companion actually running a
	// model. Tests override it to control timing deterministically.
	SimulateCompute func(shm.Command) time.Duration

	pool   *gopool.GoPool
	sendMu sync.Mutex
}

// New builds a Peer with the default poll option and an always-OK
// handler for every command, dispatching command handling on a small
// dedicated worker pool.
func New(cmd shm.CmdRing, rsp shm.RspRing) *Peer {
	p := &Peer{
		CmdRing:         cmd,
		RspRing:         rsp,
		Handlers:        map[uint16]HandlerFunc{},
		Poll:            DefaultPollOption(),
		SimulateCompute: func(shm.Command) time.Duration { return time.Millisecond },
	}
	p.pool = gopool.NewGoPool("zenedge-peer", nil)
	p.pool.SetPanicHandler(func(ctx context.Context, r interface{}) {
		if p.PanicHandler != nil {
			p.PanicHandler(r)
		} else {
			log.Printf("peer: recovered panic handling command: %v", r)
		}
	})
	return p
}

// build computes the response for a command, applying the simulated
// compute delay for CMD_RUN_MODEL before dispatching to its handler.
func (p *Peer) build(cmd shm.Command) shm.Response {
	if cmd.Cmd == shm.CmdRunModel && p.SimulateCompute != nil {
		time.Sleep(p.SimulateCompute(cmd))
	}
	if h, ok := p.Handlers[cmd.Cmd]; ok {
		return h(cmd)
	}
	return defaultHandler(cmd)
}

// send publishes resp on the response ring, retrying on RING_FULL until
// ctx is cancelled. The mutex serializes the pool's worker goroutines,
// which would otherwise race on the ring's single-producer head index.
// Send itself rings the response doorbell with the new head once
// published; there is nothing left for the caller to do afterwards.
func (p *Peer) send(ctx context.Context, resp shm.Response, ticker *time.Ticker) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	for {
		if err := p.RspRing.Send(resp); err != shm.ErrRingFull {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run polls the command ring until ctx is cancelled, dispatching each
// command's handling to the worker pool so a slow simulated step never
// stalls the next poll. It spins tightly for Poll.SpinWindow after each
// command (low latency under load) then degrades to ticking at
// Poll.TickInterval while the ring stays empty.
func (p *Peer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tickInterval())
	defer ticker.Stop()

	spinUntil := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cmd, err := p.CmdRing.Poll()
		if err != nil {
			if time.Now().After(spinUntil) {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
			continue
		}

		p.pool.CtxGo(ctx, func() {
			resp := p.build(cmd)
			p.send(ctx, resp, ticker)
		})
		spinUntil = time.Now().Add(p.Poll.SpinWindow)
	}
}

func (p *Peer) tickInterval() time.Duration {
	if p.Poll.TickInterval <= 0 {
		return time.Millisecond
	}
	return p.Poll.TickInterval
}
