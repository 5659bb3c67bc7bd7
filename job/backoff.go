package job

import "time"

// Backoff is the pluggable adaptive-polling capability spec.md §9 calls
// for: a wait_for(ready_fn, deadline) contract, with a default
// implementation that spins briefly then degrades to coarse sleeping —
// the same "tight loop, then ticker" shape concurrency/gopool uses to
// degrade worker polling under its own aging ticker.
type Backoff interface {
	// Wait blocks until ready returns true or the deadline is reached,
	// returning whether ready ultimately returned true.
	Wait(ready func() bool, deadline time.Time) bool
}

// BackoffOption configures AdaptiveBackoff.
type BackoffOption struct {
	// SpinWindow is how long to pure-spin (checking ready on every
	// iteration) before degrading to cooperative sleeping.
	SpinWindow time.Duration
	// SleepInterval is the coarse cadence used once the spin window has
	// elapsed.
	SleepInterval time.Duration
}

// DefaultBackoffOption mirrors spec.md §6's poll_spin_window_µs (100 ms)
// default; sleep cadence is a reasonable coarse tick below it.
func DefaultBackoffOption() BackoffOption {
	return BackoffOption{
		SpinWindow:    100 * time.Millisecond,
		SleepInterval: 2 * time.Millisecond,
	}
}

// AdaptiveBackoff is the default Backoff: pure spin for SpinWindow, then
// cooperative sleep at SleepInterval cadence until the deadline.
type AdaptiveBackoff struct {
	Option BackoffOption
}

// NewAdaptiveBackoff builds an AdaptiveBackoff with the given option.
func NewAdaptiveBackoff(o BackoffOption) *AdaptiveBackoff {
	return &AdaptiveBackoff{Option: o}
}

func (b *AdaptiveBackoff) Wait(ready func() bool, deadline time.Time) bool {
	spinUntil := time.Now().Add(b.Option.SpinWindow)
	if spinUntil.After(deadline) {
		spinUntil = deadline
	}

	for time.Now().Before(spinUntil) {
		if ready() {
			return true
		}
	}
	if ready() {
		return true
	}

	interval := b.Option.SleepInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		now := <-ticker.C
		if ready() {
			return true
		}
		if !now.Before(deadline) {
			return ready()
		}
	}
}
