// Package clockwork wraps facebookgo/clock so the rest of Flux never
// calls time.Now/time.Sleep/time.After directly. That keeps retry
// backoff, per-attempt timeouts, and the scheduler's tick loop
// deterministic under a mock clock in tests, the same way the teacher's
// test suite swaps a mock clock into timer-driven code.
package clockwork

import "github.com/facebookgo/clock"

// Clock is the subset of facebookgo/clock.Clock that Flux depends on.
type Clock = clock.Clock

// New returns the real, wall-clock Clock.
func New() Clock { return clock.New() }

// NewMock returns a Clock that only advances when Add is called.
func NewMock() *clock.Mock { return clock.NewMock() }
