// Package clock provides the monotonic time source used throughout the
// probing engine, so tests can substitute a fake instead of depending on
// wall-clock time.
package clock

import (
	cfclock "code.cloudfoundry.org/clock"
)

// Clock is the monotonic time source. The engine calls Now() at the top of
// every loop iteration, after every receive, and when sending, exactly as
// called for in the engine's scheduling design.
type Clock = cfclock.Clock

// New returns a Clock backed by the real system clock.
func New() Clock {
	return cfclock.NewClock()
}

// NewFake returns a Clock with a controllable, fixed starting time, for use
// in tests that need to assert on exact scheduling and backoff behavior.
var NewFake = cfclock.NewFakeClock
