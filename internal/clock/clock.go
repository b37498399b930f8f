// Package clock provides an injectable monotonic millisecond time source for
// the usage-limit engine. Production code uses the real monotonic clock; tests
// inject a fake one so timer-driven behavior can be exercised without
// sleeping.
package clock

import "time"

// Clock is the time source the engine uses for all accounting and timer
// scheduling. Implementations must be monotonic: two calls to Now must never
// observe time going backwards.
type Clock interface {
	// Now returns the current time in milliseconds on the clock's timeline.
	Now() int64
}

// Real is a Clock backed by the monotonic reading of the standard library's
// runtime clock.
type Real struct{}

// New returns a Clock backed by the real system monotonic clock.
func New() Clock {
	return Real{}
}

// Now returns the whole milliseconds elapsed since process start, using the
// monotonic reading time.Now carries internally.
func (Real) Now() int64 {
	return nowMono()
}

var startInstant = time.Now()

// nowMono reports elapsed milliseconds since process start. This avoids
// exposing wall-clock values (which can jump on NTP correction) while still
// behaving like a monotonically increasing millisecond counter, the same
// contract SystemClock.uptimeMillis gives the original implementation this
// engine is modeled on.
func nowMono() int64 {
	return time.Since(startInstant).Milliseconds()
}
