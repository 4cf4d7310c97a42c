// Package clock abstracts time so timer-driven code (refresh scheduling,
// reconnection backoff) can be driven deterministically in tests.
//
// Production code takes a Clock and uses Real(); tests use Fake() and move
// time forward explicitly with Advance.
package clock

import "time"

// Clock is the subset of the time package used by the client core.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives the current time once d elapses.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine (Real) or inline during
	// Advance (Fake) once d elapses.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a handle for a pending AfterFunc callback.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the callback from firing. It reports whether the call
// stopped a pending timer; false means the timer already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
