// Package clock abstracts timers so heartbeat, negotiation and reconnect
// deadlines can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used by the event loop and everything scheduled
// on it. Production code uses Real; tests use Fake.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The real clock calls f on its
	// own goroutine; the fake clock calls it synchronously from Advance.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer cancels a pending AfterFunc call.
type Timer interface {
	// Stop reports whether the call was prevented.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
