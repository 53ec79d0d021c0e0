// Package clock abstracts wall-clock time and deferred callbacks so the
// broker's delay/TTR/reserve-timeout logic can be driven by a fake clock
// in tests instead of real sleeps.
package clock

import "time"

// Timer is a cancellable, resettable single-shot callback, mirroring the
// subset of *time.Timer the broker actually needs.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Clock is the seam between the broker and real time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real returns a Clock backed by the standard library.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
