// Package clock abstracts time so wait_for's timeout boundary can be
// tested without a real sleep.
package clock

import "time"

// Clock is the minimal surface Tracker.WaitFor needs.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the parts of time.Timer callers need.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real is the production Clock, backed by the standard library.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time { return r.t.C }
func (r *realTimer) Stop() bool          { return r.t.Stop() }
