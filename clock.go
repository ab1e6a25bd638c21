package http2

import "time"

// Clock abstracts wall-clock time for the two timers Session.Run needs: the
// keepalive PING ticker (sendHealthCheckPing) and RoundTrip's per-request
// response deadline. Tests substitute a fake Clock so PING pacing and
// timeout behavior can be driven deterministically instead of racing real
// wall-clock durations.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of *time.Timer's behavior Session relies on: a
// readable fire channel plus Stop/Reset, satisfied by realTimer in
// production and by a fake in tests.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// realClock is the production Clock, a thin pass-through to the time
// package.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return &realTimer{t: time.AfterFunc(d, fn)}
}

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

// realTimer wraps *time.Timer to satisfy Timer.
type realTimer struct {
	t *time.Timer
}

func (rt *realTimer) C() <-chan time.Time     { return rt.t.C }
func (rt *realTimer) Stop() bool              { return rt.t.Stop() }
func (rt *realTimer) Reset(d time.Duration) bool { return rt.t.Reset(d) }
