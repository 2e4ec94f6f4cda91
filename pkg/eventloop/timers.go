package eventloop

import (
	"time"

	"github.com/mstuehn/dinit/pkg/service"
)

// TimerSource implements service.Clock over the runtime timer heap. Expiry
// callbacks are posted into the loop, so they run in the same serial context
// as every other service event.
type TimerSource struct {
	loop *Loop
}

// NewTimerSource creates a TimerSource delivering expiries via loop.
func NewTimerSource(loop *Loop) *TimerSource {
	return &TimerSource{loop: loop}
}

// Now returns the current time.
func (ts *TimerSource) Now() time.Time {
	return time.Now()
}

// Arm schedules fire after d, delivered on the loop.
func (ts *TimerSource) Arm(d time.Duration, fire func()) service.Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		ts.loop.Post(fire)
	})
	return t
}

type loopTimer struct {
	timer *time.Timer
}

// Disarm stops the timer. A timer whose expiry is already posted still
// fires; holders guard against stale expiry with their own bookkeeping.
func (t *loopTimer) Disarm() bool {
	return t.timer.Stop()
}
