package testutils

import (
	"sync"
	"time"

	"github.com/srg/blprov/internal/provision"
)

// ManualClock is a provision.Clock whose timers fire only when the test says so.
type ManualClock struct {
	mu     sync.Mutex
	timers []*ManualTimer
}

var _ provision.Clock = (*ManualClock)(nil)

// ManualTimer is a timer armed on a ManualClock.
type ManualTimer struct {
	After time.Duration

	mu      sync.Mutex
	fn      func()
	stopped bool
	fired   bool
}

// NewManualClock creates a clock with no armed timers.
func NewManualClock() *ManualClock {
	return &ManualClock{}
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) provision.Timer {
	t := &ManualTimer{After: d, fn: f}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

// Timers returns every timer armed so far, in arming order.
func (c *ManualClock) Timers() []*ManualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ManualTimer(nil), c.timers...)
}

// Pending returns timers that were neither stopped nor fired.
func (c *ManualClock) Pending() []*ManualTimer {
	var out []*ManualTimer
	for _, t := range c.Timers() {
		if t.Active() {
			out = append(out, t)
		}
	}
	return out
}

// Stop implements provision.Timer.
func (t *ManualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Active reports whether the timer can still fire.
func (t *ManualTimer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

// Stopped reports whether Stop cancelled the timer.
func (t *ManualTimer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Fire runs the callback as if the deadline expired. A stopped timer does nothing
// unless force is set, which simulates a fire racing with Stop.
func (t *ManualTimer) Fire(force bool) {
	t.mu.Lock()
	if (t.stopped && !force) || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
}
