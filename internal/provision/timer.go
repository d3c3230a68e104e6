package provision

import "time"

// Timer is a scoped one-shot timer handle.
type Timer interface {
	// Stop cancels the timer. It reports false if the timer already fired or was stopped.
	Stop() bool
}

// Clock arms one-shot timers. It exists so tests can fire deadlines by hand.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock arms timers with time.AfterFunc.
type SystemClock struct{}

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// scanTimer holds at most one armed deadline and the generation it was armed for.
type scanTimer struct {
	clock      Clock
	generation uint64
	handle     Timer
}

func (t *scanTimer) arm(gen uint64, after time.Duration, fire func(gen uint64)) {
	t.cancel()
	t.generation = gen
	t.handle = t.clock.AfterFunc(after, func() { fire(gen) })
}

// cancelGeneration stops the timer only if it is still the one armed for gen.
func (t *scanTimer) cancelGeneration(gen uint64) bool {
	if t.handle == nil || t.generation != gen {
		return false
	}
	return t.cancel()
}

func (t *scanTimer) cancel() bool {
	if t.handle == nil {
		return false
	}
	stopped := t.handle.Stop()
	t.handle = nil
	t.generation = 0
	return stopped
}
