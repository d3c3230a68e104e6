package testutils

import (
	"sync"
	"time"

	"github.com/srg/blprov/internal/provision"
)

// EventRecorder is a provision.EventSink that keeps every posted event.
type EventRecorder struct {
	mu     sync.Mutex
	events []provision.Event
	notify chan struct{}
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{notify: make(chan struct{}, 1)}
}

// Post records ev.
func (r *EventRecorder) Post(ev provision.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a snapshot of the recorded events.
func (r *EventRecorder) Events() []provision.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]provision.Event(nil), r.events...)
}

// WaitFor blocks until at least n events were recorded or timeout passes.
// It returns the snapshot at that moment.
func (r *EventRecorder) WaitFor(n int, timeout time.Duration) []provision.Event {
	deadline := time.After(timeout)
	for {
		if events := r.Events(); len(events) >= n {
			return events
		}
		select {
		case <-r.notify:
		case <-deadline:
			return r.Events()
		}
	}
}
