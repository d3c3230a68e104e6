package testutils

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/srg/blprov/internal/provision"
)

// Responder scripts radio behaviour: it is called for every recorded command and may post
// events back through sink.
type Responder func(cmd provision.Command, sink provision.EventSink)

// RecordingRadio is a provision.Radio that records each call as the matching command value.
type RecordingRadio struct {
	mu        sync.Mutex
	calls     []provision.Command
	sink      provision.EventSink
	responder Responder
	notify    chan struct{}
}

var _ provision.Radio = (*RecordingRadio)(nil)

// NewRecordingRadio creates a radio that only records.
func NewRecordingRadio() *RecordingRadio {
	return &RecordingRadio{notify: make(chan struct{}, 1)}
}

// Respond installs a responder posting to sink. Responders run synchronously inside the
// radio call, so events they post are queued behind the commands still being issued.
func (r *RecordingRadio) Respond(sink provision.EventSink, fn Responder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
	r.responder = fn
}

// Calls returns a snapshot of the recorded commands.
func (r *RecordingRadio) Calls() []provision.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]provision.Command(nil), r.calls...)
}

// CallNames returns the recorded command names in order.
func (r *RecordingRadio) CallNames() []string {
	calls := r.Calls()
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = provision.CommandName(c)
	}
	return names
}

// Reset forgets recorded calls.
func (r *RecordingRadio) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// WaitForCall blocks until a command named name was recorded or timeout passes.
func (r *RecordingRadio) WaitForCall(name string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		for _, n := range r.CallNames() {
			if n == name {
				return true
			}
		}
		select {
		case <-r.notify:
		case <-deadline:
			return false
		}
	}
}

func (r *RecordingRadio) record(cmd provision.Command) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	sink, fn := r.sink, r.responder
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	if fn != nil && sink != nil {
		fn(cmd, sink)
	}
}

func (r *RecordingRadio) StopScan() { r.record(provision.StopScan{}) }

func (r *RecordingRadio) StartScan(service uuid.UUID) {
	r.record(provision.StartScan{Service: service})
}

func (r *RecordingRadio) Connect(p provision.Peripheral) {
	r.record(provision.Connect{Peripheral: p})
}

func (r *RecordingRadio) Disconnect(p provision.Peripheral) {
	r.record(provision.Disconnect{Peripheral: p})
}

func (r *RecordingRadio) DiscoverServices(p provision.Peripheral, service uuid.UUID) {
	r.record(provision.DiscoverServices{Peripheral: p, Service: service})
}

func (r *RecordingRadio) DiscoverCharacteristics(p provision.Peripheral, s provision.Service) {
	r.record(provision.DiscoverCharacteristics{Peripheral: p, Service: s})
}

func (r *RecordingRadio) WriteValue(p provision.Peripheral, c *provision.Characteristic, data []byte, withResponse bool) {
	r.record(provision.WriteValue{
		Peripheral:     p,
		Characteristic: c,
		Data:           append([]byte(nil), data...),
		WithResponse:   withResponse,
	})
}
