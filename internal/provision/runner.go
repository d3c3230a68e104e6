package provision

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blprov/internal/ringchan"
)

const (
	// DefaultQueueSize is the capacity of the event delivery queue.
	DefaultQueueSize = 256

	// DefaultTransitionBuffer is how many transition records are kept for slow observers.
	DefaultTransitionBuffer = 64
)

// ErrRunnerStarted is returned by Run when the runner is already running or has finished.
var ErrRunnerStarted = errors.New("runner already started")

// Transition records one state change. Outcome and Err are set when To is Idle
// and the change finished a pass.
type Transition struct {
	From       State
	To         State
	Trigger    string
	Peripheral Peripheral
	Outcome    Outcome
	Err        error
	At         time.Time
}

// Finished reports whether the transition ended a provisioning pass.
func (t Transition) Finished() bool {
	return t.To == Idle && t.Outcome != OutcomeNone
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithClock replaces the system clock used for the scan deadline.
func WithClock(c Clock) RunnerOption {
	return func(r *Runner) { r.timer.clock = c }
}

// WithQueueSize sets the capacity of the delivery queue.
func WithQueueSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.queue = make(chan Event, n)
		}
	}
}

// WithTransitionBuffer sets how many transition records are buffered for observers.
func WithTransitionBuffer(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.transitions = ringchan.New[Transition](n)
		}
	}
}

// WithLogger sets the logger used by the runner itself.
func WithLogger(l *logrus.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// Runner serialises every input of a Session onto one delivery queue and executes the
// resulting commands. Post and Start may be called from any goroutine.
type Runner struct {
	session *Session
	logger  *logrus.Logger
	timer   scanTimer

	queue       chan Event
	done        chan struct{}
	transitions *ringchan.RingChannel[Transition]
	started     atomic.Bool

	peripheral Peripheral // last peripheral of the pass in flight, kept for Idle records
}

// NewRunner wraps session. The session must not be driven by anything else afterwards.
func NewRunner(session *Session, opts ...RunnerOption) *Runner {
	r := &Runner{
		session:     session,
		logger:      session.logger,
		timer:       scanTimer{clock: SystemClock{}},
		queue:       make(chan Event, DefaultQueueSize),
		done:        make(chan struct{}),
		transitions: ringchan.New[Transition](DefaultTransitionBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Post enqueues an event. Events posted after Run returned are dropped.
func (r *Runner) Post(ev Event) {
	select {
	case <-r.done:
		r.logger.WithField("event", EventName(ev)).Debug("Runner stopped, dropping event")
	case r.queue <- ev:
	}
}

// Start requests a provisioning pass. It never blocks on the pass and reports nothing;
// watch Transitions for the outcome.
func (r *Runner) Start() {
	r.Post(Start{})
}

// Transitions returns the stream of state changes. It is closed when Run returns.
func (r *Runner) Transitions() <-chan Transition {
	return r.transitions.C()
}

// Done is closed when Run returns.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Run drains the delivery queue until ctx is cancelled. On cancel it releases whatever the
// pass in flight holds (scan, timer, link) and returns ctx.Err().
func (r *Runner) Run(ctx context.Context, radio Radio) error {
	if radio == nil {
		return errors.New("radio is nil")
	}
	if !r.started.CompareAndSwap(false, true) {
		return ErrRunnerStarted
	}
	defer close(r.done)
	defer r.transitions.Close()

	r.session.OnTransition(r.record)
	defer r.session.OnTransition(nil)

	r.logger.Debug("Provisioning runner started")
	for {
		select {
		case <-ctx.Done():
			r.execute(radio, r.session.Cancel())
			r.timer.cancel()
			r.logger.WithFields(logrus.Fields{
				"cause":       context.Cause(ctx),
				"transitions": r.transitions.Written(),
				"dropped":     r.transitions.Dropped(),
			}).Debug("Provisioning runner stopped")
			return ctx.Err()
		case ev := <-r.queue:
			_, cmds := r.session.Handle(ev)
			r.execute(radio, cmds)
		}
	}
}

func (r *Runner) execute(radio Radio, cmds []Command) {
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case ArmScanTimer:
			r.timer.arm(c.Generation, c.After, func(gen uint64) {
				r.Post(ScanTimeout{Generation: gen})
			})
		case CancelScanTimer:
			r.timer.cancelGeneration(c.Generation)
		default:
			r.logger.WithField("command", CommandName(cmd)).Debug("Issuing radio command")
			Execute(radio, cmd)
		}
	}
}

func (r *Runner) record(from, to State, trigger Event) {
	if p, ok := r.session.ActivePeripheral(); ok {
		r.peripheral = p
	}

	t := Transition{
		From:       from,
		To:         to,
		Trigger:    EventName(trigger),
		Peripheral: r.peripheral,
		At:         time.Now(),
	}
	if to == Idle {
		t.Outcome, t.Err = r.session.LastResult()
		r.peripheral = Peripheral{}
	}
	if r.transitions.Send(t) {
		r.logger.Warn("Transition observer is falling behind, dropped oldest record")
	}
}

// AwaitOutcome reads transitions until a pass finishes, the stream closes, or ctx is done.
func AwaitOutcome(ctx context.Context, transitions <-chan Transition, onStep func(Transition)) (Transition, error) {
	for {
		select {
		case <-ctx.Done():
			return Transition{}, ctx.Err()
		case t, ok := <-transitions:
			if !ok {
				return Transition{}, ErrCancelled
			}
			if onStep != nil {
				onStep(t)
			}
			if t.Finished() {
				return t, nil
			}
		}
	}
}
