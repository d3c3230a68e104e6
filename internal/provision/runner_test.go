package provision_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blprov/internal/provision"
	"github.com/srg/blprov/internal/testutils"
)

const waitTimeout = 2 * time.Second

// RunnerTestSuite runs the full event loop against a scripted radio and a manual clock.
type RunnerTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	radio  *testutils.RecordingRadio
	clock  *testutils.ManualClock
	runner *provision.Runner

	cancel context.CancelFunc
	runErr chan error
}

func (s *RunnerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.radio = testutils.NewRecordingRadio()
	s.clock = testutils.NewManualClock()
	s.newRunner(provision.DefaultPolicy())
}

func (s *RunnerTestSuite) TearDownTest() {
	s.stop()
}

func (s *RunnerTestSuite) newRunner(policy provision.Policy, opts ...provision.RunnerOption) {
	session, err := provision.NewSession(provision.Options{
		Targets:     provision.Targets{Service: serviceID, Characteristic: targetCharID},
		ScanTimeout: time.Second,
		Payload:     testPayload,
		Policy:      policy,
		Logger:      s.helper.Logger,
	})
	s.Require().NoError(err)
	s.runner = provision.NewRunner(session, append([]provision.RunnerOption{provision.WithClock(s.clock)}, opts...)...)
}

func (s *RunnerTestSuite) run() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.runErr = make(chan error, 1)
	go func() { s.runErr <- s.runner.Run(ctx, s.radio) }()
}

// stop cancels Run and returns its error, or nil if it was never started.
func (s *RunnerTestSuite) stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil
	select {
	case err := <-s.runErr:
		return err
	case <-time.After(waitTimeout):
		s.Fail("runner did not stop")
		return nil
	}
}

func (s *RunnerTestSuite) await() provision.Transition {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	t, err := provision.AwaitOutcome(ctx, s.runner.Transitions(), nil)
	s.Require().NoError(err)
	return t
}

func (s *RunnerTestSuite) waitForTimer() *testutils.ManualTimer {
	var timer *testutils.ManualTimer
	s.Require().Eventually(func() bool {
		pending := s.clock.Pending()
		if len(pending) == 0 {
			return false
		}
		timer = pending[len(pending)-1]
		return true
	}, waitTimeout, time.Millisecond)
	return timer
}

// succeed scripts a cooperative peripheral that answers every request.
func succeed(cmd provision.Command, sink provision.EventSink) {
	switch c := cmd.(type) {
	case provision.StartScan:
		sink.Post(provision.PeripheralDiscovered{Peripheral: peripheralA})
	case provision.Connect:
		sink.Post(provision.Connected{Peripheral: c.Peripheral})
	case provision.DiscoverServices:
		sink.Post(provision.ServicesDiscovered{Peripheral: c.Peripheral, Services: []provision.Service{targetService}})
	case provision.DiscoverCharacteristics:
		sink.Post(provision.CharacteristicsDiscovered{
			Peripheral:      c.Peripheral,
			Service:         c.Service,
			Characteristics: []provision.Characteristic{targetChar},
		})
	case provision.WriteValue:
		sink.Post(provision.ValueWritten{Peripheral: c.Peripheral, Characteristic: *c.Characteristic})
	}
}

// GOAL: Verify the loop completes a pass against a cooperative radio
//
// TEST SCENARIO: Start → scripted responses → Completed, full call sequence, timer cancelled
func (s *RunnerTestSuite) TestSuccessfulPass() {
	s.radio.Respond(s.runner, succeed)
	s.run()

	s.runner.Start()
	t := s.await()

	s.Equal(provision.OutcomeCompleted, t.Outcome)
	s.NoError(t.Err)
	s.Equal(peripheralA, t.Peripheral)
	s.Equal("valueWritten", t.Trigger)

	s.Require().True(s.radio.WaitForCall("disconnect", waitTimeout))
	s.Equal([]string{
		"stopScan", "startScan", "stopScan", "connect", "discoverServices",
		"discoverCharacteristics", "writeValue", "disconnect",
	}, s.radio.CallNames())

	timers := s.clock.Timers()
	s.Require().Len(timers, 1, "exactly one timer per pass")
	s.Equal(time.Second, timers[0].After)
	s.True(timers[0].Stopped(), "discovery cancels the scan deadline")
}

// GOAL: Verify a scan with no discovery ends by deadline
//
// TEST SCENARIO: Start → timer fires → [stopScan, startScan, stopScan], TimedOut, no connect
func (s *RunnerTestSuite) TestScanTimeout() {
	s.run()
	s.runner.Start()

	s.waitForTimer().Fire(false)
	t := s.await()

	s.Equal(provision.OutcomeTimedOut, t.Outcome)
	s.ErrorIs(t.Err, provision.ErrScanTimeout)
	s.Equal([]string{"stopScan", "startScan", "stopScan"}, s.radio.CallNames())
}

// GOAL: Verify the stop log reports the transition stream counters
//
// TEST SCENARIO: one completed pass, then cancel → debug entry with transitions > 0 and dropped 0
func (s *RunnerTestSuite) TestStopLogsTransitionCounts() {
	s.newRunner(provision.DefaultPolicy(), provision.WithLogger(s.helper.Logger))
	s.radio.Respond(s.runner, succeed)
	s.run()

	s.runner.Start()
	s.await()
	s.ErrorIs(s.stop(), context.Canceled)

	var found *logrus.Entry
	for _, e := range s.helper.Hook.AllEntries() {
		if e.Message == "Provisioning runner stopped" {
			found = e
		}
	}
	s.Require().NotNil(found, "runner logs when it stops")
	s.Positive(found.Data["transitions"])
	s.Equal(int64(0), found.Data["dropped"])
}

func (s *RunnerTestSuite) TestStartWhileBusyIssuesNothing() {
	s.run()
	s.runner.Start()
	s.runner.Start()
	s.runner.Start()

	timer := s.waitForTimer()
	timer.Fire(false)
	s.await()

	s.Equal([]string{"stopScan", "startScan", "stopScan"}, s.radio.CallNames())
	s.Len(s.clock.Timers(), 1)
	s.helper.AssertLogged(logrus.InfoLevel, "busy, ignoring request")
}

// GOAL: Verify a deadline from an earlier pass cannot end a later one
//
// TEST SCENARIO: pass 1 discovers (timer cancelled) and fails to connect → pass 2 scans →
// pass 1 timer fires anyway → ignored; pass 2 timer fires → TimedOut
func (s *RunnerTestSuite) TestStaleTimerFireIsIgnored() {
	scans := 0
	s.radio.Respond(s.runner, func(cmd provision.Command, sink provision.EventSink) {
		switch c := cmd.(type) {
		case provision.StartScan:
			scans++
			if scans == 1 {
				sink.Post(provision.PeripheralDiscovered{Peripheral: peripheralA})
			}
		case provision.Connect:
			sink.Post(provision.ConnectFailed{Peripheral: c.Peripheral, Err: errors.New("refused")})
		}
	})
	s.run()

	s.runner.Start()
	first := s.await()
	s.Equal(provision.OutcomeAborted, first.Outcome)
	s.ErrorIs(first.Err, provision.ErrConnect)
	s.Require().Len(s.clock.Timers(), 1)
	stale := s.clock.Timers()[0]
	s.True(stale.Stopped())

	s.runner.Start()
	current := s.waitForTimer()
	s.NotSame(stale, current)

	stale.Fire(true)
	current.Fire(false)
	t := s.await()
	s.Equal(provision.OutcomeTimedOut, t.Outcome)
	s.Equal([]string{"stopScan", "startScan", "stopScan", "connect", "stopScan", "startScan", "stopScan"}, s.radio.CallNames())
}

func (s *RunnerTestSuite) TestRunnerIsReusableAcrossPasses() {
	s.radio.Respond(s.runner, succeed)
	s.run()

	for i := 0; i < 3; i++ {
		s.runner.Start()
		t := s.await()
		s.Equal(provision.OutcomeCompleted, t.Outcome)
		s.Require().True(s.radio.WaitForCall("disconnect", waitTimeout))
		s.radio.Reset()
	}
	s.Len(s.clock.Timers(), 3)
}

func (s *RunnerTestSuite) TestWriteFailureStillDisconnects() {
	s.radio.Respond(s.runner, func(cmd provision.Command, sink provision.EventSink) {
		if w, ok := cmd.(provision.WriteValue); ok {
			sink.Post(provision.ValueWritten{Peripheral: w.Peripheral, Err: errors.New("att: write not permitted")})
			return
		}
		succeed(cmd, sink)
	})
	s.run()

	s.runner.Start()
	t := s.await()

	s.Equal(provision.OutcomeWriteFailed, t.Outcome)
	s.ErrorIs(t.Err, provision.ErrWrite)
	s.True(s.radio.WaitForCall("disconnect", waitTimeout))
}

func (s *RunnerTestSuite) TestDiscoveryErrorAbortsWithoutDisconnect() {
	s.radio.Respond(s.runner, func(cmd provision.Command, sink provision.EventSink) {
		if d, ok := cmd.(provision.DiscoverServices); ok {
			sink.Post(provision.ServicesDiscovered{Peripheral: d.Peripheral, Err: errors.New("gatt failure")})
			return
		}
		succeed(cmd, sink)
	})
	s.run()

	s.runner.Start()
	t := s.await()

	s.Equal(provision.OutcomeAborted, t.Outcome)
	s.ErrorIs(t.Err, provision.ErrDiscovery)
	s.Equal([]string{"stopScan", "startScan", "stopScan", "connect", "discoverServices"}, s.radio.CallNames())
}

// GOAL: Verify cancelling the context releases the link held by the pass in flight
//
// TEST SCENARIO: pass stuck in Connecting → cancel → disconnect issued, Aborted record, stream closed
func (s *RunnerTestSuite) TestCancelReleasesLink() {
	s.radio.Respond(s.runner, func(cmd provision.Command, sink provision.EventSink) {
		if _, ok := cmd.(provision.StartScan); ok {
			sink.Post(provision.PeripheralDiscovered{Peripheral: peripheralA})
		}
	})
	s.run()
	s.runner.Start()
	s.Require().True(s.radio.WaitForCall("connect", waitTimeout))

	s.ErrorIs(s.stop(), context.Canceled)

	calls := s.radio.CallNames()
	s.Equal("disconnect", calls[len(calls)-1])

	var last provision.Transition
	for t := range s.runner.Transitions() {
		last = t
	}
	s.True(last.Finished())
	s.Equal(provision.OutcomeAborted, last.Outcome)
	s.ErrorIs(last.Err, provision.ErrCancelled)

	select {
	case <-s.runner.Done():
	default:
		s.Fail("Done must be closed after Run returns")
	}
}

func (s *RunnerTestSuite) TestCancelWhileScanningStopsTimer() {
	s.run()
	s.runner.Start()
	timer := s.waitForTimer()

	s.ErrorIs(s.stop(), context.Canceled)

	s.True(timer.Stopped())
	calls := s.radio.CallNames()
	s.Equal("stopScan", calls[len(calls)-1])
}

func (s *RunnerTestSuite) TestRunGuards() {
	s.Error(s.runner.Run(context.Background(), nil))

	s.run()
	s.runner.Start()
	s.Require().True(s.radio.WaitForCall("startScan", waitTimeout))
	s.ErrorIs(s.runner.Run(context.Background(), s.radio), provision.ErrRunnerStarted)
}

func (s *RunnerTestSuite) TestPostAfterStopDoesNotBlock() {
	s.run()
	s.Require().ErrorIs(s.stop(), context.Canceled)

	done := make(chan struct{})
	go func() {
		for i := 0; i < provision.DefaultQueueSize*2; i++ {
			s.runner.Start()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		s.Fail("Post blocked after the runner stopped")
	}
}

func (s *RunnerTestSuite) TestSlowObserverDropsOldestTransitions() {
	s.newRunner(provision.DefaultPolicy(), provision.WithTransitionBuffer(1))
	s.radio.Respond(s.runner, succeed)
	s.run()

	s.runner.Start()
	s.Require().True(s.radio.WaitForCall("disconnect", waitTimeout))
	s.Require().ErrorIs(s.stop(), context.Canceled)

	var records []provision.Transition
	for t := range s.runner.Transitions() {
		records = append(records, t)
	}
	s.Require().Len(records, 1)
	s.True(records[0].Finished(), "the newest record survives")
	s.helper.AssertLogged(logrus.WarnLevel, "falling behind")
}

func (s *RunnerTestSuite) TestAwaitOutcomeReportsSteps() {
	s.radio.Respond(s.runner, succeed)
	s.run()
	s.runner.Start()

	var steps []provision.State
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	t, err := provision.AwaitOutcome(ctx, s.runner.Transitions(), func(t provision.Transition) {
		steps = append(steps, t.To)
	})
	s.Require().NoError(err)
	s.True(t.Finished())
	s.Equal([]provision.State{
		provision.Scanning, provision.Connecting, provision.DiscoveringServices,
		provision.DiscoveringCharacteristics, provision.Writing, provision.Disconnecting, provision.Idle,
	}, steps)
}

func (s *RunnerTestSuite) TestAwaitOutcomeHonoursContext() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := provision.AwaitOutcome(ctx, make(chan provision.Transition), nil)
	s.ErrorIs(err, context.Canceled)

	closed := make(chan provision.Transition)
	close(closed)
	_, err = provision.AwaitOutcome(context.Background(), closed, nil)
	s.ErrorIs(err, provision.ErrCancelled)
}

func TestRunnerTestSuite(t *testing.T) {
	suite.Run(t, new(RunnerTestSuite))
}
