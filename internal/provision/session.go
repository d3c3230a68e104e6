package provision

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultScanTimeout bounds how long a pass searches for an advertising peripheral.
const DefaultScanTimeout = 5 * time.Second

// Policy resolves the two behaviours the provisioning flow leaves open.
type Policy struct {
	// DisconnectOnAbort issues a disconnect when a pass aborts after the link was established.
	// Off by default: discovery errors return to Idle and leave the link to the radio stack.
	DisconnectOnAbort bool

	// RequireCharacteristic holds the write until a batch containing the target characteristic
	// arrives, and aborts with ErrCharacteristicNotFound once every requested batch came back
	// without it. When false the first batch triggers the write whether or not the target was found.
	RequireCharacteristic bool
}

// DefaultPolicy keeps the abort asymmetry and guards the write target.
func DefaultPolicy() Policy {
	return Policy{RequireCharacteristic: true}
}

// Options configures a Session.
type Options struct {
	Targets     Targets
	ScanTimeout time.Duration
	Payload     []byte
	Policy      Policy
	Logger      *logrus.Logger
}

// activeContext exists from the moment a peripheral is picked until the session returns to Idle.
type activeContext struct {
	peripheral     Peripheral
	characteristic *Characteristic
	linked         bool
	pendingBatches int
}

// Session is the provisioning state machine. It is not safe for concurrent use: feed it
// from a single goroutine, which is what Runner does.
type Session struct {
	targets     Targets
	scanTimeout time.Duration
	payload     []byte
	policy      Policy
	logger      *logrus.Logger

	state  State
	power  PowerState
	active *activeContext

	timerGen uint64 // generation of the armed scan timer, 0 when none is armed
	lastGen  uint64

	lastOutcome Outcome
	lastErr     error

	onTransition func(from, to State, trigger Event)
	trigger      Event
}

// NewSession creates an idle session for the given targets.
func NewSession(opts Options) (*Session, error) {
	if err := opts.Targets.Validate(); err != nil {
		return nil, fmt.Errorf("invalid targets: %w", err)
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	payload := make([]byte, len(opts.Payload))
	copy(payload, opts.Payload)

	return &Session{
		targets:     opts.Targets,
		scanTimeout: opts.ScanTimeout,
		payload:     payload,
		policy:      opts.Policy,
		logger:      opts.Logger,
		state:       Idle,
		power:       PowerUnknown,
	}, nil
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Busy reports whether a pass is in flight.
func (s *Session) Busy() bool { return s.state.Busy() }

// Power returns the last observed radio power state.
func (s *Session) Power() PowerState { return s.power }

// Targets returns the configured identifiers.
func (s *Session) Targets() Targets { return s.targets }

// ActivePeripheral returns the peripheral being provisioned, if any.
func (s *Session) ActivePeripheral() (Peripheral, bool) {
	if s.active == nil {
		return Peripheral{}, false
	}
	return s.active.peripheral, true
}

// ActiveCharacteristic returns the discovered target characteristic, if any.
func (s *Session) ActiveCharacteristic() (Characteristic, bool) {
	if s.active == nil || s.active.characteristic == nil {
		return Characteristic{}, false
	}
	return *s.active.characteristic, true
}

// LastResult returns how the most recent pass ended.
func (s *Session) LastResult() (Outcome, error) {
	return s.lastOutcome, s.lastErr
}

// OnTransition registers a hook called on every state change, including the
// intermediate Disconnecting step of the completion path.
func (s *Session) OnTransition(fn func(from, to State, trigger Event)) {
	s.onTransition = fn
}

// Handle applies one event and returns the resulting state and the commands to issue, in order.
func (s *Session) Handle(ev Event) (State, []Command) {
	s.trigger = ev
	defer func() { s.trigger = nil }()

	var cmds []Command
	switch e := ev.(type) {
	case Start:
		cmds = s.start()
	case PowerStateChanged:
		s.powerStateChanged(e)
	case ScanTimeout:
		cmds = s.scanDeadline(e)
	case PeripheralDiscovered:
		cmds = s.peripheralDiscovered(e)
	case Connected:
		cmds = s.connected(e)
	case ConnectFailed:
		cmds = s.connectFailed(e)
	case Disconnected:
		cmds = s.disconnected(e)
	case ServicesDiscovered:
		cmds = s.servicesDiscovered(e)
	case CharacteristicsDiscovered:
		cmds = s.characteristicsDiscovered(e)
	case ValueWritten:
		cmds = s.valueWritten(e)
	default:
		s.logger.WithField("event", fmt.Sprintf("%T", ev)).Warn("Unknown event, ignoring")
	}
	return s.state, cmds
}

// Cancel abandons the pass in flight and returns the commands that release what it holds.
func (s *Session) Cancel() []Command {
	if !s.Busy() {
		return nil
	}

	var cmds []Command
	if s.state == Scanning {
		cmds = append(cmds, s.cancelTimer(), StopScan{})
	}
	if s.active != nil && (s.active.linked || s.state == Connecting) {
		cmds = append(cmds, Disconnect{Peripheral: s.active.peripheral})
	}
	s.logger.WithField("state", s.state).Warn("Provisioning cancelled")
	s.finish(OutcomeAborted, ErrCancelled)
	return cmds
}

func (s *Session) start() []Command {
	s.logger.Info("Provisioning requested")
	if s.Busy() {
		s.logger.WithField("state", s.state).Info("busy, ignoring request")
		return nil
	}
	if s.power != PowerOn {
		s.logger.WithField("power", s.power).Warn("Radio is not powered on, scanning anyway")
	}

	s.lastOutcome, s.lastErr = OutcomeNone, nil
	s.lastGen++
	s.timerGen = s.lastGen
	s.setState(Scanning)

	s.logger.WithFields(logrus.Fields{
		"service": s.targets.Service,
		"timeout": s.scanTimeout,
	}).Info("Scanning for peripheral with service")

	return []Command{
		StopScan{},
		StartScan{Service: s.targets.Service},
		ArmScanTimer{Generation: s.timerGen, After: s.scanTimeout},
	}
}

func (s *Session) powerStateChanged(e PowerStateChanged) {
	s.logger.WithFields(logrus.Fields{
		"from": s.power,
		"to":   e.State,
	}).Info("Radio power state changed")
	s.power = e.State
}

func (s *Session) scanDeadline(e ScanTimeout) []Command {
	if s.state != Scanning || e.Generation != s.timerGen {
		s.logger.WithFields(logrus.Fields{
			"state":      s.state,
			"generation": e.Generation,
		}).Debug("Stale scan deadline, ignoring")
		return nil
	}

	s.timerGen = 0
	s.logger.WithField("timeout", s.scanTimeout).Warn("scan timed out")
	cmds := []Command{StopScan{}}
	s.finish(OutcomeTimedOut, ErrScanTimeout)
	return cmds
}

func (s *Session) peripheralDiscovered(e PeripheralDiscovered) []Command {
	if s.state != Scanning {
		s.logger.WithFields(logrus.Fields{
			"state":      s.state,
			"peripheral": e.Peripheral,
		}).Debug("Discovery outside of scan, ignoring")
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"peripheral": e.Peripheral,
		"rssi":       e.Peripheral.RSSI,
	}).Info("Discovered peripheral")

	cmds := []Command{s.cancelTimer(), StopScan{}, Connect{Peripheral: e.Peripheral}}
	s.active = &activeContext{peripheral: e.Peripheral}
	s.setState(Connecting)
	return cmds
}

func (s *Session) connected(e Connected) []Command {
	if s.state != Connecting || !s.isActive(e.Peripheral) {
		s.ignore("connected", e.Peripheral)
		return nil
	}

	s.logger.WithField("peripheral", e.Peripheral).Info("Connected to peripheral")
	s.active.linked = true
	s.setState(DiscoveringServices)
	return []Command{DiscoverServices{Peripheral: s.active.peripheral, Service: s.targets.Service}}
}

func (s *Session) connectFailed(e ConnectFailed) []Command {
	if s.state != Connecting || !s.isActive(e.Peripheral) {
		s.ignore("connectFailed", e.Peripheral)
		return nil
	}
	return s.abort(stageError(ErrConnect, e.Err))
}

func (s *Session) disconnected(e Disconnected) []Command {
	switch s.state {
	case Connecting, DiscoveringServices, DiscoveringCharacteristics, Writing:
	default:
		s.ignore("disconnected", e.Peripheral)
		return nil
	}
	if !s.isActive(e.Peripheral) {
		s.ignore("disconnected", e.Peripheral)
		return nil
	}
	s.active.linked = false
	return s.abort(stageError(ErrLinkLost, e.Err))
}

func (s *Session) servicesDiscovered(e ServicesDiscovered) []Command {
	if s.state != DiscoveringServices || !s.isActive(e.Peripheral) {
		s.ignore("servicesDiscovered", e.Peripheral)
		return nil
	}
	if e.Err != nil {
		s.logger.WithError(e.Err).Error("Service discovery failed")
		return s.abort(stageError(ErrDiscovery, e.Err))
	}

	s.logger.WithField("services", len(e.Services)).Info("Services discovered")
	cmds := make([]Command, 0, len(e.Services))
	for _, svc := range e.Services {
		s.logger.WithField("service", svc.UUID).Debug("Discovering characteristics")
		cmds = append(cmds, DiscoverCharacteristics{Peripheral: s.active.peripheral, Service: svc})
	}
	s.active.pendingBatches = len(e.Services)
	s.setState(DiscoveringCharacteristics)

	if s.policy.RequireCharacteristic && len(e.Services) == 0 {
		return s.abort(ErrCharacteristicNotFound)
	}
	return cmds
}

func (s *Session) characteristicsDiscovered(e CharacteristicsDiscovered) []Command {
	if s.state != DiscoveringCharacteristics || !s.isActive(e.Peripheral) {
		s.ignore("characteristicsDiscovered", e.Peripheral)
		return nil
	}
	if e.Err != nil {
		s.logger.WithError(e.Err).WithField("service", e.Service.UUID).Error("Characteristic discovery failed")
		return s.abort(stageError(ErrDiscovery, e.Err))
	}

	s.logger.WithFields(logrus.Fields{
		"service":         e.Service.UUID,
		"characteristics": len(e.Characteristics),
	}).Info("Characteristics discovered")

	for _, c := range e.Characteristics {
		if c.UUID != s.targets.Characteristic || s.active.characteristic != nil {
			continue
		}
		found := c
		s.active.characteristic = &found
		s.logger.WithField("characteristic", c.UUID).Info("Found target characteristic")
	}
	s.active.pendingBatches--

	if s.policy.RequireCharacteristic && s.active.characteristic == nil {
		if s.active.pendingBatches > 0 {
			return nil
		}
		return s.abort(ErrCharacteristicNotFound)
	}

	if s.active.characteristic == nil {
		s.logger.WithField("characteristic", s.targets.Characteristic).Warn("Writing without a discovered target characteristic")
	}
	s.setState(Writing)
	return []Command{WriteValue{
		Peripheral:     s.active.peripheral,
		Characteristic: s.active.characteristic,
		Data:           s.payload,
		WithResponse:   true,
	}}
}

func (s *Session) valueWritten(e ValueWritten) []Command {
	if s.state != Writing || !s.isActive(e.Peripheral) {
		s.ignore("valueWritten", e.Peripheral)
		return nil
	}

	outcome, err := OutcomeCompleted, error(nil)
	if e.Err != nil {
		outcome, err = OutcomeWriteFailed, stageError(ErrWrite, e.Err)
		s.logger.WithError(e.Err).Error("Payload write failed")
	} else {
		s.logger.WithField("bytes", len(s.payload)).Info("Payload written")
	}

	p := s.active.peripheral
	s.setState(Disconnecting)
	s.logger.WithField("peripheral", p).Info("Disconnecting")
	s.finish(outcome, err)
	return []Command{Disconnect{Peripheral: p}}
}

// abort returns to Idle from a failed stage.
func (s *Session) abort(err error) []Command {
	s.logger.WithError(err).WithField("state", s.state).Error("Provisioning aborted")

	var cmds []Command
	if s.policy.DisconnectOnAbort && s.active != nil && s.active.linked {
		cmds = append(cmds, Disconnect{Peripheral: s.active.peripheral})
	}
	s.finish(OutcomeAborted, err)
	return cmds
}

func (s *Session) finish(outcome Outcome, err error) {
	s.lastOutcome, s.lastErr = outcome, err
	s.active = nil
	s.timerGen = 0
	s.setState(Idle)
}

func (s *Session) cancelTimer() Command {
	gen := s.timerGen
	s.timerGen = 0
	return CancelScanTimer{Generation: gen}
}

func (s *Session) isActive(p Peripheral) bool {
	return s.active != nil && s.active.peripheral.Is(p)
}

func (s *Session) ignore(event string, p Peripheral) {
	s.logger.WithFields(logrus.Fields{
		"event":      event,
		"state":      s.state,
		"peripheral": p.ID,
	}).Debug("Event does not apply in current state, ignoring")
}

func (s *Session) setState(next State) {
	prev := s.state
	s.state = next
	s.logger.WithFields(logrus.Fields{
		"from": prev,
		"to":   next,
	}).Debug("State transition")
	if s.onTransition != nil {
		s.onTransition(prev, next, s.trigger)
	}
}
