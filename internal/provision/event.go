package provision

// Event is an input to the state machine: either the caller's Start command or a radio-stack
// callback. The set of events is closed; each concrete type below is one variant.
type Event interface {
	eventName() string
}

// Start begins a provisioning pass. It is a no-op while a pass is in flight.
type Start struct{}

// PowerStateChanged reports a new radio power state.
type PowerStateChanged struct {
	State PowerState
}

// PeripheralDiscovered reports an advertisement carrying the target service.
type PeripheralDiscovered struct {
	Peripheral Peripheral
}

// Connected reports an established link.
type Connected struct {
	Peripheral Peripheral
}

// ConnectFailed reports that a connect request could not be completed.
type ConnectFailed struct {
	Peripheral Peripheral
	Err        error
}

// Disconnected reports a link that went down without being asked to.
type Disconnected struct {
	Peripheral Peripheral
	Err        error
}

// ServicesDiscovered carries the result of a service discovery request.
type ServicesDiscovered struct {
	Peripheral Peripheral
	Services   []Service
	Err        error
}

// CharacteristicsDiscovered carries one batch of characteristics for a single service.
type CharacteristicsDiscovered struct {
	Peripheral      Peripheral
	Service         Service
	Characteristics []Characteristic
	Err             error
}

// ValueWritten carries the acknowledgement (or failure) of the payload write.
type ValueWritten struct {
	Peripheral     Peripheral
	Characteristic Characteristic
	Err            error
}

// ScanTimeout is delivered when the scan deadline armed with Generation expires.
type ScanTimeout struct {
	Generation uint64
}

func (Start) eventName() string                     { return "start" }
func (PowerStateChanged) eventName() string         { return "powerStateChanged" }
func (PeripheralDiscovered) eventName() string      { return "peripheralDiscovered" }
func (Connected) eventName() string                 { return "connected" }
func (ConnectFailed) eventName() string             { return "connectFailed" }
func (Disconnected) eventName() string              { return "disconnected" }
func (ServicesDiscovered) eventName() string        { return "servicesDiscovered" }
func (CharacteristicsDiscovered) eventName() string { return "characteristicsDiscovered" }
func (ValueWritten) eventName() string              { return "valueWritten" }
func (ScanTimeout) eventName() string               { return "scanTimeout" }

// EventName returns the short name of an event for logs and transition records.
func EventName(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventName()
}

// EventSink accepts events from radio adapters. Implementations must be safe for concurrent use.
type EventSink interface {
	Post(ev Event)
}
