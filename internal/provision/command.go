package provision

import (
	"time"

	"github.com/google/uuid"
)

// Command is an output of the state machine. Radio commands are fire-and-forget requests whose
// results come back later as events; timer commands are executed by the runner against its clock.
type Command interface {
	commandName() string
}

type StopScan struct{}

type StartScan struct {
	Service uuid.UUID
}

type Connect struct {
	Peripheral Peripheral
}

type DiscoverServices struct {
	Peripheral Peripheral
	Service    uuid.UUID
}

// DiscoverCharacteristics requests every characteristic of Service.
type DiscoverCharacteristics struct {
	Peripheral Peripheral
	Service    Service
}

// WriteValue writes Data to Characteristic. Characteristic is nil when the session was configured
// to write without a discovered target; the radio then reports the write as failed.
type WriteValue struct {
	Peripheral     Peripheral
	Characteristic *Characteristic
	Data           []byte
	WithResponse   bool
}

type Disconnect struct {
	Peripheral Peripheral
}

// ArmScanTimer asks the runner to deliver ScanTimeout{Generation} after After.
type ArmScanTimer struct {
	Generation uint64
	After      time.Duration
}

// CancelScanTimer cancels the timer armed with Generation.
type CancelScanTimer struct {
	Generation uint64
}

func (StopScan) commandName() string                { return "stopScan" }
func (StartScan) commandName() string               { return "startScan" }
func (Connect) commandName() string                 { return "connect" }
func (DiscoverServices) commandName() string        { return "discoverServices" }
func (DiscoverCharacteristics) commandName() string { return "discoverCharacteristics" }
func (WriteValue) commandName() string              { return "writeValue" }
func (Disconnect) commandName() string              { return "disconnect" }
func (ArmScanTimer) commandName() string            { return "armScanTimer" }
func (CancelScanTimer) commandName() string         { return "cancelScanTimer" }

// CommandName returns the short name of a command.
func CommandName(cmd Command) string {
	if cmd == nil {
		return ""
	}
	return cmd.commandName()
}

// IsRadioCommand reports whether cmd is addressed to the radio rather than the timer.
func IsRadioCommand(cmd Command) bool {
	switch cmd.(type) {
	case ArmScanTimer, CancelScanTimer:
		return false
	default:
		return cmd != nil
	}
}

// Radio is the collaborator capability set the session drives. Every method returns immediately;
// results are posted back as events. Implementations must not call back into the runner synchronously
// expecting a response.
type Radio interface {
	StopScan()
	StartScan(service uuid.UUID)
	Connect(p Peripheral)
	Disconnect(p Peripheral)
	DiscoverServices(p Peripheral, service uuid.UUID)
	DiscoverCharacteristics(p Peripheral, s Service)
	WriteValue(p Peripheral, c *Characteristic, data []byte, withResponse bool)
}

// Execute dispatches a radio command to r. Timer commands are ignored.
func Execute(r Radio, cmd Command) {
	switch c := cmd.(type) {
	case StopScan:
		r.StopScan()
	case StartScan:
		r.StartScan(c.Service)
	case Connect:
		r.Connect(c.Peripheral)
	case DiscoverServices:
		r.DiscoverServices(c.Peripheral, c.Service)
	case DiscoverCharacteristics:
		r.DiscoverCharacteristics(c.Peripheral, c.Service)
	case WriteValue:
		r.WriteValue(c.Peripheral, c.Characteristic, c.Data, c.WithResponse)
	case Disconnect:
		r.Disconnect(c.Peripheral)
	}
}
