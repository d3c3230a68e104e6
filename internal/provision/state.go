package provision

import "fmt"

// State is the provisioning session state. Idle is both the initial and the resting state.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	DiscoveringServices
	DiscoveringCharacteristics
	Writing
	Disconnecting
)

var stateNames = [...]string{
	Idle:                       "Idle",
	Scanning:                   "Scanning",
	Connecting:                 "Connecting",
	DiscoveringServices:        "DiscoveringServices",
	DiscoveringCharacteristics: "DiscoveringCharacteristics",
	Writing:                    "Writing",
	Disconnecting:              "Disconnecting",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Busy reports whether a provisioning pass is in flight.
func (s State) Busy() bool {
	return s != Idle
}

// PowerState is the radio power state reported by the collaborator. The session only observes it.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerResetting
	PowerUnsupported
	PowerUnauthorized
	PowerOff
	PowerOn
)

var powerStateNames = [...]string{
	PowerUnknown:      "Unknown",
	PowerResetting:    "Resetting",
	PowerUnsupported:  "Unsupported",
	PowerUnauthorized: "Unauthorized",
	PowerOff:          "PoweredOff",
	PowerOn:           "PoweredOn",
}

func (p PowerState) String() string {
	if p >= 0 && int(p) < len(powerStateNames) {
		return powerStateNames[p]
	}
	return fmt.Sprintf("PowerState(%d)", int(p))
}

// Outcome describes how a provisioning pass ended.
type Outcome int

const (
	// OutcomeNone marks transitions that did not finish a pass.
	OutcomeNone Outcome = iota
	OutcomeCompleted
	OutcomeWriteFailed
	OutcomeTimedOut
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeCompleted:
		return "completed"
	case OutcomeWriteFailed:
		return "write-failed"
	case OutcomeTimedOut:
		return "timed-out"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}
