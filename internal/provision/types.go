package provision

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Targets identifies the service advertised by the peripheral and the characteristic the payload
// is written to. Identifiers are compared by exact equality.
type Targets struct {
	Service        uuid.UUID
	Characteristic uuid.UUID
}

// Validate checks that both identifiers are set.
func (t Targets) Validate() error {
	if t.Service == uuid.Nil {
		return fmt.Errorf("service identifier must not be nil")
	}
	if t.Characteristic == uuid.Nil {
		return fmt.Errorf("characteristic identifier must not be nil")
	}
	return nil
}

// Peripheral is a handle to a discovered remote device. ID is the backend address
// (a MAC on Linux, a CoreBluetooth UUID on macOS) and is what handles are matched by.
type Peripheral struct {
	ID   string
	Name string
	RSSI int
}

// Is reports whether p and other refer to the same remote device.
func (p Peripheral) Is(other Peripheral) bool {
	return p.ID == other.ID
}

func (p Peripheral) String() string {
	if p.Name == "" {
		return p.ID
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.ID)
}

// Service is a handle to a GATT service on a connected peripheral.
type Service struct {
	Peripheral string
	UUID       uuid.UUID
}

// Characteristic is a handle to a GATT characteristic within a service.
type Characteristic struct {
	Peripheral string
	Service    uuid.UUID
	UUID       uuid.UUID
}

// Provisioning failures. They are reported through the log and the transition stream,
// never returned to the caller of Start.
var (
	ErrDiscovery              = errors.New("discovery failed")
	ErrWrite                  = errors.New("write failed")
	ErrScanTimeout            = errors.New("scan timed out")
	ErrCharacteristicNotFound = errors.New("target characteristic not found")
	ErrConnect                = errors.New("connect failed")
	ErrLinkLost               = errors.New("peripheral disconnected")
	ErrCancelled              = errors.New("provisioning cancelled")
)

// stageError attaches a stage sentinel to the collaborator's error.
func stageError(stage error, cause error) error {
	if cause == nil {
		return stage
	}
	return fmt.Errorf("%w: %w", stage, cause)
}
