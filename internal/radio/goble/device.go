package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// GATTClient is the subset of ble.Client the adapter drives over an established link.
type GATTClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// Device is the subset of ble.Device the adapter needs: scanning and dialing.
type Device interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, addr ble.Addr) (GATTClient, error)
}

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = newPlatformDevice

// bleDevice narrows a ble.Device to Device.
type bleDevice struct {
	dev ble.Device
}

// WrapDevice adapts a go-ble device.
func WrapDevice(dev ble.Device) Device {
	return &bleDevice{dev: dev}
}

func (d *bleDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return d.dev.Scan(ctx, allowDup, h)
}

func (d *bleDevice) Dial(ctx context.Context, addr ble.Addr) (GATTClient, error) {
	client, err := d.dev.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// disconnectNotifier is implemented by clients that report link loss (darwin, linux).
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}
