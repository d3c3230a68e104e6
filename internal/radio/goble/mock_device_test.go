package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

type mockDevice struct {
	mock.Mock
}

func (m *mockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	return args.Error(0)
}

func (m *mockDevice) Dial(ctx context.Context, addr ble.Addr) (GATTClient, error) {
	args := m.Called(ctx, addr)
	client, _ := args.Get(0).(GATTClient)
	return client, args.Error(1)
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	args := m.Called(filter)
	services, _ := args.Get(0).([]*ble.Service)
	return services, args.Error(1)
}

func (m *mockClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	args := m.Called(filter, s)
	chars, _ := args.Get(0).([]*ble.Characteristic)
	return chars, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	args := m.Called(c, value, noRsp)
	return args.Error(0)
}

func (m *mockClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

// allowCancel permits any number of CancelConnection calls after the explicit expectations.
func (m *mockClient) allowCancel() {
	m.On("CancelConnection").Return(nil).Maybe()
}

// notifyingClient reports link loss through Disconnected like the darwin and linux clients.
type notifyingClient struct {
	*mockClient
	disconnected chan struct{}
}

func newNotifyingClient() *notifyingClient {
	return &notifyingClient{mockClient: &mockClient{}, disconnected: make(chan struct{})}
}

func (c *notifyingClient) Disconnected() <-chan struct{} {
	return c.disconnected
}
