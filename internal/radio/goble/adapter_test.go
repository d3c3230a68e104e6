package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Southclaws/fault/fmsg"
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blprov/internal/device"
	"github.com/srg/blprov/internal/provision"
	"github.com/srg/blprov/internal/testutils"
)

const (
	waitTimeout = 2 * time.Second
	testAddress = "AA:BB:CC:DD:EE:01"
	// peripheralID is testAddress as reported in events.
	peripheralID = "aa:bb:cc:dd:ee:01"
)

var (
	serviceID = uuid.MustParse("193DB24F-E42E-49D2-9A70-6A5616863A9D")
	charID    = uuid.MustParse("43CDD5AB-3EF6-496A-A4CC-9933F5ADAF68")

	peripheral = provision.Peripheral{ID: peripheralID, Name: "prov", RSSI: -40}
)

type AdapterTestSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	dev     *mockDevice
	events  *testutils.EventRecorder
	adapter *Adapter
}

func (s *AdapterTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.dev = &mockDevice{}
	s.events = testutils.NewEventRecorder()
	s.adapter = New(s.dev, s.events, WithLogger(s.helper.Logger), WithConnectTimeout(time.Second))
}

func (s *AdapterTestSuite) TearDownTest() {
	s.adapter.Close()
}

// next waits for the n-th event (1-based) and returns it.
func (s *AdapterTestSuite) next(n int) provision.Event {
	events := s.events.WaitFor(n, waitTimeout)
	s.Require().GreaterOrEqual(len(events), n, "expected %d events, got %v", n, events)
	return events[n-1]
}

// scanWith makes Scan deliver advs and then block until cancelled.
// The returned channels close when Scan is entered and when it returns.
func (s *AdapterTestSuite) scanWith(advs ...ble.Advertisement) (started, returned chan struct{}) {
	started, returned = make(chan struct{}), make(chan struct{})
	s.dev.On("Scan", mock.Anything, false, mock.Anything).Run(func(args mock.Arguments) {
		close(started)
		ctx := args.Get(0).(context.Context)
		h := args.Get(2).(ble.AdvHandler)
		for _, adv := range advs {
			h(adv)
		}
		<-ctx.Done()
		close(returned)
	}).Return(context.Canceled).Once()
	return started, returned
}

func (s *AdapterTestSuite) waitClosed(ch <-chan struct{}, msg string) {
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		s.FailNow(msg)
	}
}

// connect dials client and waits for Connected. Teardown on Close is always allowed.
func (s *AdapterTestSuite) connect(client GATTClient) {
	if c, ok := client.(interface{ allowCancel() }); ok {
		c.allowCancel()
	}
	s.dev.On("Dial", mock.Anything, mock.Anything).Return(client, nil).Once()
	s.adapter.Connect(peripheral)
	s.Require().Equal(provision.Connected{Peripheral: peripheral}, s.next(1))
}

// GOAL: Verify scanning reports only advertisements carrying the target service
//
// TEST SCENARIO: two advertisements, one without the service → one PeripheralDiscovered
func (s *AdapterTestSuite) TestScanFiltersByService() {
	_, returned := s.scanWith(
		testutils.CreateMockAdvertisement("other", "11:22:33:44:55:66", -70).WithServices("180d").Build(),
		testutils.CreateMockAdvertisement("prov", testAddress, -40).WithServices("180d", serviceID.String()).Build(),
	)

	s.adapter.StartScan(serviceID)

	s.Equal(provision.PeripheralDiscovered{Peripheral: peripheral}, s.next(1))
	s.adapter.StopScan()

	s.waitClosed(returned, "StopScan must cancel the scan")
	s.Len(s.events.Events(), 1)
}

func (s *AdapterTestSuite) TestScanMatchesOverflowServices() {
	s.scanWith(testutils.CreateMockAdvertisement("", testAddress, -55).WithOverflowServices(serviceID.String()).Build())

	s.adapter.StartScan(serviceID)

	ev := s.next(1).(provision.PeripheralDiscovered)
	s.Equal(peripheralID, ev.Peripheral.ID, "addresses are reported lowercase")
	s.Equal(-55, ev.Peripheral.RSSI)
}

func (s *AdapterTestSuite) TestScanPoweredOffReportsPowerState() {
	s.dev.On("Scan", mock.Anything, false, mock.Anything).
		Return(errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")).Once()

	s.adapter.StartScan(serviceID)

	s.Equal(provision.PowerStateChanged{State: provision.PowerOff}, s.next(1))
}

func (s *AdapterTestSuite) TestRestartingScanWaitsForPreviousScan() {
	started, first := s.scanWith()
	s.adapter.StartScan(serviceID)
	s.waitClosed(started, "first scan did not start")

	s.scanWith(testutils.CreateMockAdvertisement("prov", testAddress, -40).WithServices(serviceID.String()).Build())
	s.adapter.StartScan(serviceID)

	s.next(1)
	select {
	case <-first:
	default:
		s.Fail("second scan started before the first one returned")
	}
}

// GOAL: Verify the happy path posts one event per request in the order the core expects
//
// TEST SCENARIO: connect → discover services → discover characteristics → acknowledged write
func (s *AdapterTestSuite) TestConnectDiscoverWrite() {
	client := &mockClient{}
	bleSvc := &ble.Service{UUID: toBLE(serviceID)}
	bleChar := &ble.Characteristic{UUID: toBLE(charID)}
	other := &ble.Characteristic{UUID: ble.UUID16(0x2a37)}
	client.On("DiscoverServices", []ble.UUID{toBLE(serviceID)}).Return([]*ble.Service{bleSvc}, nil).Once()
	client.On("DiscoverCharacteristics", []ble.UUID(nil), bleSvc).Return([]*ble.Characteristic{other, bleChar}, nil).Once()
	client.On("WriteCharacteristic", bleChar, []byte{0x01}, false).Return(nil).Once()

	s.connect(client)

	s.adapter.DiscoverServices(peripheral, serviceID)
	svc := provision.Service{Peripheral: peripheralID, UUID: serviceID}
	s.Equal(provision.ServicesDiscovered{Peripheral: peripheral, Services: []provision.Service{svc}}, s.next(2))

	s.adapter.DiscoverCharacteristics(peripheral, svc)
	target := provision.Characteristic{Peripheral: peripheralID, Service: serviceID, UUID: charID}
	batch := s.next(3).(provision.CharacteristicsDiscovered)
	s.NoError(batch.Err)
	s.Equal([]provision.Characteristic{
		{Peripheral: peripheralID, Service: serviceID, UUID: uuid.MustParse("00002a37-0000-1000-8000-00805f9b34fb")},
		target,
	}, batch.Characteristics)

	s.adapter.WriteValue(peripheral, &target, []byte{0x01}, true)
	s.Equal(provision.ValueWritten{Peripheral: peripheral, Characteristic: target}, s.next(4))

	client.AssertExpectations(s.T())
}

func (s *AdapterTestSuite) TestWriteWithoutResponse() {
	client := &mockClient{}
	bleSvc := &ble.Service{UUID: toBLE(serviceID)}
	bleChar := &ble.Characteristic{UUID: toBLE(charID)}
	client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{bleSvc}, nil)
	client.On("DiscoverCharacteristics", mock.Anything, bleSvc).Return([]*ble.Characteristic{bleChar}, nil)
	client.On("WriteCharacteristic", bleChar, []byte("x"), true).Return(nil).Once()

	s.connect(client)
	s.adapter.DiscoverServices(peripheral, serviceID)
	s.next(2)
	s.adapter.DiscoverCharacteristics(peripheral, provision.Service{Peripheral: peripheralID, UUID: serviceID})
	s.next(3)

	s.adapter.WriteValue(peripheral, &provision.Characteristic{Service: serviceID, UUID: charID}, []byte("x"), false)
	s.NoError(s.next(4).(provision.ValueWritten).Err)
	client.AssertExpectations(s.T())
}

func (s *AdapterTestSuite) TestConnectFailureIsWrapped() {
	s.dev.On("Dial", mock.Anything, mock.Anything).Return(nil, errors.New("dial: operation timed out")).Once()

	s.adapter.Connect(peripheral)

	ev, ok := s.next(1).(provision.ConnectFailed)
	s.Require().True(ok)
	s.Equal(peripheral, ev.Peripheral)
	s.ErrorIs(ev.Err, device.ErrTimeout)
	s.Contains(fmsg.GetIssue(ev.Err), "Could not connect")
}

func (s *AdapterTestSuite) TestServiceDiscoveryFailureIsReported() {
	client := &mockClient{}
	client.On("DiscoverServices", mock.Anything).Return(nil, errors.New("att: insufficient authentication")).Once()
	s.connect(client)

	s.adapter.DiscoverServices(peripheral, serviceID)

	ev := s.next(2).(provision.ServicesDiscovered)
	s.Error(ev.Err)
	s.Contains(ev.Err.Error(), "insufficient authentication")
}

func (s *AdapterTestSuite) TestCharacteristicsForUnknownServiceIsNotFound() {
	s.connect(&mockClient{})

	s.adapter.DiscoverCharacteristics(peripheral, provision.Service{Peripheral: peripheralID, UUID: serviceID})

	ev := s.next(2).(provision.CharacteristicsDiscovered)
	var nf *device.NotFoundError
	s.Require().ErrorAs(ev.Err, &nf)
	s.Equal("service", nf.Resource)
}

func (s *AdapterTestSuite) TestWriteWithoutTargetIsNotFound() {
	s.adapter.WriteValue(peripheral, nil, []byte{0x01}, true)

	ev := s.next(1).(provision.ValueWritten)
	var nf *device.NotFoundError
	s.ErrorAs(ev.Err, &nf)
	s.Equal("characteristic", nf.Resource)
}

func (s *AdapterTestSuite) TestRequestsWithoutLinkReportNotConnected() {
	s.adapter.DiscoverServices(peripheral, serviceID)
	ev := s.next(1).(provision.ServicesDiscovered)
	s.ErrorIs(ev.Err, device.ErrNotConnected)
}

// GOAL: Verify a requested disconnect is silent and releases the link
//
// TEST SCENARIO: connected notifying client → Disconnect → CancelConnection, link closes, no event
func (s *AdapterTestSuite) TestDisconnectIsSilent() {
	client := newNotifyingClient()
	cancelled := make(chan struct{})
	client.On("CancelConnection").Run(func(mock.Arguments) {
		close(client.disconnected)
		close(cancelled)
	}).Return(nil).Once()
	s.connect(client)

	s.adapter.Disconnect(peripheral)

	s.waitClosed(cancelled, "CancelConnection not called")
	time.Sleep(20 * time.Millisecond)
	s.Len(s.events.Events(), 1, "only Connected is posted")
	_, linked := s.adapter.links.Get(peripheralID)
	s.False(linked)
}

func (s *AdapterTestSuite) TestLinkLossIsReported() {
	client := newNotifyingClient()
	s.connect(client)

	close(client.disconnected)

	ev := s.next(2).(provision.Disconnected)
	s.Equal(peripheral, ev.Peripheral)
	s.ErrorIs(ev.Err, device.ErrNotConnected)
	s.helper.AssertLogged(logrus.WarnLevel, "Peripheral disconnected")
}

func (s *AdapterTestSuite) TestDisconnectDuringDialCancelsLateLink() {
	client := &mockClient{}
	release := make(chan struct{})
	cancelled := make(chan struct{})
	dialing := make(chan struct{})
	client.On("CancelConnection").Run(func(mock.Arguments) { close(cancelled) }).Return(nil).Once()
	s.dev.On("Dial", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(dialing)
		<-release
	}).Return(client, nil).Once()

	s.adapter.Connect(peripheral)
	s.waitClosed(dialing, "dial not attempted")
	s.adapter.Disconnect(peripheral)
	close(release)

	s.waitClosed(cancelled, "late link must be cancelled")
	s.Empty(s.events.Events())
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}

func TestUUIDConversion(t *testing.T) {
	u := toBLE(serviceID)
	assert.Equal(t, "193db24fe42e49d29a706a5616863a9d", u.String())

	back, err := fromBLE(u)
	require.NoError(t, err)
	assert.Equal(t, serviceID, back)

	short, err := fromBLE(ble.UUID16(0x2a37))
	require.NoError(t, err)
	assert.Equal(t, uuid.MustParse("00002a37-0000-1000-8000-00805f9b34fb"), short)

	assert.True(t, advertises([]ble.UUID{ble.UUID16(0x180d), u}, serviceID))
	assert.False(t, advertises([]ble.UUID{ble.UUID16(0x180d)}, serviceID))
}

func TestPowerStateOf(t *testing.T) {
	state, ok := powerStateOf(device.NormalizeError(errors.New("bluetooth is turned off")))
	assert.True(t, ok)
	assert.Equal(t, provision.PowerOff, state)

	_, ok = powerStateOf(errors.New("other"))
	assert.False(t, ok)
}
