// Package tinygo drives a provisioning session through tinygo.org/x/bluetooth
// (CoreBluetooth on macOS, BlueZ over D-Bus on Linux, WinRT on Windows).
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"tinygo.org/x/bluetooth"

	"github.com/srg/blprov/internal/device"
	"github.com/srg/blprov/internal/groutine"
	"github.com/srg/blprov/internal/provision"
)

// DefaultConnectTimeout bounds a single connect attempt.
const DefaultConnectTimeout = 30 * time.Second

// Option configures an Adapter.
type Option func(*Adapter)

// WithConnectTimeout sets how long Connect waits before reporting a failure.
func WithConnectTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.connectTimeout = d
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l *logrus.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

type charKey struct {
	service uuid.UUID
	char    uuid.UUID
}

type link struct {
	peripheral provision.Peripheral

	mu     sync.Mutex // serialises GATT operations on dev
	dev    *bluetooth.Device
	closed atomic.Bool

	services        *orderedmap.OrderedMap[uuid.UUID, bluetooth.DeviceService]
	characteristics *orderedmap.OrderedMap[charKey, bluetooth.DeviceCharacteristic]
}

func newLink(p provision.Peripheral) *link {
	return &link{
		peripheral:      p,
		services:        orderedmap.New[uuid.UUID, bluetooth.DeviceService](),
		characteristics: orderedmap.New[charKey, bluetooth.DeviceCharacteristic](),
	}
}

// close marks the link as torn down. It reports whether this call did it.
func (l *link) close() bool {
	return l.closed.CompareAndSwap(false, true)
}

// Adapter implements provision.Radio on a tinygo bluetooth adapter.
type Adapter struct {
	adapter        *bluetooth.Adapter
	sink           provision.EventSink
	logger         *logrus.Logger
	connectTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   <-chan struct{}

	addrs *hashmap.Map[string, bluetooth.Address]
	links *hashmap.Map[string, *link]
}

var _ provision.Radio = (*Adapter)(nil)

func newAdapter(adapter *bluetooth.Adapter, sink provision.EventSink, opts ...Option) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		adapter:        adapter,
		sink:           sink,
		logger:         logrus.New(),
		connectTimeout: DefaultConnectTimeout,
		ctx:            ctx,
		cancel:         cancel,
		addrs:          hashmap.New[string, bluetooth.Address](),
		links:          hashmap.New[string, *link](),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open enables the default adapter and reports its power state to sink.
func Open(sink provision.EventSink, opts ...Option) (*Adapter, error) {
	a := newAdapter(bluetooth.DefaultAdapter, sink, opts...)
	if err := a.adapter.Enable(); err != nil {
		err = device.NormalizeError(err)
		if state, ok := powerStateOf(err); ok {
			sink.Post(provision.PowerStateChanged{State: state})
		}
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "enable-adapter"),
			ftag.With(ftag.Internal),
			fmsg.WithDesc("failed to enable bluetooth adapter", "Bluetooth is not available. Check that it is turned on and this program is allowed to use it."),
		)
	}

	a.adapter.SetConnectHandler(a.onConnectionChange)
	sink.Post(provision.PowerStateChanged{State: provision.PowerOn})
	return a, nil
}

// onConnectionChange reports link loss for links nobody asked to tear down.
func (a *Adapter) onConnectionChange(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := device.NormalizeAddress(dev.Address.String())
	l, ok := a.links.Get(id)
	if !ok || !l.close() {
		return
	}
	a.forget(l)
	a.logger.WithField("address", id).Warn("Peripheral disconnected")
	a.sink.Post(provision.Disconnected{Peripheral: l.peripheral, Err: device.ErrNotConnected})
}

// Close stops scanning and tears down every link.
func (a *Adapter) Close() {
	a.StopScan()
	a.links.Range(func(_ string, l *link) bool {
		a.teardown(l)
		return true
	})
	a.cancel()
}

// StartScan replaces any running scan with one filtered on service.
func (a *Adapter) StartScan(service uuid.UUID) {
	target, err := bluetooth.ParseUUID(service.String())
	if err != nil {
		a.logger.WithError(err).WithField("service", service).Error("Cannot scan for malformed service UUID")
		return
	}

	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	a.stopScanLocked()
	prev := a.scanDone

	ctx, cancel := context.WithCancel(a.ctx)
	a.scanCancel = cancel
	a.scanDone = groutine.GoLogged(ctx, a.logger, "tinygo-scan", func(ctx context.Context) {
		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}
		a.logger.WithField("service", service).Debug("Scanning...")

		scanning := make(chan struct{})
		defer close(scanning)
		groutine.Go(ctx, "tinygo-scan-stop", func(ctx context.Context) {
			stopWhenCancelled(ctx, scanning, a.adapter.StopScan)
		})

		err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if ctx.Err() != nil {
				_ = adapter.StopScan()
				return
			}
			if !result.HasServiceUUID(target) {
				return
			}
			id := device.NormalizeAddress(result.Address.String())
			a.addrs.Set(id, result.Address)
			a.sink.Post(provision.PeripheralDiscovered{Peripheral: provision.Peripheral{
				ID:   id,
				Name: result.LocalName(),
				RSSI: int(result.RSSI),
			}})
		})
		if err == nil || ctx.Err() != nil {
			a.logger.Debug("Scan stopped")
			return
		}

		err = device.NormalizeError(err)
		a.logger.WithError(err).Error("Scan failed")
		if state, ok := powerStateOf(err); ok {
			a.sink.Post(provision.PowerStateChanged{State: state})
		}
	})
}

// StopScan cancels the running scan, if any.
func (a *Adapter) StopScan() {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()
	a.stopScanLocked()
}

func (a *Adapter) stopScanLocked() {
	if a.scanCancel == nil {
		return
	}
	a.scanCancel()
	a.scanCancel = nil
	if err := a.adapter.StopScan(); err != nil {
		a.logger.WithError(err).Debug("StopScan reported an error")
	}
}

// Connect dials p. The stack applies its own timeout; connectTimeout bounds how long
// the session waits for it.
func (a *Adapter) Connect(p provision.Peripheral) {
	addr, ok := a.addrs.Get(p.ID)
	if !ok {
		addr.Set(p.ID)
	}

	l := newLink(p)
	if prev, ok := a.links.Get(p.ID); ok {
		a.teardown(prev)
	}
	a.links.Set(p.ID, l)

	type result struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan result, 1)

	groutine.GoLogged(a.ctx, a.logger, "tinygo-connect", func(context.Context) {
		dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{dev, err}
	})

	groutine.GoLogged(a.ctx, a.logger, "tinygo-connect-wait", func(ctx context.Context) {
		timer := time.NewTimer(a.connectTimeout)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if l.close() {
				a.forget(l)
				a.sink.Post(provision.ConnectFailed{
					Peripheral: p,
					Err:        a.wrap(device.ErrTimeout, "connect", p, "connect timed out", "The device did not accept the connection in time."),
				})
			}
			// A late link is released as soon as it comes up.
			select {
			case r := <-ch:
				if r.err == nil {
					_ = r.dev.Disconnect()
				}
			case <-ctx.Done():
			}
		case r := <-ch:
			a.connected(l, r.dev, r.err)
		}
	})
}

func (a *Adapter) connected(l *link, dev bluetooth.Device, err error) {
	p := l.peripheral
	if err != nil {
		if l.close() {
			a.forget(l)
			a.sink.Post(provision.ConnectFailed{
				Peripheral: p,
				Err:        a.wrap(device.NormalizeError(err), "connect", p, "failed to connect to device", "Could not connect to the device."),
			})
		}
		return
	}

	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		a.logger.WithField("address", p.ID).Debug("Connect abandoned")
		_ = dev.Disconnect()
		return
	}
	l.dev = &dev
	l.mu.Unlock()

	a.logger.WithField("address", p.ID).Info("BLE device connected successfully")
	a.sink.Post(provision.Connected{Peripheral: p})
}

// Disconnect tears down the link to p. Nothing is posted back.
func (a *Adapter) Disconnect(p provision.Peripheral) {
	l, ok := a.links.Get(p.ID)
	if !ok {
		a.logger.WithField("address", p.ID).Debug("Disconnect called but no link exists")
		return
	}
	a.teardown(l)
}

func (a *Adapter) teardown(l *link) {
	a.forget(l)
	if !l.close() {
		return
	}
	groutine.GoLogged(a.ctx, a.logger, "tinygo-disconnect", func(context.Context) {
		l.mu.Lock()
		dev := l.dev
		l.dev = nil
		l.mu.Unlock()
		if dev == nil {
			return
		}
		a.logger.WithField("address", l.peripheral.ID).Info("Disconnecting BLE device...")
		if err := dev.Disconnect(); err != nil {
			a.logger.WithError(err).Warn("BLE device disconnected with errors")
		}
	})
}

func (a *Adapter) forget(l *link) {
	if cur, ok := a.links.Get(l.peripheral.ID); ok && cur == l {
		a.links.Del(l.peripheral.ID)
	}
}

// DiscoverServices looks up service on p's link and posts ServicesDiscovered.
func (a *Adapter) DiscoverServices(p provision.Peripheral, service uuid.UUID) {
	fail := func(err error) provision.Event { return provision.ServicesDiscovered{Peripheral: p, Err: err} }
	filter, err := toTinyGo(service)
	if err != nil {
		a.sink.Post(fail(err))
		return
	}

	a.withLink(p, "tinygo-discover-services", func(l *link, dev *bluetooth.Device) {
		found, err := dev.DiscoverServices([]bluetooth.UUID{filter})
		if err != nil {
			a.sink.Post(fail(a.wrap(device.NormalizeError(err), "discover-services", p, "failed to discover services", "Could not read the device's services.")))
			return
		}

		services := make([]provision.Service, 0, len(found))
		for _, s := range found {
			id, err := fromTinyGo(s.UUID())
			if err != nil {
				a.logger.WithError(err).Warn("Skipping service with malformed UUID")
				continue
			}
			l.services.Set(id, s)
			services = append(services, provision.Service{Peripheral: p.ID, UUID: id})
		}
		a.sink.Post(provision.ServicesDiscovered{Peripheral: p, Services: services})
	}, fail)
}

// DiscoverCharacteristics enumerates the characteristics of s and posts one batch.
func (a *Adapter) DiscoverCharacteristics(p provision.Peripheral, s provision.Service) {
	fail := func(err error) provision.Event {
		return provision.CharacteristicsDiscovered{Peripheral: p, Service: s, Err: err}
	}

	a.withLink(p, "tinygo-discover-characteristics", func(l *link, _ *bluetooth.Device) {
		svc, ok := l.services.Get(s.UUID)
		if !ok {
			a.sink.Post(fail(&device.NotFoundError{Resource: "service", UUIDs: []string{p.ID, s.UUID.String()}}))
			return
		}

		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			a.sink.Post(fail(a.wrap(device.NormalizeError(err), "discover-characteristics", p, "failed to discover characteristics", "Could not read the device's characteristics.")))
			return
		}

		chars := make([]provision.Characteristic, 0, len(found))
		for _, c := range found {
			id, err := fromTinyGo(c.UUID())
			if err != nil {
				a.logger.WithError(err).Warn("Skipping characteristic with malformed UUID")
				continue
			}
			l.characteristics.Set(charKey{service: s.UUID, char: id}, c)
			chars = append(chars, provision.Characteristic{Peripheral: p.ID, Service: s.UUID, UUID: id})
		}
		a.sink.Post(provision.CharacteristicsDiscovered{Peripheral: p, Service: s, Characteristics: chars})
	}, fail)
}

// WriteValue writes data to c and posts ValueWritten. A nil c is reported as not found.
func (a *Adapter) WriteValue(p provision.Peripheral, c *provision.Characteristic, data []byte, withResponse bool) {
	if c == nil {
		a.sink.Post(provision.ValueWritten{Peripheral: p, Err: &device.NotFoundError{Resource: "characteristic"}})
		return
	}

	target := *c
	payload := append([]byte(nil), data...)
	fail := func(err error) provision.Event {
		return provision.ValueWritten{Peripheral: p, Characteristic: target, Err: err}
	}

	a.withLink(p, "tinygo-write", func(l *link, _ *bluetooth.Device) {
		char, ok := l.characteristics.Get(charKey{service: target.Service, char: target.UUID})
		if !ok {
			a.sink.Post(fail(&device.NotFoundError{Resource: "characteristic", UUIDs: []string{target.Service.String(), target.UUID.String()}}))
			return
		}

		if err := writeValue(char, payload, withResponse, a.logger.WithField("address", p.ID)); err != nil {
			a.sink.Post(fail(a.wrap(device.NormalizeError(err), "write", p, "failed to write characteristic", "Could not write to the device.")))
			return
		}
		a.sink.Post(fail(nil))
	}, fail)
}

func (a *Adapter) withLink(p provision.Peripheral, name string, op func(*link, *bluetooth.Device), fail func(error) provision.Event) {
	l, ok := a.links.Get(p.ID)
	if !ok {
		a.sink.Post(fail(&device.ConnectionError{State: device.NotConnected, Msg: p.ID}))
		return
	}

	groutine.GoLogged(a.ctx, a.logger, name, func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.dev == nil || l.closed.Load() {
			a.sink.Post(fail(&device.ConnectionError{State: device.NotConnected, Msg: p.ID}))
			return
		}
		op(l, l.dev)
	})
}

func (a *Adapter) wrap(err error, at string, p provision.Peripheral, internal, external string) error {
	kind := ftag.Internal
	if errors.Is(err, device.ErrTimeout) {
		kind = ftag.Cancelled
	}
	return fault.Wrap(err,
		fctx.With(a.ctx, "error_at", at, "address", p.ID),
		ftag.With(kind),
		fmsg.WithDesc(internal, fmt.Sprintf("%s (%s)", external, p)),
	)
}

// stopScanRetryInterval paces StopScan retries while a cancelled scan has not returned yet.
const stopScanRetryInterval = 50 * time.Millisecond

// stopWhenCancelled calls stop once ctx is done and keeps calling it until scanning is closed.
// A StopScan issued before the stack entered Scan is a no-op, so a single call is not enough.
func stopWhenCancelled(ctx context.Context, scanning <-chan struct{}, stop func() error) {
	select {
	case <-scanning:
		return
	case <-ctx.Done():
	}

	ticker := time.NewTicker(stopScanRetryInterval)
	defer ticker.Stop()
	for {
		_ = stop()
		select {
		case <-scanning:
			return
		case <-ticker.C:
		}
	}
}

func toTinyGo(id uuid.UUID) (bluetooth.UUID, error) {
	return bluetooth.ParseUUID(id.String())
}

func fromTinyGo(u bluetooth.UUID) (uuid.UUID, error) {
	return device.ParseIdentifier(u.String())
}

func powerStateOf(err error) (provision.PowerState, bool) {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return provision.PowerOff, true
	case errors.Is(err, device.ErrUnauthorized):
		return provision.PowerUnauthorized, true
	case errors.Is(err, device.ErrUnsupported):
		return provision.PowerUnsupported, true
	}
	return provision.PowerUnknown, false
}
