package goble

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
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blprov/internal/device"
	"github.com/srg/blprov/internal/groutine"
	"github.com/srg/blprov/internal/provision"
)

// DefaultConnectTimeout bounds a single dial attempt.
const DefaultConnectTimeout = 30 * time.Second

// Option configures an Adapter.
type Option func(*Adapter)

// WithConnectTimeout sets the dial timeout.
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

// charKey identifies a characteristic within a link's GATT table.
type charKey struct {
	service uuid.UUID
	char    uuid.UUID
}

// link is one connection to a peripheral, from the dial until it is torn down.
type link struct {
	peripheral provision.Peripheral
	cancelDial context.CancelFunc

	mu      sync.Mutex // serialises GATT operations on client
	client  GATTClient
	closed  atomic.Bool
	done    chan struct{}
	closeMu sync.Once

	services        *orderedmap.OrderedMap[uuid.UUID, *ble.Service]
	characteristics *orderedmap.OrderedMap[charKey, *ble.Characteristic]
}

func newLink(p provision.Peripheral, cancelDial context.CancelFunc) *link {
	return &link{
		peripheral:      p,
		cancelDial:      cancelDial,
		done:            make(chan struct{}),
		services:        orderedmap.New[uuid.UUID, *ble.Service](),
		characteristics: orderedmap.New[charKey, *ble.Characteristic](),
	}
}

// close marks the link as torn down. It reports whether this call did it.
func (l *link) close() bool {
	first := l.closed.CompareAndSwap(false, true)
	l.closeMu.Do(func() {
		close(l.done)
		l.cancelDial()
	})
	return first
}

// Adapter drives a go-ble device on behalf of a provisioning session. Every Radio method
// returns immediately; results are posted to the sink from background goroutines.
type Adapter struct {
	dev            Device
	sink           provision.EventSink
	logger         *logrus.Logger
	connectTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   <-chan struct{}

	addrs *hashmap.Map[string, ble.Addr]
	links *hashmap.Map[string, *link]
}

var _ provision.Radio = (*Adapter)(nil)

// New creates an adapter for dev posting results to sink.
func New(dev Device, sink provision.EventSink, opts ...Option) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		dev:            dev,
		sink:           sink,
		logger:         logrus.New(),
		connectTimeout: DefaultConnectTimeout,
		ctx:            ctx,
		cancel:         cancel,
		addrs:          hashmap.New[string, ble.Addr](),
		links:          hashmap.New[string, *link](),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open creates the platform device through DeviceFactory and reports its power state to sink.
// A powered-off radio is reported as PoweredOff before the error is returned.
func Open(sink provision.EventSink, opts ...Option) (*Adapter, error) {
	dev, err := DeviceFactory()
	if err != nil {
		err = device.NormalizeError(err)
		if state, ok := powerStateOf(err); ok {
			sink.Post(provision.PowerStateChanged{State: state})
		}
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "open-device"),
			ftag.With(ftag.Internal),
			fmsg.WithDesc("failed to create BLE device", "Bluetooth is not available. Check that it is turned on and this program is allowed to use it."),
		)
	}
	a := New(WrapDevice(dev), sink, opts...)
	sink.Post(provision.PowerStateChanged{State: provision.PowerOn})
	return a, nil
}

// Close stops scanning and tears down every link.
func (a *Adapter) Close() {
	a.StopScan()
	a.links.Range(func(id string, l *link) bool {
		a.teardown(l)
		return true
	})
	a.cancel()
}

// StartScan replaces any running scan with one filtered on service.
func (a *Adapter) StartScan(service uuid.UUID) {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	a.stopScanLocked()
	prev := a.scanDone

	ctx, cancel := context.WithCancel(a.ctx)
	a.scanCancel = cancel
	a.scanDone = groutine.GoLogged(ctx, a.logger, "ble-scan", func(ctx context.Context) {
		if prev != nil {
			<-prev
		}
		a.logger.WithField("service", service).Debug("Scanning...")

		err := a.dev.Scan(ctx, false, func(adv ble.Advertisement) {
			a.handleAdvertisement(service, adv)
		})
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
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
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
}

func (a *Adapter) handleAdvertisement(service uuid.UUID, adv ble.Advertisement) {
	if !advertises(adv.Services(), service) && !advertises(adv.OverflowService(), service) {
		return
	}

	addr := adv.Addr()
	p := provision.Peripheral{
		ID:   device.NormalizeAddress(addr.String()),
		Name: adv.LocalName(),
		RSSI: adv.RSSI(),
	}
	a.addrs.Set(p.ID, addr)

	a.logger.WithFields(logrus.Fields{
		"address": p.ID,
		"name":    p.Name,
		"rssi":    p.RSSI,
	}).Debug("Advertisement matched service")
	a.sink.Post(provision.PeripheralDiscovered{Peripheral: p})
}

// Connect dials p. The result is posted as Connected or ConnectFailed.
func (a *Adapter) Connect(p provision.Peripheral) {
	addr, ok := a.addrs.Get(p.ID)
	if !ok {
		addr = ble.NewAddr(p.ID)
	}

	ctx, cancel := context.WithTimeout(a.ctx, a.connectTimeout)
	l := newLink(p, cancel)
	if prev, ok := a.links.Get(p.ID); ok {
		a.logger.WithField("address", p.ID).Warn("Replacing existing link")
		a.teardown(prev)
	}
	a.links.Set(p.ID, l)

	groutine.GoLogged(ctx, a.logger, "ble-connect", func(ctx context.Context) {
		a.logger.WithFields(logrus.Fields{
			"address": p.ID,
			"timeout": a.connectTimeout,
		}).Info("Connecting to BLE device...")

		client, err := a.dev.Dial(ctx, addr)
		cancel()

		if err != nil {
			if !l.close() {
				a.logger.WithField("address", p.ID).Debug("Connect abandoned")
				return
			}
			a.forget(l)
			a.sink.Post(provision.ConnectFailed{
				Peripheral: p,
				Err:        a.wrap(device.NormalizeError(err), "connect", p, "failed to connect to device", "Could not connect to the device."),
			})
			return
		}

		l.mu.Lock()
		if l.closed.Load() {
			l.mu.Unlock()
			a.logger.WithField("address", p.ID).Debug("Connect abandoned")
			a.cancelConnection(p, client)
			return
		}
		l.client = client
		l.mu.Unlock()

		a.monitor(l, client)
		a.logger.WithField("address", p.ID).Info("BLE device connected successfully")
		a.sink.Post(provision.Connected{Peripheral: p})
	})
}

// monitor posts Disconnected when the stack reports a link loss nobody asked for.
func (a *Adapter) monitor(l *link, client GATTClient) {
	n, ok := client.(disconnectNotifier)
	if !ok {
		a.logger.Debug("Client does not support Disconnected() channel")
		return
	}

	groutine.GoLogged(a.ctx, a.logger, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-n.Disconnected():
			if !l.close() {
				return
			}
			a.forget(l)
			a.logger.WithField("address", l.peripheral.ID).Warn("Peripheral disconnected")
			a.sink.Post(provision.Disconnected{Peripheral: l.peripheral, Err: device.ErrNotConnected})
		case <-l.done:
		case <-ctx.Done():
		}
	})
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
	groutine.GoLogged(a.ctx, a.logger, "ble-disconnect", func(context.Context) {
		l.mu.Lock()
		client := l.client
		l.client = nil
		l.mu.Unlock()
		if client != nil {
			a.cancelConnection(l.peripheral, client)
		}
	})
}

func (a *Adapter) forget(l *link) {
	if cur, ok := a.links.Get(l.peripheral.ID); ok && cur == l {
		a.links.Del(l.peripheral.ID)
	}
}

func (a *Adapter) cancelConnection(p provision.Peripheral, client GATTClient) {
	a.logger.WithField("address", p.ID).Info("Disconnecting BLE device...")
	if err := client.CancelConnection(); err != nil {
		a.logger.WithError(err).WithField("address", p.ID).Warn("BLE device disconnected with errors")
		return
	}
	a.logger.WithField("address", p.ID).Info("BLE device disconnected successfully")
}

// DiscoverServices looks up service on p's link and posts ServicesDiscovered.
func (a *Adapter) DiscoverServices(p provision.Peripheral, service uuid.UUID) {
	a.withLink(p, "ble-discover-services", func(l *link, client GATTClient) {
		found, err := client.DiscoverServices([]ble.UUID{toBLE(service)})
		if err != nil {
			a.sink.Post(provision.ServicesDiscovered{
				Peripheral: p,
				Err:        a.wrap(device.NormalizeError(err), "discover-services", p, "failed to discover services", "Could not read the device's services."),
			})
			return
		}

		services := make([]provision.Service, 0, len(found))
		for _, s := range found {
			id, err := fromBLE(s.UUID)
			if err != nil {
				a.logger.WithError(err).WithField("service_uuid", s.UUID.String()).Warn("Skipping service with malformed UUID")
				continue
			}
			l.services.Set(id, s)
			services = append(services, provision.Service{Peripheral: p.ID, UUID: id})
		}
		a.logger.WithFields(logrus.Fields{
			"address":  p.ID,
			"services": len(services),
		}).Debug("Services discovered")
		a.sink.Post(provision.ServicesDiscovered{Peripheral: p, Services: services})
	}, func(err error) provision.Event {
		return provision.ServicesDiscovered{Peripheral: p, Err: err}
	})
}

// DiscoverCharacteristics enumerates the characteristics of s and posts one batch.
func (a *Adapter) DiscoverCharacteristics(p provision.Peripheral, s provision.Service) {
	a.withLink(p, "ble-discover-characteristics", func(l *link, client GATTClient) {
		svc, ok := l.services.Get(s.UUID)
		if !ok {
			a.sink.Post(provision.CharacteristicsDiscovered{
				Peripheral: p,
				Service:    s,
				Err:        &device.NotFoundError{Resource: "service", UUIDs: []string{p.ID, s.UUID.String()}},
			})
			return
		}

		found, err := client.DiscoverCharacteristics(nil, svc)
		if err != nil {
			a.sink.Post(provision.CharacteristicsDiscovered{
				Peripheral: p,
				Service:    s,
				Err:        a.wrap(device.NormalizeError(err), "discover-characteristics", p, "failed to discover characteristics", "Could not read the device's characteristics."),
			})
			return
		}

		chars := make([]provision.Characteristic, 0, len(found))
		for _, c := range found {
			id, err := fromBLE(c.UUID)
			if err != nil {
				a.logger.WithError(err).WithField("char_uuid", c.UUID.String()).Warn("Skipping characteristic with malformed UUID")
				continue
			}
			l.characteristics.Set(charKey{service: s.UUID, char: id}, c)
			chars = append(chars, provision.Characteristic{Peripheral: p.ID, Service: s.UUID, UUID: id})
		}
		a.sink.Post(provision.CharacteristicsDiscovered{Peripheral: p, Service: s, Characteristics: chars})
	}, func(err error) provision.Event {
		return provision.CharacteristicsDiscovered{Peripheral: p, Service: s, Err: err}
	})
}

// WriteValue writes data to c and posts ValueWritten. A nil c is reported as not found.
func (a *Adapter) WriteValue(p provision.Peripheral, c *provision.Characteristic, data []byte, withResponse bool) {
	if c == nil {
		a.sink.Post(provision.ValueWritten{
			Peripheral: p,
			Err:        &device.NotFoundError{Resource: "characteristic"},
		})
		return
	}

	target := *c
	payload := append([]byte(nil), data...)
	a.withLink(p, "ble-write", func(l *link, client GATTClient) {
		bc, ok := l.characteristics.Get(charKey{service: target.Service, char: target.UUID})
		if !ok {
			a.sink.Post(provision.ValueWritten{
				Peripheral:     p,
				Characteristic: target,
				Err:            &device.NotFoundError{Resource: "characteristic", UUIDs: []string{target.Service.String(), target.UUID.String()}},
			})
			return
		}

		a.logger.WithFields(logrus.Fields{
			"address":       p.ID,
			"char_uuid":     target.UUID,
			"bytes":         len(payload),
			"with_response": withResponse,
		}).Debug("Writing characteristic")

		var werr error
		if err := client.WriteCharacteristic(bc, payload, !withResponse); err != nil {
			werr = a.wrap(device.NormalizeError(err), "write", p, "failed to write characteristic", "Could not write to the device.")
		}
		a.sink.Post(provision.ValueWritten{Peripheral: p, Characteristic: target, Err: werr})
	}, func(err error) provision.Event {
		return provision.ValueWritten{Peripheral: p, Characteristic: target, Err: err}
	})
}

// withLink runs op on a background goroutine holding the link lock. If p has no usable link,
// the error built by fail is posted instead.
func (a *Adapter) withLink(p provision.Peripheral, name string, op func(*link, GATTClient), fail func(error) provision.Event) {
	l, ok := a.links.Get(p.ID)
	if !ok {
		a.sink.Post(fail(&device.ConnectionError{State: device.NotConnected, Msg: p.ID}))
		return
	}

	groutine.GoLogged(a.ctx, a.logger, name, func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.client == nil || l.closed.Load() {
			a.sink.Post(fail(&device.ConnectionError{State: device.NotConnected, Msg: p.ID}))
			return
		}
		op(l, l.client)
	})
}

func (a *Adapter) wrap(err error, at string, p provision.Peripheral, internal, external string) error {
	kind := ftag.Internal
	switch {
	case errors.Is(err, device.ErrTimeout):
		kind = ftag.Cancelled
	case errors.Is(err, device.ErrNotConnected):
		kind = ftag.NotFound
	case errors.Is(err, device.ErrUnauthorized):
		kind = ftag.PermissionDenied
	}
	return fault.Wrap(err,
		fctx.With(a.ctx, "error_at", at, "address", p.ID),
		ftag.With(kind),
		fmsg.WithDesc(internal, fmt.Sprintf("%s (%s)", external, p)),
	)
}

// powerStateOf maps a normalised error to the power state it implies.
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
