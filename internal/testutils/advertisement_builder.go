package testutils

import (
	"github.com/go-ble/ble"
)

// Advertisement is a canned ble.Advertisement.
type Advertisement struct {
	name        string
	addr        ble.Addr
	rssi        int
	services    []ble.UUID
	overflow    []ble.UUID
	manufData   []byte
	txPower     int
	connectable bool
}

func (a *Advertisement) LocalName() string              { return a.name }
func (a *Advertisement) ManufacturerData() []byte       { return a.manufData }
func (a *Advertisement) ServiceData() []ble.ServiceData { return nil }
func (a *Advertisement) Services() []ble.UUID           { return a.services }
func (a *Advertisement) OverflowService() []ble.UUID    { return a.overflow }
func (a *Advertisement) TxPowerLevel() int              { return a.txPower }
func (a *Advertisement) Connectable() bool              { return a.connectable }
func (a *Advertisement) SolicitedService() []ble.UUID   { return nil }
func (a *Advertisement) RSSI() int                      { return a.rssi }
func (a *Advertisement) Addr() ble.Addr                 { return a.addr }

// AdvertisementBuilder builds canned BLE advertisements for testing.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement with RSSI -50.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{
		addr:        ble.NewAddr("00:00:00:00:00:00"),
		rssi:        -50,
		connectable: true,
	}}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.addr = ble.NewAddr(addr)
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.rssi = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	for _, u := range uuids {
		b.adv.services = append(b.adv.services, ble.MustParse(u))
	}
	return b
}

// WithOverflowServices adds UUIDs to the overflow area (iOS background advertising).
func (b *AdvertisementBuilder) WithOverflowServices(uuids ...string) *AdvertisementBuilder {
	for _, u := range uuids {
		b.adv.overflow = append(b.adv.overflow, ble.MustParse(u))
	}
	return b
}

// WithManufacturerData sets the manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.manufData = data
	return b
}

// WithTxPower sets the transmission power level.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.txPower = power
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.connectable = c
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() *Advertisement {
	adv := b.adv
	return &adv
}
