package testutils

import (
	"github.com/srg/blescope/internal/device"
)

// Advertisement is a plain device.Advertisement for tests.
type Advertisement struct {
	Name          string
	Address       string
	RSSIValue     int
	ServiceIDs    []string
	ManufData     []byte
	TxPower       int
	IsConnectable bool
}

func (a *Advertisement) LocalName() string        { return a.Name }
func (a *Advertisement) ManufacturerData() []byte { return a.ManufData }
func (a *Advertisement) Services() []string       { return a.ServiceIDs }
func (a *Advertisement) TxPowerLevel() int        { return a.TxPower }
func (a *Advertisement) Connectable() bool        { return a.IsConnectable }
func (a *Advertisement) RSSI() int                { return a.RSSIValue }
func (a *Advertisement) Addr() string             { return a.Address }

// AdvertisementBuilder builds advertisements for testing with a fluent API.
// TX power defaults to "not advertised".
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement without TX power.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{TxPower: device.TxPowerUnavailable, IsConnectable: true}}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSIValue = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceIDs = append(b.adv.ServiceIDs, uuids...)
	return b
}

// WithManufacturerData sets the manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.ManufData = data
	return b
}

// WithTxPower sets the transmission power level.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.TxPower = power
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.IsConnectable = c
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() *Advertisement {
	adv := b.adv
	adv.ServiceIDs = append([]string(nil), b.adv.ServiceIDs...)
	return &adv
}
