package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blescope/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string        { return a.adv.LocalName() }
func (a *BLEAdvertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *BLEAdvertisement) TxPowerLevel() int        { return a.adv.TxPowerLevel() }
func (a *BLEAdvertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int                { return a.adv.RSSI() }

func (a *BLEAdvertisement) Addr() string {
	if a.adv.Addr() == nil {
		return ""
	}
	return a.adv.Addr().String()
}

// Services returns advertised service UUIDs, including the overflow area, normalized.
func (a *BLEAdvertisement) Services() []string {
	svcs := a.adv.Services()
	overflow := a.adv.OverflowService()
	if len(svcs)+len(overflow) == 0 {
		return nil
	}
	result := make([]string, 0, len(svcs)+len(overflow))
	for _, u := range svcs {
		result = append(result, device.NormalizeUUID(u.String()))
	}
	for _, u := range overflow {
		result = append(result, device.NormalizeUUID(u.String()))
	}
	return result
}
