package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blescope/internal/device"
)

// toProperties converts go-ble property flags into device.Properties. The bit
// layouts match, the explicit mapping keeps the two packages decoupled.
func toProperties(p ble.Property) device.Properties {
	var props device.Properties
	if p&ble.CharBroadcast != 0 {
		props |= device.PropBroadcast
	}
	if p&ble.CharRead != 0 {
		props |= device.PropRead
	}
	if p&ble.CharWriteNR != 0 {
		props |= device.PropWriteNR
	}
	if p&ble.CharWrite != 0 {
		props |= device.PropWrite
	}
	if p&ble.CharNotify != 0 {
		props |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		props |= device.PropIndicate
	}
	if p&ble.CharSignedWrite != 0 {
		props |= device.PropSignedWrite
	}
	if p&ble.CharExtended != 0 {
		props |= device.PropExtended
	}
	return props
}
