package gatt

import "github.com/srg/blescope/internal/device"

// Completion is what a session hands back to the loop after handling an
// async result, so a waiting caller can be resolved. An empty Request means
// nobody is waiting (stale results, notifications, peripheral requests).
type Completion struct {
	Request device.RequestID
	Data    []byte
	Err     error
}

type ReadResult struct {
	Address string
	Ref     device.CharacteristicRef
	Request device.RequestID
	Data    []byte
	Err     error
}

type WriteResult struct {
	Address string
	Ref     device.CharacteristicRef
	Request device.RequestID
	Data    []byte
	Err     error
}

type SubscribeResult struct {
	Address   string
	Ref       device.CharacteristicRef
	Request   device.RequestID
	Subscribe bool
	Err       error
}

// Notification is a value pushed by the connected peripheral.
type Notification struct {
	Address string
	Ref     device.CharacteristicRef
	Data    []byte
}

// AdvertiseResult reports whether the transport started advertising.
type AdvertiseResult struct {
	Request device.RequestID
	Err     error
}

// ServerRequest is a remote client request against the served profile.
type ServerRequest struct {
	device.PeripheralRequest
}
