package device

import (
	"context"

	"github.com/google/uuid"
)

// RequestID correlates an asynchronous completion with the request that started it.
type RequestID string

// NewRequestID returns a fresh random request identifier.
func NewRequestID() RequestID {
	return RequestID(uuid.NewString())
}

// Short returns the first eight characters, enough to tell requests apart in logs.
func (id RequestID) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// Scanner represents a BLE radio capable of scanning for advertisements.
// Scan blocks, delivering reports to handler until ctx is done.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Central is the client-role capability of the Bluetooth transport.
// Peers are addressed by identifier; the transport owns the live handles.
type Central interface {
	Scanner

	// Connect establishes a link. onLost is invoked at most once, from a
	// transport goroutine, if the link drops after Connect returned nil.
	Connect(ctx context.Context, address string, onLost func(reason error)) error
	Disconnect(address string) error
	DiscoverServices(ctx context.Context, address string) ([]Service, error)

	Read(ctx context.Context, address string, ref CharacteristicRef) ([]byte, error)
	Write(ctx context.Context, address string, ref CharacteristicRef, data []byte, withResponse bool) error

	// Subscribe registers for notifications (or indications when indicate is
	// set). handler runs on a transport goroutine for every value pushed.
	Subscribe(ctx context.Context, address string, ref CharacteristicRef, indicate bool, handler func([]byte)) error
	Unsubscribe(ctx context.Context, address string, ref CharacteristicRef, indicate bool) error
}

// SubscriberID identifies one remote client subscription to one served characteristic.
type SubscriberID string

// AttributeSpec describes one characteristic exposed in server mode.
type AttributeSpec struct {
	UUID       string
	Properties Properties
	Value      []byte
}

// AttributeSet is the simulated peripheral profile: one primary service and its characteristics.
type AttributeSet struct {
	Name            string
	Service         string
	Characteristics []AttributeSpec
}

// PeripheralRequestKind enumerates requests remote clients make against the served profile.
type PeripheralRequestKind int

const (
	RequestRead PeripheralRequestKind = iota
	RequestWrite
	RequestSubscribe
	RequestUnsubscribe
)

func (k PeripheralRequestKind) String() string {
	switch k {
	case RequestRead:
		return "read"
	case RequestWrite:
		return "write"
	case RequestSubscribe:
		return "subscribe"
	case RequestUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// PeripheralRequest is delivered by the transport for every incoming server-side request.
// Read requests carry a Reply channel (capacity 1) that must receive the value to return.
type PeripheralRequest struct {
	Kind           PeripheralRequestKind
	Subscriber     SubscriberID
	Remote         string
	Characteristic string
	Data           []byte
	Reply          chan<- []byte
}

// Peripheral is the server-role capability of the Bluetooth transport.
type Peripheral interface {
	// Advertise registers set and starts advertising it. Requests are
	// delivered to sink from transport goroutines until advertising stops.
	Advertise(ctx context.Context, set AttributeSet, sink func(PeripheralRequest)) error
	StopAdvertising() error
	PushNotification(subscriber SubscriberID, characteristic string, data []byte) error
}

// Transport combines both roles of a single Bluetooth adapter.
type Transport interface {
	Central
	Peripheral
}
