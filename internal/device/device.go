package device

import (
	"strings"
	"time"
)

// TxPowerUnavailable is the advertised TX power level reported when the
// advertisement did not carry the field.
const TxPowerUnavailable = 127

// Advertisement is a single advertising report delivered by a scanning transport.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() string
}

// Device is a discovered peripheral as seen through its advertisements.
// It is a value type: the registry replaces entries instead of mutating them,
// so a Device returned from a snapshot is never modified afterwards.
type Device struct {
	ID               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	TxPower          *int      `json:"tx_power,omitempty"`
	RSSI             int       `json:"rssi"`
	Connectable      bool      `json:"connectable"`
	Services         []string  `json:"services,omitempty"`
	ManufacturerData []byte    `json:"manufacturer_data,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
}

// DisplayName returns the advertised name or the identifier when no name is known.
func (d Device) DisplayName() string {
	if d.Name == "" {
		return d.ID
	}
	return d.Name
}

// Clone returns a deep copy of the device.
func (d Device) Clone() Device {
	c := d
	if d.TxPower != nil {
		tx := *d.TxPower
		c.TxPower = &tx
	}
	if d.Services != nil {
		c.Services = append([]string(nil), d.Services...)
	}
	if d.ManufacturerData != nil {
		c.ManufacturerData = append([]byte(nil), d.ManufacturerData...)
	}
	return c
}

// CharacteristicRef identifies a characteristic inside a connected peripheral.
// Both UUIDs are stored in normalized form.
type CharacteristicRef struct {
	Service string `json:"service"`
	UUID    string `json:"uuid"`
}

// NewCharacteristicRef builds a reference from raw UUID strings.
func NewCharacteristicRef(service, uuid string) CharacteristicRef {
	return CharacteristicRef{Service: NormalizeUUID(service), UUID: NormalizeUUID(uuid)}
}

func (r CharacteristicRef) String() string {
	if r.Service == "" {
		return r.UUID
	}
	return r.Service + "/" + r.UUID
}

// Characteristic is a GATT characteristic discovered on a peripheral.
type Characteristic struct {
	UUID       string     `json:"uuid"`
	Service    string     `json:"service"`
	KnownName  string     `json:"known_name,omitempty"`
	Properties Properties `json:"properties"`
	Value      []byte     `json:"value,omitempty"`
	Subscribed bool       `json:"subscribed"`
}

// Ref returns the characteristic identity.
func (c Characteristic) Ref() CharacteristicRef {
	return CharacteristicRef{Service: c.Service, UUID: c.UUID}
}

// Service is a GATT service with its characteristics in discovery order.
type Service struct {
	UUID            string           `json:"uuid"`
	KnownName       string           `json:"known_name,omitempty"`
	Characteristics []Characteristic `json:"characteristics"`
}

// CloneServices deep-copies a discovered service tree.
func CloneServices(services []Service) []Service {
	if services == nil {
		return nil
	}
	out := make([]Service, len(services))
	for i, svc := range services {
		out[i] = svc
		out[i].Characteristics = make([]Characteristic, len(svc.Characteristics))
		for j, ch := range svc.Characteristics {
			out[i].Characteristics[j] = ch
			if ch.Value != nil {
				out[i].Characteristics[j].Value = append([]byte(nil), ch.Value...)
			}
		}
	}
	return out
}

// FindCharacteristic looks a characteristic up in a service tree.
// An empty ref.Service resolves the characteristic across all services and
// fails when the UUID is ambiguous.
func FindCharacteristic(services []Service, ref CharacteristicRef) (*Characteristic, error) {
	if ref.Service != "" {
		for i := range services {
			if services[i].UUID != ref.Service {
				continue
			}
			for j := range services[i].Characteristics {
				if services[i].Characteristics[j].UUID == ref.UUID {
					return &services[i].Characteristics[j], nil
				}
			}
			return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{ref.Service, ref.UUID}}
		}
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{ref.Service}}
	}

	var found *Characteristic
	var owners []string
	for i := range services {
		for j := range services[i].Characteristics {
			if services[i].Characteristics[j].UUID == ref.UUID {
				found = &services[i].Characteristics[j]
				owners = append(owners, services[i].UUID)
			}
		}
	}
	switch len(owners) {
	case 0:
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{ref.UUID}}
	case 1:
		return found, nil
	default:
		return nil, &Error{
			Kind:   KindState,
			Reason: ReasonAmbiguous,
			Msg:    "characteristic " + ref.UUID + " found in services " + strings.Join(owners, ", "),
		}
	}
}
