package device

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Properties is the characteristic property bitset.
// Bit values follow the Characteristic Properties field of the Bluetooth core
// specification, which is also what go-ble reports.
type Properties uint8

const (
	PropBroadcast   Properties = 0x01
	PropRead        Properties = 0x02
	PropWriteNR     Properties = 0x04
	PropWrite       Properties = 0x08
	PropNotify      Properties = 0x10
	PropIndicate    Properties = 0x20
	PropSignedWrite Properties = 0x40
	PropExtended    Properties = 0x80
)

var propertyNames = []struct {
	prop Properties
	name string
}{
	{PropBroadcast, "Broadcast"},
	{PropRead, "Read"},
	{PropWriteNR, "WriteWithoutResponse"},
	{PropWrite, "Write"},
	{PropNotify, "Notify"},
	{PropIndicate, "Indicate"},
	{PropSignedWrite, "AuthenticatedSignedWrites"},
	{PropExtended, "ExtendedProperties"},
}

// Has reports whether all bits of p2 are set.
func (p Properties) Has(p2 Properties) bool {
	return p&p2 == p2
}

func (p Properties) CanRead() bool {
	return p&PropRead != 0
}

// CanWrite reports whether any write flavour is declared.
func (p Properties) CanWrite() bool {
	return p&(PropWrite|PropWriteNR) != 0
}

// CanSubscribe reports whether notify or indicate is declared.
func (p Properties) CanSubscribe() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// Names returns the human-readable property names in bit order.
func (p Properties) Names() []string {
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p&pn.prop != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Properties) String() string {
	if p == 0 {
		return "None"
	}
	return strings.Join(p.Names(), ", ")
}

// MarshalJSON renders the property names instead of the raw bitset.
func (p Properties) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Names())
}

// ParseProperties parses a comma separated property list such as "read,write,notify".
func ParseProperties(s string) (Properties, error) {
	var p Properties
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch part {
		case "":
			continue
		case "broadcast":
			p |= PropBroadcast
		case "read":
			p |= PropRead
		case "write-without-response", "writewithoutresponse", "write_nr", "writenr":
			p |= PropWriteNR
		case "write":
			p |= PropWrite
		case "notify":
			p |= PropNotify
		case "indicate":
			p |= PropIndicate
		case "signed-write", "authenticatedsignedwrites":
			p |= PropSignedWrite
		case "extended", "extendedproperties":
			p |= PropExtended
		default:
			return 0, fmt.Errorf("unknown characteristic property %q", part)
		}
	}
	return p, nil
}
