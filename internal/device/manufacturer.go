package device

import (
	"encoding/binary"

	"github.com/srg/blescope/internal/bledb"
)

// ManufacturerInfo is advertised manufacturer-specific data split into the
// company identifier and its payload.
type ManufacturerInfo struct {
	CompanyID   uint16
	CompanyName string
	Payload     []byte
}

// ParseManufacturerData splits raw manufacturer data. The first two bytes carry
// the company identifier (little-endian). Returns false when data is too short.
func ParseManufacturerData(data []byte) (ManufacturerInfo, bool) {
	if len(data) < 2 {
		return ManufacturerInfo{}, false
	}
	id := binary.LittleEndian.Uint16(data[:2])
	return ManufacturerInfo{
		CompanyID:   id,
		CompanyName: bledb.LookupCompany(id),
		Payload:     data[2:],
	}, true
}
