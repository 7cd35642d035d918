// Package bledb resolves Bluetooth SIG assigned numbers to human-readable names
// and normalizes UUID strings into the form used throughout blescope.
package bledb

import "strings"

// sigBaseSuffix is the Bluetooth SIG base UUID 0000xxxx-0000-1000-8000-00805f9b34fb
// without the 16-bit slot and without dashes.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal form: lowercase, no
// dashes, braces or 0x prefix. Full 128-bit UUIDs built on the Bluetooth SIG
// base are shortened to their 16-bit form ("0000180d-0000-1000-8000-00805f9b34fb" -> "180d").
func NormalizeUUID(uuid string) string {
	s := strings.TrimSpace(uuid)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	s = strings.ToLower(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// LookupService returns the assigned name of a GATT service, or "" if unknown.
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the assigned name of a GATT characteristic, or "" if unknown.
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the assigned name of a GATT descriptor, or "" if unknown.
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

// LookupCompany returns the name of a Bluetooth SIG company identifier, or "" if unknown.
func LookupCompany(id uint16) string {
	return companies[id]
}
