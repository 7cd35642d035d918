package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"180D", "180d"},
		{"0x2A19", "2a19"},
		{" {0000180f-0000-1000-8000-00805F9B34FB} ", "180f"},
		{"0000180f00001000800000805f9b34fb", "180f"},
		{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},
		// Not the SIG base: kept at full length.
		{"0000180f-1234-5678-9abc-def012345678", "0000180f123456789abcdef012345678"},
		{"aa00180f-0000-1000-8000-00805f9b34fb", "aa00180f00001000800000805f9b34fb"},
		{"0000180f", "0000180f"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	assert.Nil(t, NormalizeUUIDs(nil))
	assert.Equal(t, []string{"180d", "2a37"}, NormalizeUUIDs([]string{"180D", "00002a37-0000-1000-8000-00805f9b34fb"}))
}

func TestLookups(t *testing.T) {
	assert.Equal(t, "Heart Rate", LookupService("0000180D-0000-1000-8000-00805F9B34FB"))
	assert.Equal(t, "Nordic UART Service", LookupService("6e400001-b5a3-f393-e0a9-e50e24dcca9e"))
	assert.Equal(t, "Battery Level", LookupCharacteristic("2A19"))
	assert.Empty(t, LookupService("ffff"))
	assert.Empty(t, LookupCharacteristic("ffff"))
}

func TestLookupDescriptorAndCompany(t *testing.T) {
	assert.Equal(t, "Client Characteristic Configuration", LookupDescriptor("2902"))
	assert.Empty(t, LookupDescriptor("ffff"))
	assert.Equal(t, "Apple, Inc.", LookupCompany(0x004c))
	assert.Empty(t, LookupCompany(0xfffe))
}
