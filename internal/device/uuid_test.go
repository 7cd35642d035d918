package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUIDDelegatesToBledb(t *testing.T) {
	assert.Equal(t, "180d", NormalizeUUID("0000180D-0000-1000-8000-00805F9B34FB"))
	assert.Equal(t, []string{"2a19", "6e400003b5a3f393e0a9e50e24dcca9e"},
		NormalizeUUIDs([]string{"0x2A19", "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"}))
}

func TestValidateUUID(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    []string
		wantErr string
	}{
		{name: "16-bit", input: []string{"180D"}, want: []string{"180d"}},
		{name: "32-bit", input: []string{"0000180d"}, want: []string{"0000180d"}},
		{name: "128-bit SIG base", input: []string{"00002a37-0000-1000-8000-00805f9b34fb"}, want: []string{"2a37"}},
		{name: "128-bit custom", input: []string{"6e400001-b5a3-f393-e0a9-e50e24dcca9e"}, want: []string{"6e400001b5a3f393e0a9e50e24dcca9e"}},
		{name: "several", input: []string{"180d", "180F"}, want: []string{"180d", "180f"}},
		{name: "none", wantErr: "at least one UUID is required"},
		{name: "empty", input: []string{"180d", ""}, wantErr: "UUID at index 1 cannot be empty"},
		{name: "bad length", input: []string{"18d"}, wantErr: "invalid UUID format at index 0"},
		{name: "not hex", input: []string{"zzzz"}, wantErr: "invalid UUID format at index 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateUUID(tt.input...)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "180d", ShortenUUID("180d"))
	assert.Equal(t, "6e400001", ShortenUUID("6e400001b5a3f393e0a9e50e24dcca9e"))
}

func TestKnownNames(t *testing.T) {
	assert.Equal(t, "Battery Service", KnownServiceName("180F"))
	assert.Equal(t, "Battery Level", KnownCharacteristicName("00002a19-0000-1000-8000-00805f9b34fb"))
	assert.Empty(t, KnownServiceName("ffff"))
}
