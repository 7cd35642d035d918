package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blescope/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "boom"},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), "operation timed out"},
		{"bluetooth off", device.TransportFailure("connect", device.ErrBluetoothOff), "Bluetooth is turned off or unavailable"},
		{"timeout", device.NewError(device.KindTransport, device.ReasonTimeout, "connect", ""), "connect timed out"},
		{"not ready", device.NewError(device.KindState, device.ReasonNotReady, "read", "connection is Disconnected"), "no device is connected (use 'connect <address>' first)"},
		{"wrong mode", device.NewError(device.KindState, device.ReasonWrongMode, "advertise", "requires server mode"), "advertise is not available in this mode (use 'mode client' or 'mode server')"},
		{"busy", device.NewError(device.KindBusy, "", "connect", "another device is active: AA"), "connect rejected: another device is active: AA"},
		{"encoding", &device.Error{Kind: device.KindEncoding, Op: "decode", Msg: "invalid hex input"}, "invalid input: invalid hex input"},
		{"not found", &device.NotFoundError{Resource: "characteristic", UUIDs: []string{"2a19"}}, `characteristic "2a19" not found`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}
