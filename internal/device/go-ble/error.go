package goble

import (
	"context"
	"strings"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	"github.com/srg/blescope/internal/device"
)

// NormalizeError maps known go-ble failures onto the device error taxonomy.
// Platform messages are matched loosely so minor upstream wording changes still map.
// The original error is kept as the cause.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var derr *device.Error
	if errors.As(err, &derr) {
		return err
	}

	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		switch attErr {
		case ble.ErrReadNotPerm, ble.ErrWriteNotPerm, ble.ErrAuthentication, ble.ErrAuthorization:
			return &device.Error{Kind: device.KindPermission, Msg: "peer refused the operation", Err: err}
		case ble.ErrInvalidPDU, ble.ErrInvalAttrValueLen, ble.ErrInvalidOffset:
			return &device.Error{Kind: device.KindProtocol, Msg: "malformed exchange", Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &device.Error{Kind: device.KindTransport, Reason: device.ReasonTimeout, Err: err}
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return &device.Error{Kind: device.KindTransport, Reason: device.ReasonBluetoothOff, Msg: "bluetooth is turned off", Err: err}
	case containsIgnoreCase(msg, "bluetooth is turned off"), containsIgnoreCase(msg, "powered off"):
		return &device.Error{Kind: device.KindTransport, Reason: device.ReasonBluetoothOff, Msg: "bluetooth is turned off", Err: err}
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return &device.Error{Kind: device.KindTransport, Reason: device.ReasonLinkLost, Err: err}
	case containsIgnoreCase(msg, "timeout"), containsIgnoreCase(msg, "timed out"):
		return &device.Error{Kind: device.KindTransport, Reason: device.ReasonTimeout, Err: err}
	default:
		return &device.Error{Kind: device.KindTransport, Err: err}
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
