package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blescope/internal/device"
)

// FormatUserError turns an error into a single line suitable for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var nf *device.NotFoundError
	if errors.As(err, &nf) {
		return nf.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "operation timed out"
	}

	var de *device.Error
	if !errors.As(err, &de) {
		return err.Error()
	}
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable"
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("%s timed out", opName(de))
	case errors.Is(err, device.ErrNotReady):
		return "no device is connected (use 'connect <address>' first)"
	case errors.Is(err, device.ErrWrongMode):
		return fmt.Sprintf("%s is not available in this mode (use 'mode client' or 'mode server')", opName(de))
	case errors.Is(err, device.ErrSwitching):
		return "a mode switch is in progress, try again in a moment"
	case errors.Is(err, device.ErrBusy):
		return fmt.Sprintf("%s rejected: %s", opName(de), detail(de))
	case errors.Is(err, device.ErrEncoding):
		return fmt.Sprintf("invalid input: %s", detail(de))
	}
	return err.Error()
}

func opName(e *device.Error) string {
	if e.Op == "" {
		return "operation"
	}
	return e.Op
}

func detail(e *device.Error) string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}
