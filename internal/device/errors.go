package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic", "attribute"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ErrorKind classifies every error the core surfaces to the presentation layer.
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport_error"
	KindProtocol   ErrorKind = "protocol_error"
	KindPermission ErrorKind = "permission_error"
	KindEncoding   ErrorKind = "encoding_error"
	KindState      ErrorKind = "state_error"
	KindBusy       ErrorKind = "busy_error"
)

// Reasons refine a kind; errors.Is matches on them when the target carries one.
const (
	ReasonTimeout         = "timeout"
	ReasonBluetoothOff    = "bluetooth_off"
	ReasonLinkLost        = "link_lost"
	ReasonNotReadable     = "not_readable"
	ReasonNotWritable     = "not_writable"
	ReasonNotSubscribable = "not_subscribable"
	ReasonNotReady        = "not_ready"
	ReasonWrongMode       = "wrong_mode"
	ReasonSwitching       = "mode_switch_pending"
	ReasonAmbiguous       = "ambiguous"
	ReasonInFlight        = "in_flight"
)

// Error is the typed error value returned by all core operations.
type Error struct {
	Kind   ErrorKind
	Reason string
	Op     string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(e.Reason)
		b.WriteString(")")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind and, if set on the target, by Reason
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Predefined sentinel errors
var (
	ErrTransport    = &Error{Kind: KindTransport}
	ErrTimeout      = &Error{Kind: KindTransport, Reason: ReasonTimeout}
	ErrBluetoothOff = &Error{Kind: KindTransport, Reason: ReasonBluetoothOff, Msg: "bluetooth is turned off"}
	ErrLinkLost     = &Error{Kind: KindTransport, Reason: ReasonLinkLost}
	ErrProtocol     = &Error{Kind: KindProtocol}

	ErrPermission      = &Error{Kind: KindPermission}
	ErrNotReadable     = &Error{Kind: KindPermission, Reason: ReasonNotReadable}
	ErrNotWritable     = &Error{Kind: KindPermission, Reason: ReasonNotWritable}
	ErrNotSubscribable = &Error{Kind: KindPermission, Reason: ReasonNotSubscribable}

	ErrEncoding = &Error{Kind: KindEncoding}

	ErrState     = &Error{Kind: KindState}
	ErrNotReady  = &Error{Kind: KindState, Reason: ReasonNotReady}
	ErrWrongMode = &Error{Kind: KindState, Reason: ReasonWrongMode}
	ErrSwitching = &Error{Kind: KindState, Reason: ReasonSwitching}

	ErrBusy = &Error{Kind: KindBusy}
)

// NewError builds a typed error for an operation.
func NewError(kind ErrorKind, reason, op, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Op: op, Msg: msg}
}

// TransportFailure wraps a transport-level failure, mapping context deadlines to timeouts.
// Errors that already carry a kind are returned with the op attached.
func TransportFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	var derr *Error
	if errors.As(err, &derr) {
		if derr.Op != "" {
			return err
		}
		c := *derr
		c.Op = op
		return &c
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransport, Reason: ReasonTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// KindOf reports the kind of err, or "" when err is not a typed error.
func KindOf(err error) ErrorKind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return ""
}
