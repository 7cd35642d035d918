package connection

import (
	"fmt"
	"time"

	"github.com/srg/blescope/internal/device"
)

// State is the lifecycle state of the single active connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDiscovering
	StateReady
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDiscovering:
		return "Discovering"
	case StateReady:
		return "Ready"
	case StateDisconnecting:
		return "Disconnecting"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Active reports whether the state holds (or is acquiring) a link.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateDiscovering || s == StateReady
}

// Policy decides what a connect request does while another target is active.
type Policy string

const (
	// PolicyReject fails the request with a busy error.
	PolicyReject Policy = "reject"
	// PolicyReplace disconnects the current target, then connects the new one.
	PolicyReplace Policy = "replace"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyReject, PolicyReplace:
		return Policy(s), nil
	case "":
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q (expected %q or %q)", s, PolicyReject, PolicyReplace)
	}
}

// Snapshot is a detached copy of the connection state for presentation.
// Address holds the last target even once Disconnected.
type Snapshot struct {
	Address  string
	State    State
	Reason   error
	Request  device.RequestID
	Since    time.Time
	Services []device.Service
}

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Services = device.CloneServices(s.Services)
	return c
}
