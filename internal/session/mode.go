package session

import (
	"fmt"
	"strings"
)

// Mode is the process-wide operating role.
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "client" or "server".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client", "c":
		return ModeClient, nil
	case "server", "s":
		return ModeServer, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (expected client or server)", s)
	}
}
