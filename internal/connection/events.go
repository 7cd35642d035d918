package connection

import "github.com/srg/blescope/internal/device"

// Events below are posted by the manager's async work and fed back to
// Manager.Handle by the session loop. Request ties each one to the
// request that started it; mismatches are discarded as stale.

type ConnectResult struct {
	Address string
	Request device.RequestID
	Err     error
}

type DiscoveryResult struct {
	Address  string
	Request  device.RequestID
	Services []device.Service
	Err      error
}

type DisconnectDone struct {
	Address string
	Request device.RequestID
	Err     error
}

// SettleExpired ends the display window of a Failed connection.
type SettleExpired struct {
	Address string
	Request device.RequestID
}

// LinkLost is reported by the transport when the peripheral drops the link.
type LinkLost struct {
	Address string
	Request device.RequestID
	Reason  error
}
