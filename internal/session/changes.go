package session

// ChangeKind names the part of the session a change touched.
type ChangeKind int

const (
	ChangeDevices ChangeKind = iota
	ChangeScan
	ChangeConnection
	ChangeLog
	ChangeMode
	ChangeServer
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeDevices:
		return "devices"
	case ChangeScan:
		return "scan"
	case ChangeConnection:
		return "connection"
	case ChangeLog:
		return "log"
	case ChangeMode:
		return "mode"
	case ChangeServer:
		return "server"
	default:
		return "unknown"
	}
}

// Change tells the presentation layer which snapshot to re-read.
// Seq is the log sequence number for ChangeLog.
type Change struct {
	Kind ChangeKind
	Seq  uint64
}
