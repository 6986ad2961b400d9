// Package core contains the engine's domain types and the interfaces
// its adapters implement. No transport or hardware logic lives here.
package core

type (
	// CallID correlates every signaling message of one call attempt.
	// It is opaque to the engine; the signaling layer supplies it.
	CallID string

	// PeerID addresses signaling messages to the remote participant.
	PeerID string
)

// Role tells which side of the offer/answer exchange this client is on.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "unknown"
	}
}

// CallStatus is the single authoritative state of the call, observed by
// the UI layer. Every transition goes through the Session dispatch.
type CallStatus int

const (
	StatusIdle CallStatus = iota
	StatusWarmingUp
	StatusCalling
	StatusRinging
	StatusNegotiating
	StatusConnected
	StatusReconnecting
	StatusFailed
	StatusEnded
)

func (s CallStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWarmingUp:
		return "warming_up"
	case StatusCalling:
		return "calling"
	case StatusRinging:
		return "ringing"
	case StatusNegotiating:
		return "negotiating"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Terminal reports whether a session in this state no longer owns any
// live resources. The single-active-session guard only blocks while the
// current session is non-terminal.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusIdle, StatusFailed, StatusEnded:
		return true
	default:
		return false
	}
}
