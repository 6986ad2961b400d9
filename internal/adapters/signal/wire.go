// Package signal is the websocket signaling transport: the outbound
// sender the engine calls and the inbound event feed it subscribes to.
// Delivery guarantees, reconnection and channel auth are out of scope
// here; the engine assumes at-least-once, per-sender-ordered delivery.
package signal

import "github.com/pion/webrtc/v4"

const (
	typeOffer     = "offer"
	typeAnswer    = "answer"
	typeCandidate = "ice-candidate"
	typeEnd       = "end"
	typeReject    = "reject"
	typeEnded     = "ended"
	typeRejected  = "rejected"
	typeError     = "error"
)

// envelope is the wire format shared by client and relay. Outbound
// messages carry `to`; the relay rewrites it to `from` on delivery.
type envelope struct {
	Type      string                     `json:"type"`
	To        string                     `json:"to,omitempty"`
	From      string                     `json:"from,omitempty"`
	CallID    string                     `json:"callId,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
	EndedBy   string                     `json:"endedBy,omitempty"`
	Message   string                     `json:"message,omitempty"`
}
