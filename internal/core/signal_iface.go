package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// SignalSender is the outbound half of the signaling boundary. Delivery,
// reconnection and channel auth are owned by the transport; the engine
// never retries a failed send.
type SignalSender interface {
	SendOffer(ctx context.Context, to PeerID, callID CallID, sdp webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, to PeerID, sdp webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, to PeerID, cand webrtc.ICECandidateInit) error
	SendEnd(ctx context.Context, to PeerID, callID CallID, reason string) error
	SendReject(ctx context.Context, to PeerID, callID CallID, reason string) error
}

// SignalEvent is one inbound signaling message. The closed set of event
// types below is consumed through the engine's single dispatch entry
// point; transports construct these, nothing else.
type SignalEvent interface{ signalEvent() }

// AnswerEvent carries the callee's SDP answer.
type AnswerEvent struct {
	From PeerID
	SDP  webrtc.SessionDescription
}

// CandidateEvent carries one trickled ICE candidate.
type CandidateEvent struct {
	From      PeerID
	Candidate webrtc.ICECandidateInit
}

// EndedEvent reports a remote-initiated termination.
type EndedEvent struct {
	From   PeerID
	CallID CallID
}

// RejectedEvent reports that the remote party declined the call.
type RejectedEvent struct {
	From   PeerID
	CallID CallID
	Reason string
}

// ErrorEvent reports a transport-level error message.
type ErrorEvent struct {
	Message string
}

func (AnswerEvent) signalEvent()    {}
func (CandidateEvent) signalEvent() {}
func (EndedEvent) signalEvent()     {}
func (RejectedEvent) signalEvent()  {}
func (ErrorEvent) signalEvent()     {}
