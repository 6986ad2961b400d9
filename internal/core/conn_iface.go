package core

import "github.com/pion/webrtc/v4"

// RemoteTrack is a read-only handle on a track owned by the underlying
// connection. The session references it, never stops it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() TrackKind
}

// MediaConnection is the negotiated peer connection object. Exclusively
// owned by one Session (or, pre-negotiated, by the warm pool slot);
// never shared between sessions.
type MediaConnection interface {
	// AttachStream adds every local track to the connection. Must be
	// called before the offer/answer is created.
	AttachStream(MediaStream) error

	// CreateAndSetOffer generates an SDP offer and installs it as the
	// local description, which starts ICE gathering.
	CreateAndSetOffer() (webrtc.SessionDescription, error)
	// CreateAndSetAnswer generates an SDP answer for a previously set
	// remote offer and installs it as the local description.
	CreateAndSetAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(webrtc.ICECandidateInit) error

	// ReplaceVideoTrack swaps the outbound video sender's track without
	// renegotiating. No-op (not an error) on a closed connection.
	ReplaceVideoTrack(MediaTrack) error

	// GatheringComplete is closed once ICE gathering finishes for the
	// current local description.
	GatheringComplete() <-chan struct{}

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnICEStateChange(func(webrtc.ICEConnectionState))
	OnRemoteTrack(func(RemoteTrack))

	// DetachHandlers clears every callback so nothing fires after the
	// session has torn the connection down.
	DetachHandlers()

	// Close releases the connection. Idempotent.
	Close()
	IsClosed() bool
}

// ConnectionFactory builds fresh connection objects. A pooled connection
// is never reused for a real call; the factory is always asked again.
type ConnectionFactory interface {
	New() (MediaConnection, error)
}
