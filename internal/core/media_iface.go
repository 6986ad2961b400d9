package core

import (
	"context"
	"image"
)

// TrackKind distinguishes the two media kinds a stream can carry.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaConstraints is the capture request handed to the provider.
// Fields the underlying stack cannot honor are best-effort.
type MediaConstraints struct {
	Width            int
	Height           int
	FrameRate        int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultMediaConstraints targets 720p with audio processing enabled.
func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{
		Width:            1280,
		Height:           720,
		FrameRate:        30,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// MediaTrack is one local capture track. Owned exclusively by whoever
// acquired the stream (WarmPool slot or Session).
type MediaTrack interface {
	ID() string
	Kind() TrackKind
	// Enabled reports the soft mute flag.
	Enabled() bool
	SetEnabled(bool)
	// Stop releases the underlying capture. Idempotent.
	Stop()
}

// MediaStream is an ordered set of local tracks acquired together.
type MediaStream interface {
	Tracks() []MediaTrack
	// FirstTrack returns the first track of the given kind, if any.
	FirstTrack(TrackKind) (MediaTrack, bool)
	// Stop stops every track. Idempotent.
	Stop()
}

// VideoReader yields decoded frames from a video track. release must be
// called once the frame is no longer referenced.
type VideoReader interface {
	Read() (img image.Image, release func(), err error)
}

// FrameReader is implemented by video tracks whose raw frames can be
// intercepted. The frame pipeline needs it to re-render the capture.
type FrameReader interface {
	Frames() (VideoReader, error)
}

// MediaProvider acquires camera+microphone capture and builds derived
// outbound tracks for the frame pipeline.
type MediaProvider interface {
	// Acquire requests capture matching the constraints. Fails with
	// *DeviceError on permission denial or hardware absence.
	Acquire(ctx context.Context, c MediaConstraints) (MediaStream, error)
	// RenderTrack wraps a frame source into a new sendable video track.
	RenderTrack(src VideoReader) (MediaTrack, error)
}
