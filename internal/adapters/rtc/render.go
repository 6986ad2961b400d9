package rtc

import (
	"image"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/video"

	"github.com/avolkov/dialtone/internal/core"
)

// videoReader adapts a mediadevices video.Reader to core.VideoReader.
type videoReader struct {
	r video.Reader
}

func (v videoReader) Read() (image.Image, func(), error) {
	return v.r.Read()
}

// renderSource feeds a core.VideoReader into mediadevices as a custom
// video source, so the transformed frames get encoded like any capture.
type renderSource struct {
	id  string
	src core.VideoReader

	once   sync.Once
	closed chan struct{}
}

func newRenderSource(src core.VideoReader) *renderSource {
	return &renderSource{
		id:     uuid.NewString(),
		src:    src,
		closed: make(chan struct{}),
	}
}

func (s *renderSource) ID() string { return s.id }

func (s *renderSource) Read() (image.Image, func(), error) {
	select {
	case <-s.closed:
		return nil, nil, io.EOF
	default:
	}
	return s.src.Read()
}

func (s *renderSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// RenderTrack wraps a frame source into a new sendable video track.
// Stopping the returned track closes the source, which ends the encode
// loop.
func (p *Provider) RenderTrack(src core.VideoReader) (core.MediaTrack, error) {
	source := newRenderSource(src)
	track := mediadevices.NewVideoTrack(source, p.selector)
	dt := &deviceTrack{t: track, kind: core.TrackVideo}
	dt.enabled.Store(true)
	return dt, nil
}
