package rtc

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/dialtone/internal/core"
)

// Provider acquires camera+microphone capture through pion/mediadevices
// with VP8 video and Opus audio.
type Provider struct {
	selector *mediadevices.CodecSelector
}

func NewProvider() (*Provider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &Provider{selector: selector}, nil
}

// Selector exposes the codec selector so the connection factory can
// register the same codecs on its media engine.
func (p *Provider) Selector() *mediadevices.CodecSelector { return p.selector }

// Acquire requests capture matching the constraints. The audio
// processing toggles (echo cancellation, noise suppression, auto gain)
// are accepted for interface parity but the capture stack applies its
// own processing; they are not forwarded.
func (p *Provider) Acquire(_ context.Context, c core.MediaConstraints) (core.MediaStream, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mt *mediadevices.MediaTrackConstraints) {
			mt.Width = prop.Int(c.Width)
			mt.Height = prop.Int(c.Height)
			mt.FrameRate = prop.Float(float32(c.FrameRate))
		},
		Audio: func(mt *mediadevices.MediaTrackConstraints) {
			mt.SampleRate = prop.Int(48000)
			mt.ChannelCount = prop.Int(1)
		},
		Codec: p.selector,
	})
	if err != nil {
		return nil, &core.DeviceError{Op: "acquire", Err: err}
	}

	var tracks []core.MediaTrack
	for _, t := range stream.GetTracks() {
		tracks = append(tracks, newDeviceTrack(t))
	}
	log.Info().Str("module", "rtc").Int("tracks", len(tracks)).Msg("capture acquired")
	return core.NewStream(tracks...), nil
}

// deviceTrack wraps a mediadevices track. While the enabled flag is
// off, the track keeps its timing but carries black frames or silence,
// mirroring MediaStreamTrack.enabled.
type deviceTrack struct {
	t       mediadevices.Track
	kind    core.TrackKind
	enabled atomic.Bool
	stop    sync.Once
}

func newDeviceTrack(t mediadevices.Track) *deviceTrack {
	kind := core.TrackVideo
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		kind = core.TrackAudio
	}
	dt := &deviceTrack{t: t, kind: kind}
	dt.enabled.Store(true)
	switch mt := t.(type) {
	case *mediadevices.VideoTrack:
		mt.Transform(dt.gateVideo)
	case *mediadevices.AudioTrack:
		mt.Transform(dt.gateAudio)
	}
	return dt
}

// gateVideo substitutes black frames of the source's size while the
// track is disabled. The encode loop keeps running either way.
func (d *deviceTrack) gateVideo(r video.Reader) video.Reader {
	var black *image.RGBA
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil {
			return nil, nil, err
		}
		if d.enabled.Load() {
			return img, release, nil
		}
		if release != nil {
			release()
		}
		if black == nil || black.Bounds() != img.Bounds() {
			black = image.NewRGBA(img.Bounds())
		}
		return black, func() {}, nil
	})
}

// gateAudio zeroes each chunk's samples while the track is disabled,
// keeping the stream cadence intact.
func (d *deviceTrack) gateAudio(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil {
			return nil, nil, err
		}
		if !d.enabled.Load() {
			if ea, ok := chunk.(wave.EditableAudio); ok {
				info := ea.ChunkInfo()
				for i := 0; i < info.Len; i++ {
					for ch := 0; ch < info.Channels; ch++ {
						ea.Set(i, ch, wave.Int64Sample(0))
					}
				}
			}
		}
		return chunk, release, nil
	})
}

func (d *deviceTrack) ID() string           { return d.t.ID() }
func (d *deviceTrack) Kind() core.TrackKind { return d.kind }
func (d *deviceTrack) Enabled() bool        { return d.enabled.Load() }
func (d *deviceTrack) SetEnabled(v bool)    { d.enabled.Store(v) }

func (d *deviceTrack) Stop() {
	d.stop.Do(func() {
		if err := d.t.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("track_id", d.t.ID()).Msg("track close error")
		}
	})
}

func (d *deviceTrack) webrtcTrack() webrtc.TrackLocal { return d.t }

// Frames exposes the raw frame feed of a video track for the frame
// pipeline.
func (d *deviceTrack) Frames() (core.VideoReader, error) {
	vt, ok := d.t.(*mediadevices.VideoTrack)
	if !ok {
		return nil, core.ErrNoVideoTrack
	}
	return videoReader{r: vt.NewReader(false)}, nil
}
