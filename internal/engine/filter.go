package engine

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/dialtone/internal/core"
)

// FilterID names a video transform. FilterNone restores the original
// capture track.
type FilterID string

const (
	FilterNone      FilterID = "none"
	FilterGrayscale FilterID = "grayscale"
	FilterSepia     FilterID = "sepia"
	FilterInvert    FilterID = "invert"
)

// FrameTransform re-renders one frame. It must return a new image; the
// input is released right after the call.
type FrameTransform func(image.Image) image.Image

var transforms = map[FilterID]FrameTransform{
	FilterGrayscale: grayscale,
	FilterSepia:     sepia,
	FilterInvert:    invert,
}

// Filters lists the selectable filter ids, FilterNone first.
func Filters() []FilterID {
	return []FilterID{FilterNone, FilterGrayscale, FilterSepia, FilterInvert}
}

// FramePipeline intercepts the raw capture, re-renders each frame at a
// fixed rate and swaps the result into the connection's outbound video
// sender. Track replacement only: switching filters never changes
// session state or triggers a new SDP exchange.
type FramePipeline struct {
	provider core.MediaProvider
	fps      int

	mu       sync.Mutex
	active   FilterID
	reader   *pacedReader
	rendered core.MediaTrack
}

func NewFramePipeline(provider core.MediaProvider, fps int) *FramePipeline {
	if fps <= 0 {
		fps = 30
	}
	return &FramePipeline{provider: provider, fps: fps, active: FilterNone}
}

func (p *FramePipeline) Active() FilterID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Apply switches the outbound video to the given filter. Applying to a
// session that is already torn down is a no-op, not an error.
func (p *FramePipeline) Apply(id FilterID, sess *Session) error {
	if id == "" {
		id = FilterNone
	}
	conn, local, ok := sess.liveMedia()
	if !ok {
		return nil
	}
	if id == FilterNone {
		return p.restore(conn, local)
	}

	tf, ok := transforms[id]
	if !ok {
		return fmt.Errorf("unknown filter %q", id)
	}
	orig, ok := local.FirstTrack(core.TrackVideo)
	if !ok {
		return core.ErrNoVideoTrack
	}
	fr, ok := orig.(core.FrameReader)
	if !ok {
		return fmt.Errorf("%w: track does not expose frames", core.ErrNoVideoTrack)
	}
	src, err := fr.Frames()
	if err != nil {
		return err
	}

	reader := newPacedReader(src, tf, p.fps)
	rendered, err := p.provider.RenderTrack(reader)
	if err != nil {
		reader.stop()
		return err
	}
	if err := conn.ReplaceVideoTrack(rendered); err != nil {
		reader.stop()
		rendered.Stop()
		return err
	}

	p.mu.Lock()
	oldReader := p.reader
	oldTrack := p.rendered
	p.reader = reader
	p.rendered = rendered
	p.active = id
	p.mu.Unlock()

	// A previously active filter's loop is cancelled before its track
	// stops.
	if oldReader != nil {
		oldReader.stop()
	}
	if oldTrack != nil {
		oldTrack.Stop()
	}
	log.Info().Str("module", "engine.filter").Str("filter", string(id)).Msg("filter applied")
	return nil
}

// restore puts the original capture track back into the video sender
// and releases the rendered one.
func (p *FramePipeline) restore(conn core.MediaConnection, local core.MediaStream) error {
	p.mu.Lock()
	reader := p.reader
	rendered := p.rendered
	p.reader = nil
	p.rendered = nil
	p.active = FilterNone
	p.mu.Unlock()

	if orig, ok := local.FirstTrack(core.TrackVideo); ok {
		if err := conn.ReplaceVideoTrack(orig); err != nil {
			log.Warn().Err(err).Str("module", "engine.filter").Msg("restore original track failed")
		}
	}
	if reader != nil {
		reader.stop()
	}
	if rendered != nil {
		rendered.Stop()
	}
	return nil
}

// Stop cancels the render loop and releases the rendered track without
// touching the sender. Session cleanup calls it before stopping the
// capture tracks.
func (p *FramePipeline) Stop() {
	p.mu.Lock()
	reader := p.reader
	rendered := p.rendered
	p.reader = nil
	p.rendered = nil
	p.active = FilterNone
	p.mu.Unlock()

	if reader != nil {
		reader.stop()
	}
	if rendered != nil {
		rendered.Stop()
	}
}

// pacedReader pulls frames from the source at a fixed rate, applies the
// transform and hands the result to the rendered track. stop unblocks
// any in-flight Read and makes further reads return io.EOF.
type pacedReader struct {
	src      core.VideoReader
	tf       FrameTransform
	interval time.Duration

	mu   sync.Mutex
	last time.Time

	closed chan struct{}
	once   sync.Once
}

func newPacedReader(src core.VideoReader, tf FrameTransform, fps int) *pacedReader {
	return &pacedReader{
		src:      src,
		tf:       tf,
		interval: time.Second / time.Duration(fps),
		closed:   make(chan struct{}),
	}
}

func (r *pacedReader) Read() (image.Image, func(), error) {
	select {
	case <-r.closed:
		return nil, nil, io.EOF
	default:
	}

	r.mu.Lock()
	wait := time.Until(r.last.Add(r.interval))
	r.last = time.Now()
	r.mu.Unlock()
	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-r.closed:
			t.Stop()
			return nil, nil, io.EOF
		case <-t.C:
		}
	}

	img, release, err := r.src.Read()
	if err != nil {
		return nil, nil, err
	}
	out := r.tf(img)
	if release != nil {
		release()
	}
	return out, func() {}, nil
}

func (r *pacedReader) stop() {
	r.once.Do(func() { close(r.closed) })
}

func grayscale(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(src.At(x, y)).(color.Gray)
			dst.Set(x, y, color.RGBA{g.Y, g.Y, g.Y, 0xff})
		}
	}
	return dst
}

func sepia(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			fr, fg, fb := float64(r>>8), float64(g>>8), float64(bl>>8)
			dst.Set(x, y, color.RGBA{
				clamp8(0.393*fr + 0.769*fg + 0.189*fb),
				clamp8(0.349*fr + 0.686*fg + 0.168*fb),
				clamp8(0.272*fr + 0.534*fg + 0.131*fb),
				0xff,
			})
		}
	}
	return dst
}

func invert(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			dst.Set(x, y, color.RGBA{255 - uint8(r>>8), 255 - uint8(g>>8), 255 - uint8(bl>>8), 0xff})
		}
	}
	return dst
}

func clamp8(v float64) uint8 {
	if v > 255 {
		return 255
	}
	return uint8(v)
}
