package rtc

import (
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/avolkov/dialtone/internal/core"
)

// Factory builds peer connections that share one media engine, with the
// provider's codecs registered so mediadevices tracks bind cleanly.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(iceServers []string, selector *mediadevices.CodecSelector) *Factory {
	mediaEngine := webrtc.MediaEngine{}
	selector.Populate(&mediaEngine)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine))

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Factory{api: api, cfg: cfg}
}

func (f *Factory) New() (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc), nil
}
