// Package rtc implements the engine's media interfaces on top of
// pion/webrtc and pion/mediadevices.
package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/dialtone/internal/core"
)

// localTrack is implemented by this package's track wrappers so the
// connection can reach the underlying pion track.
type localTrack interface {
	core.MediaTrack
	webrtcTrack() webrtc.TrackLocal
}

// Connection wraps *webrtc.PeerConnection as a core.MediaConnection.
type Connection struct {
	pc *webrtc.PeerConnection

	mu          sync.RWMutex
	closed      bool
	videoSender *webrtc.RTPSender
	onCand      func(webrtc.ICECandidateInit)
	onICE       func(webrtc.ICEConnectionState)
	onTrack     func(core.RemoteTrack)
}

func newConnection(pc *webrtc.PeerConnection) *Connection {
	c := &Connection{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		cb := c.onCand
		c.mu.RUnlock()
		if cb != nil {
			cb(cand.ToJSON())
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
		c.mu.RLock()
		cb := c.onICE
		c.mu.RUnlock()
		if cb != nil {
			cb(s)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		c.mu.RLock()
		cb := c.onTrack
		c.mu.RUnlock()
		if cb != nil {
			cb(remoteTrack{t: track})
		}
	})

	return c
}

func (c *Connection) AttachStream(stream core.MediaStream) error {
	for _, t := range stream.Tracks() {
		lt, ok := t.(localTrack)
		if !ok {
			return errors.New("track was not produced by this provider")
		}
		sender, err := c.pc.AddTrack(lt.webrtcTrack())
		if err != nil {
			return err
		}
		if t.Kind() == core.TrackVideo {
			c.mu.Lock()
			c.videoSender = sender
			c.mu.Unlock()
		}
	}
	return nil
}

func (c *Connection) CreateAndSetOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) CreateAndSetAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// ReplaceVideoTrack swaps the outbound video sender's track in place.
// Replacing on a closed connection is a no-op, not an error.
func (c *Connection) ReplaceVideoTrack(t core.MediaTrack) error {
	c.mu.RLock()
	closed := c.closed
	sender := c.videoSender
	c.mu.RUnlock()
	if closed {
		return nil
	}
	if sender == nil {
		return errors.New("no video sender")
	}
	lt, ok := t.(localTrack)
	if !ok {
		return errors.New("track was not produced by this provider")
	}
	return sender.ReplaceTrack(lt.webrtcTrack())
}

func (c *Connection) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(c.pc)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCand = fn
}

func (c *Connection) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Connection) OnRemoteTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

// DetachHandlers drops every registered callback so nothing fires into
// a torn-down session after Close.
func (c *Connection) DetachHandlers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCand = nil
	c.onICE = nil
	c.onTrack = nil
}

func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	}
}

func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// remoteTrack adapts *webrtc.TrackRemote to the read-only handle the
// session exposes.
type remoteTrack struct {
	t *webrtc.TrackRemote
}

func (r remoteTrack) ID() string       { return r.t.ID() }
func (r remoteTrack) StreamID() string { return r.t.StreamID() }
func (r remoteTrack) Kind() core.TrackKind {
	if r.t.Kind() == webrtc.RTPCodecTypeAudio {
		return core.TrackAudio
	}
	return core.TrackVideo
}
