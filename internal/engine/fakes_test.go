package engine

import (
	"context"
	"errors"
	"image"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/avolkov/dialtone/internal/core"
)

// eventLog records the order of resource operations across fakes, so
// tests can assert cleanup ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

type fakeTrack struct {
	id      string
	kind    core.TrackKind
	log     *eventLog
	frames  bool
	mu      sync.Mutex
	enabled bool
	stops   int
}

func newFakeTrack(id string, kind core.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string           { return t.id }
func (t *fakeTrack) Kind() core.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	first := t.stops == 1
	t.mu.Unlock()
	if first && t.log != nil {
		t.log.add("stop:" + t.id)
	}
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// Frames makes the track usable by the frame pipeline when frames is
// set.
func (t *fakeTrack) Frames() (core.VideoReader, error) {
	if !t.frames {
		return nil, core.ErrNoVideoTrack
	}
	return fakeReader{}, nil
}

type fakeReader struct{}

func (fakeReader) Read() (image.Image, func(), error) {
	return image.NewRGBA(image.Rect(0, 0, 2, 2)), func() {}, nil
}

type fakeProvider struct {
	mu         sync.Mutex
	log        *eventLog
	acquireErr []error // consumed front-first; nil entry means success
	acquired   int
	streams    []core.MediaStream
	rendered   []*fakeTrack
}

func (p *fakeProvider) failNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquireErr = append(p.acquireErr, err)
}

func (p *fakeProvider) Acquire(_ context.Context, _ core.MediaConstraints) (core.MediaStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.acquireErr) > 0 {
		err := p.acquireErr[0]
		p.acquireErr = p.acquireErr[1:]
		if err != nil {
			return nil, err
		}
	}
	p.acquired++
	audio := newFakeTrack("audio", core.TrackAudio)
	video := newFakeTrack("video", core.TrackVideo)
	audio.log = p.log
	video.log = p.log
	video.frames = true
	stream := core.NewStream(audio, video)
	p.streams = append(p.streams, stream)
	return stream, nil
}

func (p *fakeProvider) RenderTrack(src core.VideoReader) (core.MediaTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := newFakeTrack("rendered", core.TrackVideo)
	t.log = p.log
	p.rendered = append(p.rendered, t)
	return t, nil
}

func (p *fakeProvider) acquireCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

type fakeConn struct {
	mu          sync.Mutex
	log         *eventLog
	attached    core.MediaStream
	offers      int
	answers     int
	remoteDesc  *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	failCands   map[string]bool
	replaced    []core.MediaTrack
	closes      int
	detaches    int
	gatherDone  chan struct{}
	offerErr    error
	answerErr   error
	remoteErr   error
	attachErr   error
	onSetRemote func() // runs before the description is stored

	onCand  func(webrtc.ICECandidateInit)
	onICE   func(webrtc.ICEConnectionState)
	onTrack func(core.RemoteTrack)
}

func newFakeConn() *fakeConn {
	done := make(chan struct{})
	close(done)
	return &fakeConn{gatherDone: done}
}

func (c *fakeConn) AttachStream(s core.MediaStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attachErr != nil {
		return c.attachErr
	}
	c.attached = s
	return nil
}

func (c *fakeConn) CreateAndSetOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offerErr != nil {
		return webrtc.SessionDescription{}, c.offerErr
	}
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (c *fakeConn) CreateAndSetAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answerErr != nil {
		return webrtc.SessionDescription{}, c.answerErr
	}
	c.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (c *fakeConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	c.mu.Lock()
	hook := c.onSetRemote
	err := c.remoteErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	c.mu.Lock()
	c.remoteDesc = &sdp
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc != nil
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCands[ci.Candidate] {
		return errors.New("bad candidate")
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) ReplaceVideoTrack(t core.MediaTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return nil
	}
	c.replaced = append(c.replaced, t)
	return nil
}

func (c *fakeConn) GatheringComplete() <-chan struct{} { return c.gatherDone }

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCand = fn
}

func (c *fakeConn) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *fakeConn) OnRemoteTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *fakeConn) DetachHandlers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detaches++
	c.onCand = nil
	c.onICE = nil
	c.onTrack = nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closes++
	first := c.closes == 1
	c.mu.Unlock()
	if first && c.log != nil {
		c.log.add("close:conn")
	}
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// driveICE fires the registered ICE state callback, as the real
// connection would from its own goroutine.
func (c *fakeConn) driveICE(st webrtc.ICEConnectionState) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (c *fakeConn) appliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.candidates))
	copy(out, c.candidates)
	return out
}

type fakeFactory struct {
	mu    sync.Mutex
	log   *eventLog
	conns []*fakeConn
	made  []*fakeConn
	err   error
}

func (f *fakeFactory) New() (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var c *fakeConn
	if len(f.conns) > 0 {
		c = f.conns[0]
		f.conns = f.conns[1:]
	} else {
		c = newFakeConn()
	}
	c.log = f.log
	f.made = append(f.made, c)
	return c, nil
}

func (f *fakeFactory) queue(c *fakeConn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns = append(f.conns, c)
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *fakeFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

type sentMsg struct {
	kind   string
	to     core.PeerID
	callID core.CallID
	reason string
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMsg
	offerErr error
}

func (s *fakeSender) record(m sentMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
}

func (s *fakeSender) SendOffer(_ context.Context, to core.PeerID, callID core.CallID, _ webrtc.SessionDescription) error {
	s.mu.Lock()
	err := s.offerErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.record(sentMsg{kind: "offer", to: to, callID: callID})
	return nil
}

func (s *fakeSender) SendAnswer(_ context.Context, to core.PeerID, _ webrtc.SessionDescription) error {
	s.record(sentMsg{kind: "answer", to: to})
	return nil
}

func (s *fakeSender) SendCandidate(_ context.Context, to core.PeerID, _ webrtc.ICECandidateInit) error {
	s.record(sentMsg{kind: "ice-candidate", to: to})
	return nil
}

func (s *fakeSender) SendEnd(_ context.Context, to core.PeerID, callID core.CallID, reason string) error {
	s.record(sentMsg{kind: "end", to: to, callID: callID, reason: reason})
	return nil
}

func (s *fakeSender) SendReject(_ context.Context, to core.PeerID, callID core.CallID, reason string) error {
	s.record(sentMsg{kind: "reject", to: to, callID: callID, reason: reason})
	return nil
}

func (s *fakeSender) byKind(kind string) []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMsg
	for _, m := range s.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}
