package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/avolkov/dialtone/internal/core"
)

type statusLog struct {
	mu   sync.Mutex
	seen []core.CallStatus
}

func (l *statusLog) record(st core.CallStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, st)
}

func (l *statusLog) all() []core.CallStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.CallStatus, len(l.seen))
	copy(out, l.seen)
	return out
}

func testSession(t *testing.T, role core.Role, sender *fakeSender, failGrace time.Duration) (*Session, *statusLog) {
	t.Helper()
	statuses := &statusLog{}
	var cleanups int
	s := newSession("call-1", role, "peer-b", sender, failGrace, sessionHooks{
		onStatus:  statuses.record,
		onCleanup: func() { cleanups++ },
	})
	return s, statuses
}

func acquireStream(t *testing.T, p *fakeProvider) core.MediaStream {
	t.Helper()
	stream, err := p.Acquire(context.Background(), core.DefaultMediaConstraints())
	if err != nil {
		t.Fatal(err)
	}
	return stream
}

func TestSessionCallerFlow(t *testing.T) {
	sender := &fakeSender{}
	provider := &fakeProvider{}
	s, statuses := testSession(t, core.RoleCaller, sender, time.Second)
	conn := newFakeConn()

	if err := s.startCaller(context.Background(), acquireStream(t, provider), conn); err != nil {
		t.Fatal(err)
	}
	if s.Status() != core.StatusCalling {
		t.Fatalf("status = %s, want %s", s.Status(), core.StatusCalling)
	}
	if got := sender.byKind("offer"); len(got) != 1 || got[0].to != "peer-b" || got[0].callID != "call-1" {
		t.Fatalf("offer not sent correctly: %+v", got)
	}

	s.HandleAnswer(core.AnswerEvent{From: "peer-b", SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}})
	if s.Status() != core.StatusNegotiating {
		t.Fatalf("status after answer = %s, want %s", s.Status(), core.StatusNegotiating)
	}

	conn.driveICE(webrtc.ICEConnectionStateConnected)
	if s.Status() != core.StatusConnected {
		t.Fatalf("status after ICE connected = %s, want %s", s.Status(), core.StatusConnected)
	}

	want := []core.CallStatus{core.StatusCalling, core.StatusNegotiating, core.StatusConnected}
	got := statuses.all()
	if len(got) != len(want) {
		t.Fatalf("status notifications %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status notifications %v, want %v", got, want)
		}
	}
}

func TestSessionAnswerIgnoredOutsideCalling(t *testing.T) {
	sender := &fakeSender{}
	provider := &fakeProvider{}
	s, _ := testSession(t, core.RoleCaller, sender, time.Second)
	conn := newFakeConn()
	if err := s.startCaller(context.Background(), acquireStream(t, provider), conn); err != nil {
		t.Fatal(err)
	}

	answer := core.AnswerEvent{From: "peer-b", SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}}
	s.HandleAnswer(answer)
	// Duplicate answer arrives while already Negotiating.
	s.HandleAnswer(answer)
	if s.Status() != core.StatusNegotiating {
		t.Fatalf("duplicate answer moved status to %s", s.Status())
	}
}

func TestSessionCalleeDrainsEarlyCandidates(t *testing.T) {
	sender := &fakeSender{}
	provider := &fakeProvider{}
	s, _ := testSession(t, core.RoleCallee, sender, time.Second)
	conn := newFakeConn()

	// Candidates trickle in while the offer is still being applied, so
	// the remote description is not set yet and they stay buffered.
	conn.onSetRemote = func() {
		s.HandleCandidate(core.CandidateEvent{From: "peer-b", Candidate: cand("c1")})
		s.HandleCandidate(core.CandidateEvent{From: "peer-b", Candidate: cand("c2")})
		s.HandleCandidate(core.CandidateEvent{From: "peer-b", Candidate: cand("c3")})
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}
	if err := s.startCallee(context.Background(), acquireStream(t, provider), conn, offer); err != nil {
		t.Fatal(err)
	}

	applied := conn.appliedCandidates()
	want := []string{"c1", "c2", "c3"}
	if len(applied) != len(want) {
		t.Fatalf("applied %d candidates, want %d", len(applied), len(want))
	}
	for i, w := range want {
		if applied[i].Candidate != w {
			t.Errorf("candidate %d = %q, want %q", i, applied[i].Candidate, w)
		}
	}
	if got := sender.byKind("answer"); len(got) != 1 {
		t.Fatalf("sent %d answers, want 1", len(got))
	}
	if s.Status() != core.StatusNegotiating {
		t.Fatalf("status = %s, want %s", s.Status(), core.StatusNegotiating)
	}
}

func TestSessionEndSendsExactlyOnce(t *testing.T) {
	sender := &fakeSender{}
	provider := &fakeProvider{}
	s, _ := testSession(t, core.RoleCaller, sender, time.Second)
	conn := newFakeConn()
	stream := acquireStream(t, provider)
	if err := s.startCaller(context.Background(), stream, conn); err != nil {
		t.Fatal(err)
	}

	if err := s.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.End(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := sender.byKind("end"); len(got) != 1 {
		t.Fatalf("sent %d end messages, want 1", len(got))
	}
	if !s.Done() {
		t.Fatal("session not done after End")
	}
	track, _ := stream.FirstTrack(core.TrackAudio)
	if n := track.(*fakeTrack).stopCount(); n != 1 {
		t.Fatalf("audio track stopped %d times, want 1", n)
	}
	if n := conn.closeCount(); n != 1 {
		t.Fatalf("connection closed %d times, want 1", n)
	}
}

func TestSessionRemoteEndedDoesNotEcho(t *testing.T) {
	sender := &fakeSender{}
	provider := &fakeProvider{}
	s, _ := testSession(t, core.RoleCaller, sender, time.Second)
	conn := newFakeConn()
	if err := s.startCaller(context.Background(), acquireStream(t, provider), conn); err != nil {
		t.Fatal(err)
	}

	s.RemoteEnded()

	if got := sender.byKind("end"); len(got) != 0 {
		t.Fatalf("echoed %d end messages back", len(got))
	}
	if !s.Done() {
		t.Fatal("session not done after remote end")
	}
	// A local End afterwards is still a quiet no-op.
	if err := s.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := sender.byKind("end"); len(got) != 0 {
		t.Fatalf("end sent after remote already ended: %d", len(got))
	}
}

func TestSessionCleanupIdempotent(t *testing.T) {
	sender := &fakeSender{}
	provider := &fakeProvider{}
	cleanups := 0
	s := newSession("call-1", core.RoleCaller, "peer-b", sender, time.Second, sessionHooks{
		onCleanup: func() { cleanups++ },
	})
	conn := newFakeConn()
	stream := acquireStream(t, provider)
	if err := s.startCaller(context.Background(), stream, conn); err != nil {
		t.Fatal(err)
	}

	s.Cleanup()
	s.Cleanup()
	s.Cleanup()

	if cleanups != 1 {
		t.Fatalf("onCleanup ran %d times, want 1", cleanups)
	}
	if n := conn.closeCount(); n != 1 {
		t.Fatalf("connection closed %d times, want 1", n)
	}
	track, _ := stream.FirstTrack(core.TrackVideo)
	if n := track.(*fakeTrack).stopCount(); n != 1 {
		t.Fatalf("video track stopped %d times, want 1", n)
	}
	if s.Status() != core.StatusEnded {
		t.Fatalf("status after cleanup = %s, want %s", s.Status(), core.StatusEnded)
	}
}

func TestSessionFailureGraceDefersCleanup(t *testing.T) {
	sender := &fakeSender{}
	provider := &fakeProvider{}
	s, _ := testSession(t, core.RoleCaller, sender, 20*time.Millisecond)
	conn := newFakeConn()
	if err := s.startCaller(context.Background(), acquireStream(t, provider), conn); err != nil {
		t.Fatal(err)
	}
	conn.driveICE(webrtc.ICEConnectionStateConnected)

	conn.driveICE(webrtc.ICEConnectionStateFailed)

	if s.Status() != core.StatusFailed {
		t.Fatalf("status = %s, want %s", s.Status(), core.StatusFailed)
	}
	if s.Done() {
		t.Fatal("cleanup ran before the grace delay")
	}
	if conn.closeCount() != 0 {
		t.Fatal("connection closed before the grace delay")
	}

	// A late recovery event inside the window does not undo the failure.
	conn.driveICE(webrtc.ICEConnectionStateConnected)
	if s.Status() != core.StatusFailed {
		t.Fatalf("recovery after failure moved status to %s", s.Status())
	}

	deadline := time.After(time.Second)
	for !s.Done() {
		select {
		case <-deadline:
			t.Fatal("deferred cleanup never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if conn.closeCount() != 1 {
		t.Fatalf("connection closed %d times, want 1", conn.closeCount())
	}
}

func TestSessionDisconnectedMeansReconnecting(t *testing.T) {
	sender := &fakeSender{}
	provider := &fakeProvider{}
	s, _ := testSession(t, core.RoleCaller, sender, time.Second)
	conn := newFakeConn()
	if err := s.startCaller(context.Background(), acquireStream(t, provider), conn); err != nil {
		t.Fatal(err)
	}
	conn.driveICE(webrtc.ICEConnectionStateConnected)
	conn.driveICE(webrtc.ICEConnectionStateDisconnected)
	if s.Status() != core.StatusReconnecting {
		t.Fatalf("status = %s, want %s", s.Status(), core.StatusReconnecting)
	}
	conn.driveICE(webrtc.ICEConnectionStateConnected)
	if s.Status() != core.StatusConnected {
		t.Fatalf("status after reconnect = %s, want %s", s.Status(), core.StatusConnected)
	}
}

func TestSessionOfferSendFailureKeepsCalling(t *testing.T) {
	sender := &fakeSender{offerErr: errors.New("socket gone")}
	provider := &fakeProvider{}
	s, _ := testSession(t, core.RoleCaller, sender, time.Second)
	conn := newFakeConn()

	err := s.startCaller(context.Background(), acquireStream(t, provider), conn)
	if !errors.Is(err, core.ErrSignalingUnavailable) {
		t.Fatalf("err = %v, want ErrSignalingUnavailable", err)
	}
	if s.Done() {
		t.Fatal("send failure tore the session down")
	}
	if s.Status() != core.StatusCalling {
		t.Fatalf("status = %s, want %s", s.Status(), core.StatusCalling)
	}
}

func TestSessionNegotiationFailureCleansUp(t *testing.T) {
	sender := &fakeSender{}
	provider := &fakeProvider{}
	s, _ := testSession(t, core.RoleCaller, sender, time.Second)
	conn := newFakeConn()
	conn.offerErr = errors.New("sdp broken")
	stream := acquireStream(t, provider)

	err := s.startCaller(context.Background(), stream, conn)
	var negErr *core.NegotiationError
	if !errors.As(err, &negErr) {
		t.Fatalf("err = %v, want NegotiationError", err)
	}
	if negErr.Stage != "offer" {
		t.Fatalf("stage = %q, want offer", negErr.Stage)
	}
	if !s.Done() {
		t.Fatal("session left live after negotiation failure")
	}
	track, _ := stream.FirstTrack(core.TrackAudio)
	if track.(*fakeTrack).stopCount() == 0 {
		t.Fatal("stream leaked after negotiation failure")
	}
}

func TestSessionToggle(t *testing.T) {
	sender := &fakeSender{}
	provider := &fakeProvider{}
	s, _ := testSession(t, core.RoleCaller, sender, time.Second)
	conn := newFakeConn()
	stream := acquireStream(t, provider)
	if err := s.startCaller(context.Background(), stream, conn); err != nil {
		t.Fatal(err)
	}

	if got := s.Toggle(core.TrackAudio); got {
		t.Fatal("first toggle should disable the track")
	}
	if got := s.Toggle(core.TrackAudio); !got {
		t.Fatal("second toggle should re-enable the track")
	}

	track, _ := stream.FirstTrack(core.TrackVideo)
	if !track.Enabled() {
		t.Fatal("video track touched by audio toggle")
	}

	s.Cleanup()
	if s.Toggle(core.TrackAudio) {
		t.Fatal("toggle on a done session reported a live track")
	}
}

func TestSessionRemoteTrackObserved(t *testing.T) {
	sender := &fakeSender{}
	provider := &fakeProvider{}
	var observed []core.RemoteTrack
	s := newSession("call-1", core.RoleCaller, "peer-b", sender, time.Second, sessionHooks{
		onRemoteTrack: func(t core.RemoteTrack) { observed = append(observed, t) },
	})
	conn := newFakeConn()
	if err := s.startCaller(context.Background(), acquireStream(t, provider), conn); err != nil {
		t.Fatal(err)
	}

	conn.mu.Lock()
	onTrack := conn.onTrack
	conn.mu.Unlock()
	onTrack(fakeRemoteTrack{id: "r1", kind: core.TrackVideo})

	if len(observed) != 1 || observed[0].ID() != "r1" {
		t.Fatalf("remote track observer saw %v", observed)
	}
	if got := s.RemoteMedia().Tracks(); len(got) != 1 {
		t.Fatalf("remote stream holds %d tracks, want 1", len(got))
	}
}

type fakeRemoteTrack struct {
	id   string
	kind core.TrackKind
}

func (t fakeRemoteTrack) ID() string           { return t.id }
func (t fakeRemoteTrack) StreamID() string     { return "s" }
func (t fakeRemoteTrack) Kind() core.TrackKind { return t.kind }
