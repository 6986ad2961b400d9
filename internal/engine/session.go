package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/dialtone/internal/core"
	"github.com/pion/webrtc/v4"
)

// sessionHooks let the facade observe a session without the session
// holding a reference back to the engine.
type sessionHooks struct {
	onStatus      func(core.CallStatus)
	onRemoteTrack func(core.RemoteTrack)
	// stopPipeline cancels the frame pipeline render loop. Cleanup runs
	// it before the capture tracks are stopped so the loop never reads
	// from released resources.
	stopPipeline func()
	// onCleanup runs exactly once, after every resource is released.
	// The engine uses it to drop the single-active-session guard.
	onCleanup func()
}

// Session is the state machine for one call attempt. It exclusively
// owns the connection object and the local stream; remote tracks are
// owned by the connection and only referenced here. Every transition is
// serialized under one mutex, and asynchronous continuations check the
// done flag instead of mutating a torn-down session.
type Session struct {
	callID    core.CallID
	role      core.Role
	remote    core.PeerID
	signal    core.SignalSender
	failGrace time.Duration
	hooks     sessionHooks

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	status      core.CallStatus
	conn        core.MediaConnection
	local       core.MediaStream
	remoteMedia *core.RemoteStream
	pending     *CandidateBuffer
	failTimer   *time.Timer
	done        bool
	endSent     bool
}

func newSession(callID core.CallID, role core.Role, remote core.PeerID, signal core.SignalSender, failGrace time.Duration, hooks sessionHooks) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		callID:      callID,
		role:        role,
		remote:      remote,
		signal:      signal,
		failGrace:   failGrace,
		hooks:       hooks,
		ctx:         ctx,
		cancel:      cancel,
		status:      core.StatusIdle,
		remoteMedia: core.NewRemoteStream(),
		pending:     NewCandidateBuffer(),
	}
}

func (s *Session) CallID() core.CallID             { return s.callID }
func (s *Session) Role() core.Role                 { return s.role }
func (s *Session) Remote() core.PeerID             { return s.remote }
func (s *Session) RemoteMedia() *core.RemoteStream { return s.remoteMedia }

func (s *Session) Status() core.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done reports whether cleanup has run. A done session holds no
// resources and ignores every further event.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Session) setStatus(st core.CallStatus) {
	s.mu.Lock()
	if s.done || s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	cb := s.hooks.onStatus
	s.mu.Unlock()
	log.Info().Str("module", "engine.session").Str("call_id", string(s.callID)).Str("status", st.String()).Msg("status")
	if cb != nil {
		cb(st)
	}
}

// liveMedia snapshots the connection and local stream if the session
// still owns them.
func (s *Session) liveMedia() (core.MediaConnection, core.MediaStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.conn == nil || s.local == nil {
		return nil, nil, false
	}
	return s.conn, s.local, true
}

// adopt takes ownership of the stream and connection and wires the
// connection callbacks into the session dispatch.
func (s *Session) adopt(stream core.MediaStream, conn core.MediaConnection) {
	s.mu.Lock()
	s.local = stream
	s.conn = conn
	s.mu.Unlock()

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if s.Done() {
			return
		}
		if err := s.signal.SendCandidate(s.ctx, s.remote, c); err != nil {
			log.Warn().Err(err).Str("module", "engine.session").Msg("candidate send failed")
		}
	})
	conn.OnRemoteTrack(func(t core.RemoteTrack) {
		if s.Done() {
			return
		}
		s.remoteMedia.Add(t)
		if cb := s.hooks.onRemoteTrack; cb != nil {
			cb(t)
		}
	})
	conn.OnICEStateChange(s.iceStateChanged)
}

// startCaller runs the caller side: attach tracks, create and set the
// offer, send it. The stream may come from the warm pool or from fresh
// acquisition; the connection is always fresh.
func (s *Session) startCaller(ctx context.Context, stream core.MediaStream, conn core.MediaConnection) error {
	s.setStatus(core.StatusCalling)
	s.adopt(stream, conn)

	if err := conn.AttachStream(stream); err != nil {
		s.Cleanup()
		return &core.NegotiationError{Stage: "attach", Err: err}
	}
	offer, err := conn.CreateAndSetOffer()
	if err != nil {
		s.Cleanup()
		return &core.NegotiationError{Stage: "offer", Err: err}
	}
	if s.Done() {
		return nil
	}
	if err := s.signal.SendOffer(ctx, s.remote, s.callID, offer); err != nil {
		// Not retried here: the engine stays in Calling until the
		// transport recovers or the caller ends the call.
		return fmt.Errorf("%w: %v", core.ErrSignalingUnavailable, err)
	}
	return nil
}

// startCallee runs the callee side after local accept: attach tracks,
// apply the received offer, drain any candidates that raced it, then
// answer.
func (s *Session) startCallee(ctx context.Context, stream core.MediaStream, conn core.MediaConnection, offer webrtc.SessionDescription) error {
	s.setStatus(core.StatusRinging)
	s.adopt(stream, conn)

	if err := conn.AttachStream(stream); err != nil {
		s.Cleanup()
		return &core.NegotiationError{Stage: "attach", Err: err}
	}
	if err := conn.SetRemoteDescription(offer); err != nil {
		s.Cleanup()
		return &core.NegotiationError{Stage: "remote offer", Err: err}
	}
	s.pending.DrainInto(conn)

	answer, err := conn.CreateAndSetAnswer()
	if err != nil {
		s.Cleanup()
		return &core.NegotiationError{Stage: "answer", Err: err}
	}
	if s.Done() {
		return nil
	}
	s.setStatus(core.StatusNegotiating)
	if err := s.signal.SendAnswer(ctx, s.remote, answer); err != nil {
		return fmt.Errorf("%w: %v", core.ErrSignalingUnavailable, err)
	}
	return nil
}

// HandleAnswer applies the remote answer and replays buffered
// candidates. Only meaningful while Calling; anything else is a stale
// or duplicate message and is dropped.
func (s *Session) HandleAnswer(ev core.AnswerEvent) {
	s.mu.Lock()
	conn := s.conn
	ok := !s.done && s.status == core.StatusCalling && conn != nil
	s.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "engine.session").Str("call_id", string(s.callID)).Msg("answer ignored")
		return
	}
	if err := conn.SetRemoteDescription(ev.SDP); err != nil {
		log.Warn().Err(err).Str("module", "engine.session").Msg("remote answer rejected")
		return
	}
	s.setStatus(core.StatusNegotiating)
	s.pending.DrainInto(conn)
}

// HandleCandidate buffers the candidate and attempts an immediate
// drain, which is a no-op until the remote description is set.
func (s *Session) HandleCandidate(ev core.CandidateEvent) {
	s.pending.Push(ev.Candidate)
	s.mu.Lock()
	conn := s.conn
	done := s.done
	s.mu.Unlock()
	if done || conn == nil {
		return
	}
	s.pending.DrainInto(conn)
}

// RemoteEnded runs the local cleanup path without echoing a
// termination message back.
func (s *Session) RemoteEnded() {
	s.mu.Lock()
	s.endSent = true
	s.mu.Unlock()
	s.setStatus(core.StatusEnded)
	s.Cleanup()
}

// RemoteRejected is an informational, non-error state change.
func (s *Session) RemoteRejected(reason string) {
	log.Info().Str("module", "engine.session").Str("call_id", string(s.callID)).Str("reason", reason).Msg("call rejected by remote")
	s.mu.Lock()
	s.endSent = true
	s.mu.Unlock()
	s.setStatus(core.StatusEnded)
	s.Cleanup()
}

// End terminates the call locally: state is set before the termination
// message goes out, so in-flight negotiation callbacks observe the
// session as done and discard themselves.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	sendEnd := !s.endSent && s.remote != ""
	s.endSent = true
	s.mu.Unlock()

	s.setStatus(core.StatusEnded)
	if sendEnd {
		if err := s.signal.SendEnd(ctx, s.remote, s.callID, "ended"); err != nil {
			log.Warn().Err(err).Str("module", "engine.session").Msg("end send failed")
		}
	}
	s.Cleanup()
	return nil
}

// Toggle flips the enabled flag of the first local track of the given
// kind and returns the new state; false if no such track exists.
func (s *Session) Toggle(kind core.TrackKind) bool {
	s.mu.Lock()
	local := s.local
	done := s.done
	s.mu.Unlock()
	if done || local == nil {
		return false
	}
	t, ok := local.FirstTrack(kind)
	if !ok {
		return false
	}
	t.SetEnabled(!t.Enabled())
	return t.Enabled()
}

// iceStateChanged maps the connection's ICE state onto the call status.
// A failure flips the status immediately but defers cleanup by the
// grace delay, giving transient blips a chance to self-heal; recovery
// events inside that window are ignored, the failure stands.
func (s *Session) iceStateChanged(st webrtc.ICEConnectionState) {
	s.mu.Lock()
	if s.done || s.status == core.StatusFailed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch st {
	case webrtc.ICEConnectionStateChecking:
		s.setStatus(core.StatusNegotiating)
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.setStatus(core.StatusConnected)
	case webrtc.ICEConnectionStateDisconnected:
		s.setStatus(core.StatusReconnecting)
	case webrtc.ICEConnectionStateFailed:
		s.setStatus(core.StatusFailed)
		s.mu.Lock()
		if !s.done && s.failTimer == nil {
			s.failTimer = time.AfterFunc(s.failGrace, s.Cleanup)
		}
		s.mu.Unlock()
	}
}

// Cleanup releases everything the session owns, exactly once, callable
// from any state. Order matters: the pipeline loop is cancelled before
// the capture tracks stop, and the connection's handlers are detached
// before it closes so no stale callback fires afterwards. A second call
// observes done and returns.
func (s *Session) Cleanup() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	conn := s.conn
	local := s.local
	s.conn = nil
	s.local = nil
	if s.failTimer != nil {
		s.failTimer.Stop()
		s.failTimer = nil
	}
	if !s.status.Terminal() {
		s.status = core.StatusEnded
	}
	stopPipeline := s.hooks.stopPipeline
	onCleanup := s.hooks.onCleanup
	s.mu.Unlock()

	s.cancel()

	if stopPipeline != nil {
		stopPipeline()
	}
	if local != nil {
		local.Stop()
	}
	if conn != nil {
		conn.DetachHandlers()
		conn.Close()
	}
	s.pending.Clear()
	s.remoteMedia.Clear()

	log.Info().Str("module", "engine.session").Str("call_id", string(s.callID)).Msg("session cleaned up")
	if onCleanup != nil {
		onCleanup()
	}
}
