package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/dialtone/internal/config"
	"github.com/avolkov/dialtone/internal/core"
	"github.com/pion/webrtc/v4"
)

var errEngineClosed = errors.New("engine closed")

// Engine is the public entry point: it combines the warm pool, the
// active session and the frame pipeline, and is the single source of
// truth for the call status observed by the UI layer.
type Engine struct {
	provider    core.MediaProvider
	factory     core.ConnectionFactory
	signal      core.SignalSender
	constraints core.MediaConstraints
	cfg         config.EngineConfig

	pool     *WarmPool
	pipeline *FramePipeline

	mu            sync.Mutex
	sess          *Session
	warming       bool
	closed        bool
	onStatus      func(core.CallStatus)
	onRemoteTrack func(core.RemoteTrack)
}

func New(provider core.MediaProvider, factory core.ConnectionFactory, signal core.SignalSender, constraints core.MediaConstraints, cfg config.EngineConfig) *Engine {
	e := &Engine{
		provider:    provider,
		factory:     factory,
		signal:      signal,
		constraints: constraints,
		cfg:         cfg,
	}
	e.pool = NewWarmPool(provider, factory, constraints, cfg.WarmupTimeout)
	e.pipeline = NewFramePipeline(provider, constraints.FrameRate)
	return e
}

// OnStatusChange registers the status observer. Called from the
// engine's own goroutines; keep it fast.
func (e *Engine) OnStatusChange(fn func(core.CallStatus)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStatus = fn
}

// OnRemoteTrack registers the observer for newly arrived remote tracks.
func (e *Engine) OnRemoteTrack(fn func(core.RemoteTrack)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRemoteTrack = fn
}

func (e *Engine) notifyStatus(st core.CallStatus) {
	e.mu.Lock()
	cb := e.onStatus
	e.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func (e *Engine) notifyRemoteTrack(t core.RemoteTrack) {
	e.mu.Lock()
	cb := e.onRemoteTrack
	e.mu.Unlock()
	if cb != nil {
		cb(t)
	}
}

// Status reports the current call status; Idle when no session is
// active, WarmingUp while only the pool is building.
func (e *Engine) Status() core.CallStatus {
	e.mu.Lock()
	sess := e.sess
	warming := e.warming
	e.mu.Unlock()
	if sess != nil && !sess.Done() {
		return sess.Status()
	}
	if warming {
		return core.StatusWarmingUp
	}
	return core.StatusIdle
}

// RemoteMedia returns the remote stream of the active session, or nil.
func (e *Engine) RemoteMedia() *core.RemoteStream {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil || sess.Done() {
		return nil
	}
	return sess.RemoteMedia()
}

// ActiveFilter reports the currently applied video filter.
func (e *Engine) ActiveFilter() FilterID {
	return e.pipeline.Active()
}

// Warmup builds the warm pool slot opportunistically. Safe to call any
// time: it is a no-op while a call is active, and its failure never
// surfaces.
func (e *Engine) Warmup(ctx context.Context) {
	e.mu.Lock()
	if e.closed || (e.sess != nil && !e.sess.Done()) {
		e.mu.Unlock()
		return
	}
	e.warming = true
	e.mu.Unlock()

	e.notifyStatus(core.StatusWarmingUp)
	e.pool.Build(ctx)

	e.mu.Lock()
	e.warming = false
	idle := e.sess == nil || e.sess.Done()
	e.mu.Unlock()
	if idle {
		e.notifyStatus(core.StatusIdle)
	}
}

// claim installs a new session under the single-active-session guard.
// Rejected with ErrCallInProgress while a non-terminal session exists;
// the overlapping attempt acquires no media and builds no connection.
func (e *Engine) claim(callID core.CallID, remote core.PeerID, role core.Role) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEngineClosed
	}
	if e.sess != nil && !e.sess.Done() {
		return nil, core.ErrCallInProgress
	}
	var s *Session
	s = newSession(callID, role, remote, e.signal, e.cfg.FailGrace, sessionHooks{
		onStatus:      e.notifyStatus,
		onRemoteTrack: e.notifyRemoteTrack,
		stopPipeline:  e.pipeline.Stop,
		onCleanup:     func() { e.sessionDone(s) },
	})
	e.sess = s
	return s, nil
}

// sessionDone drops the guard once the session has fully cleaned up and
// brings the observable status back to Idle. Every teardown path funnels
// through here, so the warm slot comes back after ends, rejections and
// ICE failures alike.
func (e *Engine) sessionDone(s *Session) {
	e.mu.Lock()
	if e.sess == s {
		e.sess = nil
	}
	closed := e.closed
	e.mu.Unlock()
	e.notifyStatus(core.StatusIdle)
	if !closed {
		e.pool.ScheduleRebuild(e.cfg.RebuildDelay)
	}
}

// Start places an outgoing call. The warm pool stream is claimed when
// ready, otherwise capture is acquired fresh; a *core.DeviceError from
// acquisition aborts the attempt and is returned to the caller.
func (e *Engine) Start(ctx context.Context, remote core.PeerID, callID core.CallID) error {
	s, err := e.claim(callID, remote, core.RoleCaller)
	if err != nil {
		return err
	}

	stream := e.pool.Claim()
	if stream == nil {
		stream, err = e.provider.Acquire(ctx, e.constraints)
		if err != nil {
			s.Cleanup()
			return err
		}
	}

	conn, err := e.factory.New()
	if err != nil {
		stream.Stop()
		s.Cleanup()
		return err
	}
	return s.startCaller(ctx, stream, conn)
}

// Accept answers an incoming offer. Capture is always acquired fresh;
// the warm slot, if any, stays put for the next outgoing call.
func (e *Engine) Accept(ctx context.Context, remote core.PeerID, offer webrtc.SessionDescription, callID core.CallID) error {
	s, err := e.claim(callID, remote, core.RoleCallee)
	if err != nil {
		return err
	}

	stream, err := e.provider.Acquire(ctx, e.constraints)
	if err != nil {
		s.Cleanup()
		return err
	}
	conn, err := e.factory.New()
	if err != nil {
		stream.Stop()
		s.Cleanup()
		return err
	}
	return s.startCallee(ctx, stream, conn, offer)
}

// End terminates the active call, notifying the remote party exactly
// once. The session's cleanup schedules the warm pool rebuild.
func (e *Engine) End(ctx context.Context) error {
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()
	if s == nil || s.Done() {
		return nil
	}
	return s.End(ctx)
}

// Reject declines an incoming call without ever acquiring local media.
// If a session for that call is somehow live (races with Accept), it is
// cleaned up too.
func (e *Engine) Reject(ctx context.Context, remote core.PeerID, callID core.CallID, reason string) error {
	if reason == "" {
		reason = "declined"
	}
	err := e.signal.SendReject(ctx, remote, callID, reason)
	if err != nil {
		log.Warn().Err(err).Str("module", "engine").Msg("reject send failed")
	}
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()
	if s != nil && s.CallID() == callID {
		s.Cleanup()
	}
	return err
}

// ToggleAudio flips the microphone's enabled flag and returns the new
// state; false when no audio track exists.
func (e *Engine) ToggleAudio() bool { return e.toggle(core.TrackAudio) }

// ToggleVideo flips the camera's enabled flag and returns the new
// state; false when no video track exists.
func (e *Engine) ToggleVideo() bool { return e.toggle(core.TrackVideo) }

func (e *Engine) toggle(kind core.TrackKind) bool {
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()
	if s == nil || s.Done() {
		return false
	}
	return s.Toggle(kind)
}

// ApplyFilter switches the outbound video transform. No-op without an
// active session.
func (e *Engine) ApplyFilter(id FilterID) error {
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()
	if s == nil || s.Done() {
		return nil
	}
	return e.pipeline.Apply(id, s)
}

// HandleSignal is the single dispatch point for inbound signaling
// events. Messages for an unknown call or peer are ignored.
func (e *Engine) HandleSignal(_ context.Context, ev core.SignalEvent) {
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()

	switch ev := ev.(type) {
	case core.AnswerEvent:
		if s == nil || s.Done() || ev.From != s.Remote() {
			log.Debug().Str("module", "engine").Str("from", string(ev.From)).Msg("answer for unknown session ignored")
			return
		}
		s.HandleAnswer(ev)
	case core.CandidateEvent:
		if s == nil || s.Done() || ev.From != s.Remote() {
			return
		}
		s.HandleCandidate(ev)
	case core.EndedEvent:
		if s == nil || s.Done() || ev.CallID != s.CallID() {
			return
		}
		s.RemoteEnded()
	case core.RejectedEvent:
		if s == nil || s.Done() || ev.CallID != s.CallID() {
			return
		}
		s.RemoteRejected(ev.Reason)
	case core.ErrorEvent:
		log.Warn().Str("module", "engine").Str("message", ev.Message).Msg("signaling error")
	}
}

// Close tears the engine down: ends any active session and releases the
// warm pool, cancelling its rebuild timer.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	s := e.sess
	e.mu.Unlock()

	if s != nil {
		s.Cleanup()
	}
	e.pool.Close()
}
