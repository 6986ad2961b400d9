package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/dialtone/internal/core"
)

// WarmPool is a single-slot cache of a pre-acquired capture stream plus
// a pre-negotiated (offer-only) connection, built while idle so a real
// call skips acquisition and ICE-gathering latency. The connection in
// the slot only pre-allocates network resources; it is discarded on
// claim and a fresh one is always created for the real call.
type WarmPool struct {
	provider      core.MediaProvider
	factory       core.ConnectionFactory
	constraints   core.MediaConstraints
	warmupTimeout time.Duration

	// ctx bounds timer-driven builds. Rebuilds outlive the call whose
	// teardown scheduled them, so they must not inherit its context.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stream   core.MediaStream
	conn     core.MediaConnection
	ready    bool
	building bool
	rebuild  *time.Timer
	closed   bool
}

func NewWarmPool(provider core.MediaProvider, factory core.ConnectionFactory, constraints core.MediaConstraints, warmupTimeout time.Duration) *WarmPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &WarmPool{
		provider:      provider,
		factory:       factory,
		constraints:   constraints,
		warmupTimeout: warmupTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Build fills the slot: acquire capture, create a connection, attach the
// tracks, set a local-only offer and wait for ICE gathering to finish or
// time out. Idempotent while ready or already building. Every failure is
// logged and swallowed: a failed warm-up must never block or fail a real
// call, which falls back to fresh acquisition.
func (p *WarmPool) Build(ctx context.Context) {
	p.mu.Lock()
	if p.ready || p.building || p.closed {
		p.mu.Unlock()
		return
	}
	p.building = true
	p.mu.Unlock()

	logger := log.With().Str("module", "engine.warmpool").Logger()

	stream, err := p.provider.Acquire(ctx, p.constraints)
	if err != nil {
		logger.Warn().Err(err).Msg("warm-up acquire failed")
		p.doneBuilding()
		return
	}

	conn, err := p.factory.New()
	if err != nil {
		logger.Warn().Err(err).Msg("warm-up connection failed")
		stream.Stop()
		p.doneBuilding()
		return
	}

	if err := conn.AttachStream(stream); err != nil {
		logger.Warn().Err(err).Msg("warm-up attach failed")
		conn.Close()
		stream.Stop()
		p.doneBuilding()
		return
	}

	if _, err := conn.CreateAndSetOffer(); err != nil {
		logger.Warn().Err(err).Msg("warm-up offer failed")
		conn.Close()
		stream.Stop()
		p.doneBuilding()
		return
	}

	// The slot counts as ready on timeout too: partially gathered
	// candidates still shave latency off the real call.
	select {
	case <-conn.GatheringComplete():
	case <-time.After(p.warmupTimeout):
		logger.Info().Dur("timeout", p.warmupTimeout).Msg("warm-up gathering timed out")
	case <-ctx.Done():
		conn.Close()
		stream.Stop()
		p.doneBuilding()
		return
	}

	p.mu.Lock()
	p.building = false
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		stream.Stop()
		return
	}
	p.stream = stream
	p.conn = conn
	p.ready = true
	p.mu.Unlock()
	logger.Info().Msg("warm slot ready")
}

func (p *WarmPool) doneBuilding() {
	p.mu.Lock()
	p.building = false
	p.mu.Unlock()
}

// Claim moves the pooled stream out of the slot. Only the stream is
// salvaged; the pooled connection is closed, never reused. Returns nil
// when the slot is not ready. Observe-and-clear happens in one critical
// section so a concurrent second claim sees the slot already empty.
func (p *WarmPool) Claim() core.MediaStream {
	p.mu.Lock()
	if !p.ready {
		p.mu.Unlock()
		return nil
	}
	stream := p.stream
	conn := p.conn
	p.stream = nil
	p.conn = nil
	p.ready = false
	p.mu.Unlock()

	if conn != nil {
		conn.DetachHandlers()
		conn.Close()
	}
	log.Info().Str("module", "engine.warmpool").Msg("warm slot claimed")
	return stream
}

// Building reports whether a warm-up is in flight.
func (p *WarmPool) Building() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.building
}

// Ready reports whether the slot holds a claimable stream.
func (p *WarmPool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Invalidate tears the slot down without claiming it.
func (p *WarmPool) Invalidate() {
	p.mu.Lock()
	stream := p.stream
	conn := p.conn
	p.stream = nil
	p.conn = nil
	p.ready = false
	p.mu.Unlock()

	if conn != nil {
		conn.DetachHandlers()
		conn.Close()
	}
	if stream != nil {
		stream.Stop()
	}
}

// ScheduleRebuild arms a fire-and-forget timer that invalidates the slot
// and builds it again, so the next call benefits from warm-up. The build
// runs under the pool's own context, not the scheduling caller's. A
// pending timer is replaced; Close cancels it.
func (p *WarmPool) ScheduleRebuild(after time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.rebuild != nil {
		p.rebuild.Stop()
	}
	p.rebuild = time.AfterFunc(after, func() {
		p.Invalidate()
		p.Build(p.ctx)
	})
	p.mu.Unlock()
}

// Close cancels any pending rebuild and releases an unconsumed slot.
// Called once at engine teardown.
func (p *WarmPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.rebuild != nil {
		p.rebuild.Stop()
		p.rebuild = nil
	}
	p.mu.Unlock()
	p.cancel()
	p.Invalidate()
}
