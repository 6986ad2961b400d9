// Package engine implements the call connection engine: the session
// state machine, the warm pool, candidate buffering and the frame
// pipeline behind one facade.
package engine

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/dialtone/internal/core"
	"github.com/pion/webrtc/v4"
)

// CandidateBuffer holds trickled ICE candidates that arrive before the
// connection's remote description is set, and replays them in arrival
// order, each exactly once.
type CandidateBuffer struct {
	mu    sync.Mutex
	queue []webrtc.ICECandidateInit
}

func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{}
}

func (b *CandidateBuffer) Push(c webrtc.ICECandidateInit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, c)
}

func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// DrainInto applies every buffered candidate to the connection in
// insertion order and reports how many were taken off the queue. A
// candidate that fails to apply is logged and skipped; the drain
// continues. If the remote description is not set yet this is a no-op
// and the candidates stay queued. The lock is held across the whole
// drain so concurrent drains cannot interleave candidates.
func (b *CandidateBuffer) DrainInto(conn core.MediaConnection) int {
	if conn == nil || !conn.HasRemoteDescription() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.queue {
		if err := conn.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "engine.candidates").Msg("candidate apply failed, skipping")
		}
	}
	drained := len(b.queue)
	b.queue = nil
	return drained
}

// Clear drops everything. Only cleanup calls this.
func (b *CandidateBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
}
