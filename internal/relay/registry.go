// Package relay is a minimal development signaling relay: it gives each
// websocket client a stable peer id and forwards call signaling between
// peers. No persistence, no retry, no auth beyond the cookie token.
package relay

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry maps peer ids to their live websocket connections.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*wsConn
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*wsConn)}
}

// Bind replaces any previous connection for the peer; the old one is
// closed so a reconnect wins.
func (r *Registry) Bind(id string, c *wsConn) {
	r.mu.Lock()
	old := r.peers[id]
	r.peers[id] = c
	r.mu.Unlock()
	if old != nil && old != c {
		old.Close()
	}
	log.Info().Str("module", "relay.registry").Str("peer", id).Msg("peer bound")
}

func (r *Registry) Unbind(id string, c *wsConn) {
	r.mu.Lock()
	if r.peers[id] == c {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	log.Info().Str("module", "relay.registry").Str("peer", id).Msg("peer unbound")
}

func (r *Registry) Get(id string) (*wsConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.peers[id]
	return c, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
