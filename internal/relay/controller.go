package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

// forwarded are the message types the relay will route between peers.
// Everything else is dropped with a warning.
var forwarded = map[string]bool{
	"offer":         true,
	"answer":        true,
	"ice-candidate": true,
	"end":           true,
	"reject":        true,
}

// delivered maps an outbound type onto the event name the receiving
// engine subscribes to.
var delivered = map[string]string{
	"end":    "ended",
	"reject": "rejected",
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

// Controller owns the websocket endpoint and the forwarding loop.
type Controller struct {
	registry *Registry
	limiter  *RateLimiter
}

func NewController() *Controller {
	return &Controller{
		registry: NewRegistry(),
		limiter:  NewRateLimiter(100, time.Second),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the peer until it
// disconnects. The peer id comes from the client-token middleware.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	peer := c.GetString("client_token")
	log.Info().Str("module", "relay").Str("peer", peer).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	ctl.registry.Bind(peer, conn)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ctl.writePump(ctx, conn)
		cancel()
	}()
	ctl.readPump(ctx, peer, conn)
	cancel()
	ctl.registry.Unbind(peer, conn)
	ctl.limiter.Forget(peer)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, peer string, c *wsConn) {
	defer func() {
		log.Info().Str("module", "relay").Str("peer", peer).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "relay").Str("peer", peer).Msg("readPump read error")
				return
			}
			if !ctl.limiter.Allow(peer) {
				log.Warn().Str("module", "relay").Str("peer", peer).Msg("rate limited")
				continue
			}
			ctl.forward(peer, c, data)
		}
	}
}

// forward routes one message to its target peer, rewriting `to` into
// `from`. The payload passes through untouched otherwise, so client and
// relay can evolve independently.
func (ctl *Controller) forward(peer string, sender *wsConn, data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad json")
		ctl.sendError(sender, "bad_payload")
		return
	}

	typ, _ := msg["type"].(string)
	if !forwarded[typ] {
		log.Warn().Str("module", "relay").Str("type", typ).Msg("unknown signal")
		return
	}
	target, _ := msg["to"].(string)
	if target == "" {
		ctl.sendError(sender, "missing_target")
		return
	}

	dst, ok := ctl.registry.Get(target)
	if !ok {
		log.Warn().Str("module", "relay").Str("peer", peer).Str("target", target).Msg("target not connected")
		ctl.sendError(sender, "peer_unavailable")
		return
	}

	if ev, ok := delivered[typ]; ok {
		msg["type"] = ev
	}
	delete(msg, "to")
	msg["from"] = peer

	out, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("forward marshal")
		return
	}
	if err := dst.TrySend(out); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("target", target).Msg("forward dropped")
		ctl.sendError(sender, "peer_unavailable")
	}
}

func (ctl *Controller) sendError(c *wsConn, message string) {
	b, err := json.Marshal(map[string]string{
		"type":    "error",
		"message": message,
	})
	if err != nil {
		return
	}
	_ = c.TrySend(b)
}
