package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/dialtone/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// Client is a websocket signaling client. It implements
// core.SignalSender and feeds inbound events to the registered
// handlers. Sends are not retried; a full send queue or a closed
// connection surfaces as ErrSignalingUnavailable.
type Client struct {
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	closed  bool
	onEvent func(core.SignalEvent)
	onOffer func(from core.PeerID, callID core.CallID, sdp webrtc.SessionDescription)
}

// Dial connects to the relay's signaling endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "signal").Str("url", url).Msg("signaling connected")
	return &Client{
		conn: ws,
		send: make(chan []byte, 32),
	}, nil
}

// OnEvent registers the engine's inbound dispatch. Register before Run.
func (c *Client) OnEvent(fn func(core.SignalEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// OnOffer registers the incoming-call handler. Offers go to the
// application layer, which decides to Accept or Reject.
func (c *Client) OnOffer(fn func(from core.PeerID, callID core.CallID, sdp webrtc.SessionDescription)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOffer = fn
}

// Run starts the read and write pumps and blocks until the connection
// drops or ctx is done.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("readPump read error")
				return
			}
			c.dispatch(data)
		}
	}
}

// dispatch maps one inbound wire message onto a core.SignalEvent (or
// the offer handler). Malformed payloads and unknown types are logged
// and dropped.
func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	c.mu.RLock()
	onEvent := c.onEvent
	onOffer := c.onOffer
	c.mu.RUnlock()

	switch env.Type {
	case typeOffer:
		if env.SDP == nil {
			log.Warn().Str("module", "signal").Msg("offer without sdp")
			return
		}
		if onOffer != nil {
			onOffer(core.PeerID(env.From), core.CallID(env.CallID), *env.SDP)
		}
	case typeAnswer:
		if env.SDP == nil {
			log.Warn().Str("module", "signal").Msg("answer without sdp")
			return
		}
		c.emit(onEvent, core.AnswerEvent{From: core.PeerID(env.From), SDP: *env.SDP})
	case typeCandidate:
		if env.Candidate == nil {
			log.Warn().Str("module", "signal").Msg("candidate without payload")
			return
		}
		c.emit(onEvent, core.CandidateEvent{From: core.PeerID(env.From), Candidate: *env.Candidate})
	case typeEnded, typeEnd:
		c.emit(onEvent, core.EndedEvent{From: core.PeerID(env.From), CallID: core.CallID(env.CallID)})
	case typeRejected, typeReject:
		c.emit(onEvent, core.RejectedEvent{From: core.PeerID(env.From), CallID: core.CallID(env.CallID), Reason: env.Reason})
	case typeError:
		c.emit(onEvent, core.ErrorEvent{Message: env.Message})
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (c *Client) emit(fn func(core.SignalEvent), ev core.SignalEvent) {
	if fn != nil {
		fn(ev)
	}
}

func (c *Client) trySend(env envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", core.ErrSignalingUnavailable)
	}
	select {
	case c.send <- b:
		return nil
	default:
		return fmt.Errorf("%w: %v", core.ErrSignalingUnavailable, ErrBackpressure)
	}
}

func (c *Client) SendOffer(_ context.Context, to core.PeerID, callID core.CallID, sdp webrtc.SessionDescription) error {
	return c.trySend(envelope{Type: typeOffer, To: string(to), CallID: string(callID), SDP: &sdp})
}

func (c *Client) SendAnswer(_ context.Context, to core.PeerID, sdp webrtc.SessionDescription) error {
	return c.trySend(envelope{Type: typeAnswer, To: string(to), SDP: &sdp})
}

func (c *Client) SendCandidate(_ context.Context, to core.PeerID, cand webrtc.ICECandidateInit) error {
	return c.trySend(envelope{Type: typeCandidate, To: string(to), Candidate: &cand})
}

func (c *Client) SendEnd(_ context.Context, to core.PeerID, callID core.CallID, reason string) error {
	return c.trySend(envelope{Type: typeEnd, To: string(to), CallID: string(callID), Reason: reason, EndedBy: "local"})
}

func (c *Client) SendReject(_ context.Context, to core.PeerID, callID core.CallID, reason string) error {
	return c.trySend(envelope{Type: typeReject, To: string(to), CallID: string(callID), Reason: reason})
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}
