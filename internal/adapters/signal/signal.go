// Package signal is the Socket.IO client that connects the camera to the
// signaling relay.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/edgecam/edgecam/internal/app/ice"
	"github.com/edgecam/edgecam/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure  = errors.New("backpressure")
	ErrClosed        = errors.New("connection closed")
	ErrDisconnected  = errors.New("disconnected by relay")
	ErrConnectRefuse = errors.New("namespace connect refused")
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	sendBuffer       = 32
)

// Handler receives relay events. Calls are made one at a time from the read
// pump, in arrival order.
type Handler interface {
	HandleOffer(ctx context.Context, sid domain.SessionID, offer webrtc.SessionDescription) error
	HandleCandidate(ctx context.Context, sid domain.SessionID, p ice.Payload) error
	HandleDisconnect(ctx context.Context) error
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithOfferRateLimiter(rl *OfferRateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

// Client is one websocket session with the relay.
type Client struct {
	dialer  *websocket.Dialer
	limiter *OfferRateLimiter
	room    domain.RoomID
	logger  zerolog.Logger

	conn *websocket.Conn
	hs   Handshake
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

type offerPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type answerPayload struct {
	RoomID domain.RoomID `json:"roomId"`
	SDP    string        `json:"sdp"`
	Type   string        `json:"type"`
}

type joinPayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

// Endpoint turns the relay base URL into its Socket.IO websocket endpoint.
func Endpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported signaling url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("signaling url %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	u.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()
	return u.String(), nil
}

// Dial connects to the relay, completes the Engine.IO and Socket.IO
// handshakes and joins room.
func Dial(ctx context.Context, serverURL string, room domain.RoomID, opts ...Option) (*Client, error) {
	c := &Client{
		dialer: websocket.DefaultDialer,
		room:   room,
		logger: log.With().Str("module", "signal").Str("room", string(room)).Logger(),
		send:   make(chan []byte, sendBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}

	endpoint, err := Endpoint(serverURL)
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}
	c.conn = conn

	if err := c.handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.logger.Info().Str("engine_sid", c.hs.SID).Msg("connected to signaling server")

	if err := c.emit("join-room", joinPayload{RoomID: room}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join room: %w", err)
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	_ = c.conn.SetWriteDeadline(deadline)
	defer func() {
		_ = c.conn.SetReadDeadline(time.Time{})
		_ = c.conn.SetWriteDeadline(time.Time{})
	}()

	p, err := c.readPacket()
	if err != nil {
		return fmt.Errorf("engine handshake: %w", err)
	}
	if p.Kind != KindOpen {
		return fmt.Errorf("%w: expected open, got %s", ErrBadPacket, p.Kind)
	}
	if err := json.Unmarshal(p.Data, &c.hs); err != nil {
		return fmt.Errorf("%w: open payload: %w", ErrBadPacket, err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, encodeConnect()); err != nil {
		return fmt.Errorf("namespace connect: %w", err)
	}
	for {
		p, err := c.readPacket()
		if err != nil {
			return fmt.Errorf("namespace connect: %w", err)
		}
		switch p.Kind {
		case KindConnect:
			return nil
		case KindConnectError:
			return fmt.Errorf("%w: %s", ErrConnectRefuse, string(p.Data))
		case KindPing:
			if err := c.conn.WriteMessage(websocket.TextMessage, encodePong()); err != nil {
				return fmt.Errorf("namespace connect: %w", err)
			}
		case KindClose, KindDisconnect:
			return ErrDisconnected
		}
	}
}

func (c *Client) readPacket() (Packet, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Packet{}, err
	}
	return Decode(data)
}

// Run pumps relay events into h until the relay goes away or ctx ends. On
// return every session is handed to h.HandleDisconnect. There is no
// reconnection.
func (c *Client) Run(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	err := c.readPump(ctx, h)
	c.Close()

	c.logger.Info().Msg("disconnected from signaling server")
	if derr := h.HandleDisconnect(context.WithoutCancel(ctx)); derr != nil {
		c.logger.Debug().Err(derr).Msg("disconnect handler")
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// SendAnswer publishes the local answer to the room.
func (c *Client) SendAnswer(_ context.Context, answer webrtc.SessionDescription) error {
	return c.emit("answer", answerPayload{
		RoomID: c.room,
		SDP:    answer.SDP,
		Type:   answer.Type.String(),
	})
}

func (c *Client) emit(event string, args ...any) error {
	b, err := EncodeEvent(event, args...)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return c.TrySend(b)
}

func (c *Client) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}
