package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgecam/edgecam/internal/app/ice"
	"github.com/edgecam/edgecam/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Msg("writePump ctx done")
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				c.logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, h Handler) error {
	timeout := c.hs.ReadTimeout()
	for {
		if timeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return err
			}
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("readPump read error")
			}
			return err
		}

		p, err := Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad packet")
			continue
		}
		switch p.Kind {
		case KindPing:
			if err := c.TrySend(encodePong()); err != nil {
				c.logger.Warn().Err(err).Msg("pong")
			}
		case KindClose, KindDisconnect:
			return ErrDisconnected
		case KindEvent:
			c.dispatch(ctx, h, p)
		default:
			c.logger.Debug().Str("kind", p.Kind.String()).Msg("ignored packet")
		}
	}
}

func (c *Client) dispatch(ctx context.Context, h Handler, p Packet) {
	switch p.Event {
	case "offer":
		c.handleOffer(ctx, h, p.Args)
	case "candidate":
		c.handleCandidate(ctx, h, p.Args)
	default:
		c.logger.Debug().Str("event", p.Event).Msg("unknown event")
	}
}

// sessionArgs splits "<payload>, <sid>" event arguments.
func sessionArgs(args []json.RawMessage, payload any) (domain.SessionID, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("%w: want payload and sid, got %d args", ErrBadPacket, len(args))
	}
	var sid string
	if err := json.Unmarshal(args[1], &sid); err != nil || sid == "" {
		return "", fmt.Errorf("%w: sid", ErrBadPacket)
	}
	if err := json.Unmarshal(args[0], payload); err != nil {
		return domain.SessionID(sid), fmt.Errorf("%w: payload: %w", ErrBadPacket, err)
	}
	return domain.SessionID(sid), nil
}

func (c *Client) handleOffer(ctx context.Context, h Handler, args []json.RawMessage) {
	var req offerPayload
	sid, err := sessionArgs(args, &req)
	logger := c.logger.With().Str("sid", string(sid)).Logger()
	if err != nil {
		logger.Error().Err(err).Msg("bad offer")
		return
	}
	if c.limiter != nil && !c.limiter.Allow(sid) {
		logger.Warn().Err(ErrRateLimited).Msg("offer dropped")
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.NewSDPType(req.Type), SDP: req.SDP}
	if err := h.HandleOffer(ctx, sid, offer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("offer failed")
	}
}

func (c *Client) handleCandidate(ctx context.Context, h Handler, args []json.RawMessage) {
	var req ice.Payload
	sid, err := sessionArgs(args, &req)
	logger := c.logger.With().Str("sid", string(sid)).Logger()
	if err != nil {
		logger.Error().Err(err).Msg("bad candidate")
		return
	}
	if err := h.HandleCandidate(ctx, sid, req); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("candidate failed")
	}
}
