package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Engine.IO v4 packet types (first byte of every websocket text frame).
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO v5 packet types (first byte of an Engine.IO message body).
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

var ErrBadPacket = errors.New("malformed signaling packet")

type PacketKind int

const (
	KindOpen PacketKind = iota
	KindClose
	KindPing
	KindPong
	KindConnect
	KindDisconnect
	KindEvent
	KindConnectError
)

func (k PacketKind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindEvent:
		return "event"
	case KindConnectError:
		return "connect_error"
	default:
		return "unknown"
	}
}

// Packet is one decoded websocket frame.
type Packet struct {
	Kind  PacketKind
	Event string
	Args  []json.RawMessage
	// Data holds the handshake payload of open, connect and connect_error.
	Data json.RawMessage
}

// Handshake is the Engine.IO open payload.
type Handshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

// ReadTimeout is how long the server may stay silent before the link is
// considered dead.
func (h Handshake) ReadTimeout() time.Duration {
	return time.Duration(h.PingInterval+h.PingTimeout) * time.Millisecond
}

func Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, fmt.Errorf("%w: empty frame", ErrBadPacket)
	}
	switch b[0] {
	case eioOpen:
		return Packet{Kind: KindOpen, Data: json.RawMessage(b[1:])}, nil
	case eioClose:
		return Packet{Kind: KindClose}, nil
	case eioPing:
		return Packet{Kind: KindPing}, nil
	case eioPong:
		return Packet{Kind: KindPong}, nil
	case eioMessage:
		return decodeMessage(b[1:])
	default:
		return Packet{}, fmt.Errorf("%w: engine type %q", ErrBadPacket, b[0])
	}
}

func decodeMessage(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, fmt.Errorf("%w: empty message", ErrBadPacket)
	}
	typ, body := b[0], skipNamespace(b[1:])

	switch typ {
	case sioConnect:
		return Packet{Kind: KindConnect, Data: json.RawMessage(body)}, nil
	case sioDisconnect:
		return Packet{Kind: KindDisconnect}, nil
	case sioConnectError:
		return Packet{Kind: KindConnectError, Data: json.RawMessage(body)}, nil
	case sioEvent:
		// Skip an optional ack id.
		i := 0
		for i < len(body) && body[i] >= '0' && body[i] <= '9' {
			i++
		}
		var raw []json.RawMessage
		if err := json.Unmarshal(body[i:], &raw); err != nil {
			return Packet{}, fmt.Errorf("%w: event body: %w", ErrBadPacket, err)
		}
		if len(raw) == 0 {
			return Packet{}, fmt.Errorf("%w: event without name", ErrBadPacket)
		}
		var name string
		if err := json.Unmarshal(raw[0], &name); err != nil {
			return Packet{}, fmt.Errorf("%w: event name: %w", ErrBadPacket, err)
		}
		return Packet{Kind: KindEvent, Event: name, Args: raw[1:]}, nil
	default:
		return Packet{}, fmt.Errorf("%w: socket type %q", ErrBadPacket, typ)
	}
}

// skipNamespace drops a leading "/nsp," prefix.
func skipNamespace(b []byte) []byte {
	if len(b) == 0 || b[0] != '/' {
		return b
	}
	if i := bytes.IndexByte(b, ','); i >= 0 {
		return b[i+1:]
	}
	return nil
}

// EncodeEvent builds a default-namespace event frame.
func EncodeEvent(event string, args ...any) ([]byte, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, event)
	payload = append(payload, args...)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return append([]byte{eioMessage, sioEvent}, body...), nil
}

func encodeConnect() []byte { return []byte{eioMessage, sioConnect} }

func encodePong() []byte { return []byte{eioPong} }
