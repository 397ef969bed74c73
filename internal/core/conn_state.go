package core

import "github.com/pion/webrtc/v4"

// ConnState is the ICE connectivity state of one viewer session.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateChecking
	ConnStateConnected
	ConnStateCompleted
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateChecking:
		return "checking"
	case ConnStateConnected:
		return "connected"
	case ConnStateCompleted:
		return "completed"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Established reports whether a working path to the viewer exists.
// pion reports "connected" where other stacks report "completed".
func (s ConnState) Established() bool {
	return s == ConnStateConnected || s == ConnStateCompleted
}

// Terminal reports whether the session must be torn down.
func (s ConnState) Terminal() bool {
	return s == ConnStateDisconnected || s == ConnStateFailed || s == ConnStateClosed
}

func ConnStateFromICE(s webrtc.ICEConnectionState) ConnState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return ConnStateChecking
	case webrtc.ICEConnectionStateConnected:
		return ConnStateConnected
	case webrtc.ICEConnectionStateCompleted:
		return ConnStateCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnStateFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnStateClosed
	default:
		return ConnStateNew
	}
}
