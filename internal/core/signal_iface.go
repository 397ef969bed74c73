package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// AnswerSender publishes a local session description back through the relay.
// Owned by the signaling adapter.
type AnswerSender interface {
	SendAnswer(ctx context.Context, answer webrtc.SessionDescription) error
}
