package core

import (
	"context"

	"github.com/edgecam/edgecam/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MediaConnection interface {
	// AddLocalTrack attaches an outbound track before negotiation.
	AddLocalTrack(track webrtc.TrackLocal) error
	// OnConnStateChange sets a callback for ICE connectivity transitions.
	// The callback may run on any goroutine.
	OnConnStateChange(func(ConnState))
	// ApplyOfferAndCreateAnswer sets the remote offer and returns the local
	// answer once candidate gathering is complete.
	ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// Close should stop all underlying media resources.
	Close() error
}

// MediaConnectionFactory builds one transport per remote viewer.
type MediaConnectionFactory func(sid domain.SessionID) (MediaConnection, error)
