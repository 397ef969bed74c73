package app

import (
	"context"

	"github.com/edgecam/edgecam/internal/app/media"
	"github.com/edgecam/edgecam/internal/core"
	"github.com/edgecam/edgecam/internal/domain"
)

// Timer is a cancellable scheduled task. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Session is one remote viewer. It owns a handle to its transport and never
// stores state on the transport itself.
type Session struct {
	ID    domain.SessionID
	State core.ConnState
	Conn  core.MediaConnection
	Track *media.FrameTrack

	// Timeout is non-nil only while State is checking.
	Timeout    Timer
	TimeoutSeq uint64

	EverCompleted bool
	StopTrack     context.CancelFunc
}

// SessionInfo is a read-only view for APIs (no transport fields).
type SessionInfo struct {
	ID            domain.SessionID `json:"id"`
	State         string           `json:"state"`
	EverCompleted bool             `json:"ever_completed"`
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{ID: s.ID, State: s.State.String(), EverCompleted: s.EverCompleted}
}
