package orch

import (
	"context"

	"github.com/edgecam/edgecam/internal/domain"
)

// HandleDisconnect treats loss of the relay as loss of every viewer: all
// sessions are torn down and the camera is released.
func (o *Orchestrator) HandleDisconnect(ctx context.Context) error {
	return o.call(ctx, func(context.Context) error {
		o.teardownAll("relay disconnected")
		return nil
	})
}

// teardown removes sid and releases everything it holds. Calling it for an
// id that is not registered does nothing.
func (o *Orchestrator) teardown(sid domain.SessionID, reason string) {
	s, ok := o.Registry.Remove(sid)
	if !ok {
		return
	}
	logger := o.sessionLogger(sid)

	if s.Timeout != nil {
		s.Timeout.Stop()
		s.Timeout = nil
	}
	if s.StopTrack != nil {
		s.StopTrack()
	}
	o.Capture.Detach(sid)
	if s.Conn != nil {
		if err := s.Conn.Close(); err != nil {
			logger.Error().Err(err).Msg("close peer connection")
		}
	}
	logger.Info().
		Str("reason", reason).
		Bool("had_stream", s.EverCompleted).
		Msg("peer connection closed")

	o.releaseCaptureIfIdle()
}

func (o *Orchestrator) teardownAll(reason string) {
	for _, sid := range o.Registry.IDs() {
		o.teardown(sid, reason)
	}
	if o.Capture.Running() {
		o.Capture.Stop()
	}
}

func (o *Orchestrator) releaseCaptureIfIdle() {
	if o.Registry.Len() == 0 && o.Capture.Running() {
		o.logger.Info().Msg("no active connections, closing camera")
		o.Capture.Stop()
	}
}
