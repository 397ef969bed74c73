package orch

import (
	"context"
	"fmt"

	"github.com/edgecam/edgecam/internal/app"
	"github.com/edgecam/edgecam/internal/app/ice"
	"github.com/edgecam/edgecam/internal/core"
	"github.com/edgecam/edgecam/internal/domain"
)

// HandleCandidate forwards a remote candidate to the session's transport.
// Unknown sessions and malformed candidates are reported and leave every
// session untouched.
func (o *Orchestrator) HandleCandidate(ctx context.Context, sid domain.SessionID, p ice.Payload) error {
	return o.call(ctx, func(context.Context) error {
		return o.onCandidate(sid, p)
	})
}

func (o *Orchestrator) onCandidate(sid domain.SessionID, p ice.Payload) error {
	logger := o.sessionLogger(sid)

	s, ok := o.Registry.Get(sid)
	if !ok {
		err := fmt.Errorf("%w for sid %q", ErrNoSession, sid)
		logger.Error().Err(err).Msg("candidate dropped")
		return err
	}

	cand, err := ice.ParseCandidate(p.Candidate)
	if err != nil {
		logger.Error().Err(err).Msg("error adding ICE candidate")
		return err
	}

	if err := s.Conn.AddICECandidate(cand.Init(p.SDPMid, p.SDPMLineIndex)); err != nil {
		logger.Error().Err(err).Msg("error adding ICE candidate")
		return fmt.Errorf("add ice candidate: %w", err)
	}
	logger.Debug().Str("candidate", cand.String()).Msg("added ICE candidate")
	return nil
}

// onConnState applies one connectivity transition. Events from a transport
// that no longer backs the registered session are ignored.
func (o *Orchestrator) onConnState(sid domain.SessionID, conn core.MediaConnection, state core.ConnState) {
	logger := o.sessionLogger(sid)

	s, ok := o.Registry.Get(sid)
	if !ok || s.Conn != conn {
		logger.Debug().Str("ice_state", state.String()).Msg("stale ICE state")
		return
	}
	s.State = state
	logger.Info().Str("ice_state", state.String()).Msg("ICE state")

	if state != core.ConnStateChecking && s.Timeout != nil {
		s.Timeout.Stop()
		s.Timeout = nil
	}

	switch {
	case state == core.ConnStateChecking:
		if s.Timeout == nil {
			o.startSupervisor(s)
		}
	case state.Established():
		s.EverCompleted = true
		logger.Info().Msg("ICE connection established")
	case state.Terminal():
		o.teardown(sid, "ice "+state.String())
	}
}

func (o *Orchestrator) startSupervisor(s *app.Session) {
	s.TimeoutSeq++
	sid, conn, seq := s.ID, s.Conn, s.TimeoutSeq
	s.Timeout = o.afterFunc(o.checkingTimeout, func() {
		o.post(func(context.Context) { o.onCheckingTimeout(sid, conn, seq) })
	})
}

// onCheckingTimeout fires the forced teardown unless the session moved on
// or the supervisor was cancelled after it had already fired.
func (o *Orchestrator) onCheckingTimeout(sid domain.SessionID, conn core.MediaConnection, seq uint64) {
	s, ok := o.Registry.Get(sid)
	if !ok || s.Conn != conn || s.TimeoutSeq != seq || s.Timeout == nil || s.State != core.ConnStateChecking {
		return
	}
	s.Timeout = nil
	logger := o.sessionLogger(sid)
	logger.Warn().Dur("timeout", o.checkingTimeout).Msg("ICE connection took too long, closing peer connection")
	o.teardown(sid, "checking timeout")
}
