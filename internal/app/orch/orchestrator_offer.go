package orch

import (
	"context"
	"fmt"

	"github.com/edgecam/edgecam/internal/app"
	"github.com/edgecam/edgecam/internal/app/media"
	"github.com/edgecam/edgecam/internal/core"
	"github.com/edgecam/edgecam/internal/domain"
	"github.com/pion/webrtc/v4"
)

// HandleOffer negotiates a media session for sid. On any failure the session
// is abandoned and never left registered.
//
// The session is set up on the loop, the answer is created off the loop
// (ICE gathering can take seconds) and the result is committed back on the
// loop, so other sessions keep progressing meanwhile.
func (o *Orchestrator) HandleOffer(ctx context.Context, sid domain.SessionID, offer webrtc.SessionDescription) error {
	prepared := make(chan *app.Session, 1)
	err := o.call(ctx, func(ctx context.Context) error {
		s, err := o.prepareOffer(ctx, sid, offer)
		if err != nil {
			return err
		}
		prepared <- s
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			// The setup event may still run after we gave up on it.
			o.post(func(context.Context) {
				select {
				case s := <-prepared:
					o.abandon(s, "offer cancelled")
				default:
				}
			})
		}
		return err
	}
	s := <-prepared

	answer, applyErr := s.Conn.ApplyOfferAndCreateAnswer(ctx, offer)

	return o.call(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return o.finishOffer(ctx, s, answer, applyErr)
	})
}

func (o *Orchestrator) prepareOffer(ctx context.Context, sid domain.SessionID, offer webrtc.SessionDescription) (*app.Session, error) {
	logger := o.sessionLogger(sid)
	logger.Info().Msg("received offer")

	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		err := fmt.Errorf("%w: type %q", ErrMalformedOffer, offer.Type.String())
		logger.Error().Err(err).Msg("error handling offer")
		return nil, err
	}

	if _, ok := o.Registry.Get(sid); ok {
		logger.Info().Msg("offer for active session, replacing it")
		o.teardown(sid, "renegotiation")
	}

	// The device must be producing before the track is attached.
	if !o.Capture.Running() {
		if err := o.Capture.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("error handling offer")
			o.releaseCaptureIfIdle()
			return nil, fmt.Errorf("start capture: %w", err)
		}
	}

	conn, err := o.NewConn(sid)
	if err != nil {
		logger.Error().Err(err).Msg("error handling offer")
		o.releaseCaptureIfIdle()
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &app.Session{ID: sid, State: core.ConnStateNew, Conn: conn}
	o.Registry.Put(s)

	if err := o.attachTrack(s); err != nil {
		logger.Error().Err(err).Msg("error handling offer")
		o.teardown(sid, "track setup failed")
		return nil, err
	}
	return s, nil
}

func (o *Orchestrator) attachTrack(s *app.Session) error {
	sid, conn := s.ID, s.Conn

	queue := o.Capture.Attach(sid)
	track, err := media.NewFrameTrack(queue, o.streamID)
	if err != nil {
		return fmt.Errorf("new frame track: %w", err)
	}
	if err := conn.AddLocalTrack(track.Local()); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	s.Track = track

	conn.OnConnStateChange(func(state core.ConnState) {
		o.post(func(context.Context) { o.onConnState(sid, conn, state) })
	})
	return nil
}

// finishOffer commits a negotiated answer. A session that was torn down or
// replaced while the answer was being created is not revived.
func (o *Orchestrator) finishOffer(ctx context.Context, s *app.Session, answer *webrtc.SessionDescription, applyErr error) error {
	logger := o.sessionLogger(s.ID)

	if cur, ok := o.Registry.Get(s.ID); !ok || cur != s {
		err := fmt.Errorf("%w: %q closed during negotiation", ErrNoSession, s.ID)
		logger.Warn().Err(err).Msg("dropping answer")
		return err
	}
	if applyErr != nil {
		logger.Error().Err(applyErr).Msg("error handling offer")
		o.teardown(s.ID, "negotiation failed")
		return fmt.Errorf("apply offer: %w", applyErr)
	}

	trackCtx, cancel := context.WithCancel(context.Background())
	s.StopTrack = cancel
	go s.Track.Run(trackCtx)
	logger.Info().Msg("video stream turned on")

	if err := o.Signal.SendAnswer(ctx, *answer); err != nil {
		logger.Error().Err(err).Msg("error handling offer")
		o.teardown(s.ID, "send answer failed")
		return fmt.Errorf("send answer: %w", err)
	}
	logger.Info().Msg("sent answer")
	return nil
}

// abandon tears s down if it is still the registered session for its id.
func (o *Orchestrator) abandon(s *app.Session, reason string) {
	if cur, ok := o.Registry.Get(s.ID); ok && cur == s {
		o.teardown(s.ID, reason)
	}
}
