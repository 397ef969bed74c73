package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgecam/edgecam/internal/core"
	"github.com/edgecam/edgecam/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ICEServers    []string
	LoggerFactory logging.LoggerFactory
}

// configuration leaves ICE servers out entirely when none are set, which
// limits gathering to host candidates.
func (c Config) configuration() webrtc.Configuration {
	if len(c.ICEServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: c.ICEServers}},
	}
}

// NewAPI builds a pion API that can send VP8 with the default interceptors
// (NACK, RTCP reports, TWCC).
func NewAPI(cfg Config) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register vp8: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		s.LoggerFactory = cfg.LoggerFactory
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(s),
	), nil
}

// NewFactory returns a factory of peer connections sharing one API.
func NewFactory(cfg Config) (core.MediaConnectionFactory, error) {
	api, err := NewAPI(cfg)
	if err != nil {
		return nil, err
	}
	pcCfg := cfg.configuration()
	return func(sid domain.SessionID) (core.MediaConnection, error) {
		return NewWebRTCConnection(api, pcCfg, sid)
	}, nil
}

// WebRTCConnection is the media transport of one viewer.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	sid    domain.SessionID
	logger zerolog.Logger
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, sid domain.SessionID) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &WebRTCConnection{
		pc:     pc,
		sid:    sid,
		logger: log.With().Str("module", "webrtc").Str("sid", string(sid)).Logger(),
	}, nil
}

// AddLocalTrack attaches an outbound track and drains RTCP from its sender so
// the interceptors keep working.
func (c *WebRTCConnection) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *WebRTCConnection) OnConnStateChange(fn func(core.ConnState)) {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
		fn(core.ConnStateFromICE(s))
	})
}

// ApplyOfferAndCreateAnswer returns the local answer once ICE gathering has
// finished, so the answer carries every local candidate.
func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	local := c.pc.LocalDescription()
	if local == nil {
		return nil, errors.New("no local description")
	}
	return local, nil
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) Close() error {
	if err := c.pc.Close(); err != nil {
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}
