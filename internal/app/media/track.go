package media

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"time"

	"github.com/edgecam/edgecam/internal/app/capture"
	"github.com/edgecam/edgecam/internal/core"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// ClockRate is the RTP clock of video tracks.
	ClockRate = 90000
	// MTU bounds the size of outbound RTP packets.
	MTU = 1200
)

// Sample is a frame stamped for the outbound stream.
type Sample struct {
	Frame core.Frame
	// PTS is the presentation timestamp in ClockRate units, relative to the
	// first sample of the track. It wraps like an RTP timestamp.
	PTS uint32
}

// FrameTrack delivers frames from one session queue to one outbound track.
type FrameTrack struct {
	queue      *capture.FrameQueue
	local      *webrtc.TrackLocalStaticRTP
	packetizer rtp.Packetizer
	base       uint32
	logger     zerolog.Logger

	now     func() time.Time
	start   time.Time
	last    uint64
	started bool
}

func NewFrameTrack(queue *capture.FrameQueue, streamID string) (*FrameTrack, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: ClockRate},
		"video-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, err
	}
	// Payload type and SSRC are rewritten per binding by the local track.
	packetizer := rtp.NewPacketizer(MTU, 0, 0, &codecs.VP8Payloader{EnablePictureID: true}, rtp.NewRandomSequencer(), ClockRate)

	return &FrameTrack{
		queue:      queue,
		local:      local,
		packetizer: packetizer,
		base:       rand.Uint32(),
		logger:     log.With().Str("module", "media").Str("stream_id", streamID).Logger(),
		now:        time.Now,
	}, nil
}

// Local returns the track to attach to the peer connection.
func (t *FrameTrack) Local() webrtc.TrackLocal { return t.local }

// Next blocks until the queue yields a frame and stamps it. Timestamps are
// strictly increasing for the life of the track.
func (t *FrameTrack) Next(ctx context.Context) (Sample, error) {
	frame, err := t.queue.Pop(ctx)
	if err != nil {
		return Sample{}, err
	}

	now := t.now()
	if !t.started {
		t.start = now
		t.started = true
		t.last = 0
		return Sample{Frame: frame, PTS: 0}, nil
	}

	pts := uint64(now.Sub(t.start)/time.Microsecond) * ClockRate / 1_000_000
	if pts <= t.last {
		pts = t.last + 1
	}
	t.last = pts
	return Sample{Frame: frame, PTS: uint32(pts)}, nil
}

// Run pumps samples into the outbound track until ctx ends or the queue is
// closed.
func (t *FrameTrack) Run(ctx context.Context) {
	for {
		s, err := t.Next(ctx)
		if err != nil {
			if !errors.Is(err, capture.ErrQueueClosed) && ctx.Err() == nil {
				t.logger.Error().Err(err).Msg("pull frame")
			}
			return
		}
		if err := t.write(s); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			t.logger.Warn().Err(err).Msg("write rtp")
		}
	}
}

func (t *FrameTrack) write(s Sample) error {
	for _, pkt := range t.packetizer.Packetize(s.Frame, 0) {
		pkt.Timestamp = t.base + s.PTS
		if err := t.local.WriteRTP(pkt); err != nil {
			return err
		}
	}
	return nil
}
