package capture

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/edgecam/edgecam/internal/core"
	"github.com/edgecam/edgecam/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrDeviceOpen = errors.New("capture device unavailable")

type Option func(*Source)

func WithQueueCapacity(n int) Option {
	return func(s *Source) { s.capacity = n }
}

func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(s *Source) { s.policy = p }
}

// Source owns the single camera handle. While running, one goroutine reads
// frames and fans each of them out to every attached session queue.
type Source struct {
	device   core.Device
	capacity int
	policy   OverflowPolicy
	logger   zerolog.Logger

	mu      sync.Mutex
	reader  core.FrameReader
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	qmu    sync.RWMutex
	queues map[domain.SessionID]*FrameQueue
}

func NewSource(device core.Device, opts ...Option) *Source {
	s := &Source{
		device:   device,
		capacity: DefaultQueueCapacity,
		policy:   DropOldest,
		logger:   log.With().Str("module", "capture").Logger(),
		queues:   make(map[domain.SessionID]*FrameQueue),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the device and launches the capture loop. Starting a running
// source is a no-op.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	reader, err := s.device.Open(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to open camera")
		return fmt.Errorf("%w: %w", ErrDeviceOpen, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.reader = reader
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(loopCtx, reader)

	s.logger.Info().Str("policy", s.policy.String()).Msg("camera turned on")
	return nil
}

// Stop releases the device and waits for the capture loop to exit. Safe to
// call when already stopped.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	reader, cancel := s.reader, s.cancel
	s.reader, s.cancel = nil, nil
	s.running = false
	s.mu.Unlock()

	cancel()
	if err := reader.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("camera close")
	}
	s.wg.Wait()
	s.logger.Info().Msg("camera turned off")
}

func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Attach creates the frame queue for sid, replacing any previous one.
func (s *Source) Attach(sid domain.SessionID) *FrameQueue {
	q := NewFrameQueue(s.capacity, s.policy)

	s.qmu.Lock()
	old, ok := s.queues[sid]
	s.queues[sid] = q
	s.qmu.Unlock()

	if ok {
		old.Close()
	}
	return q
}

// Detach closes and forgets the queue of sid. Unknown ids are ignored.
func (s *Source) Detach(sid domain.SessionID) {
	s.qmu.Lock()
	q, ok := s.queues[sid]
	delete(s.queues, sid)
	s.qmu.Unlock()

	if ok {
		q.Close()
	}
}

func (s *Source) Attached() int {
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	return len(s.queues)
}

// loop reads frames until the device fails or Stop cancels ctx. A read
// failure leaves the source stopped; it is not restarted here.
func (s *Source) loop(ctx context.Context, reader core.FrameReader) {
	defer s.wg.Done()
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("failed to capture frame from camera")
			s.markStopped(reader)
			return
		}
		s.forward(ctx, frame)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Source) forward(ctx context.Context, frame core.Frame) {
	s.qmu.RLock()
	snapshot := make(map[domain.SessionID]*FrameQueue, len(s.queues))
	maps.Copy(snapshot, s.queues)
	s.qmu.RUnlock()

	for sid, q := range snapshot {
		if err := q.Push(ctx, frame); err != nil && !errors.Is(err, ErrQueueClosed) && ctx.Err() == nil {
			s.logger.Warn().Err(err).Str("sid", string(sid)).Msg("push frame")
		}
	}
}

func (s *Source) markStopped(reader core.FrameReader) {
	s.mu.Lock()
	current := s.running && s.reader == reader
	if current {
		s.cancel()
		s.reader, s.cancel = nil, nil
		s.running = false
	}
	s.mu.Unlock()

	if current {
		if err := reader.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("camera close after read failure")
		}
	}
}
