package orch

import (
	"context"
	"errors"
	"time"

	"github.com/edgecam/edgecam/internal/app"
	"github.com/edgecam/edgecam/internal/app/capture"
	"github.com/edgecam/edgecam/internal/core"
	"github.com/edgecam/edgecam/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultCheckingTimeout bounds how long a session may stay in ICE checking.
const DefaultCheckingTimeout = 5 * time.Second

var (
	ErrNoSession      = errors.New("no active session")
	ErrMalformedOffer = errors.New("malformed offer")
	ErrClosed         = errors.New("orchestrator closed")
)

// Capture is the hardware capture source as seen by the orchestrator.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	Attach(sid domain.SessionID) *capture.FrameQueue
	Detach(sid domain.SessionID)
}

// Snapshot is a point-in-time view of the orchestrator state.
type Snapshot struct {
	CaptureRunning bool              `json:"capture_running"`
	Sessions       []app.SessionInfo `json:"sessions"`
}

type Option func(*Orchestrator)

func WithCheckingTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.checkingTimeout = d }
}

// WithAfterFunc replaces time.AfterFunc for scheduling checking timeouts.
func WithAfterFunc(fn func(time.Duration, func()) app.Timer) Option {
	return func(o *Orchestrator) { o.afterFunc = fn }
}

// WithStreamID sets the media stream id announced to viewers.
func WithStreamID(id string) Option {
	return func(o *Orchestrator) { o.streamID = id }
}

// Orchestrator is the session manager. All session state transitions and
// registry mutations run on the goroutine executing Run.
type Orchestrator struct {
	Registry *app.Registry
	Capture  Capture
	Signal   core.AnswerSender
	NewConn  core.MediaConnectionFactory

	checkingTimeout time.Duration
	afterFunc       func(time.Duration, func()) app.Timer
	streamID        string
	logger          zerolog.Logger

	events chan func(context.Context)
	done   chan struct{}
}

func New(capture Capture, signal core.AnswerSender, newConn core.MediaConnectionFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Registry:        app.NewRegistry(),
		Capture:         capture,
		Signal:          signal,
		NewConn:         newConn,
		checkingTimeout: DefaultCheckingTimeout,
		afterFunc: func(d time.Duration, f func()) app.Timer {
			return time.AfterFunc(d, f)
		},
		streamID: "camera",
		logger:   log.With().Str("module", "orch").Logger(),
		events:   make(chan func(context.Context), 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run serves events until ctx ends, then tears every session down.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	for {
		select {
		case ev := <-o.events:
			ev(ctx)
		case <-ctx.Done():
			o.teardownAll("shutdown")
			return ctx.Err()
		}
	}
}

// call runs fn on the loop and waits for its result until ctx ends. An event
// whose caller has already given up is skipped.
func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) error) error {
	reply := make(chan error, 1)
	ev := func(context.Context) {
		if err := ctx.Err(); err != nil {
			reply <- err
			return
		}
		reply <- fn(ctx)
	}

	select {
	case o.events <- ev:
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. Used by transport callbacks and timers.
func (o *Orchestrator) post(fn func(context.Context)) {
	select {
	case o.events <- fn:
	case <-o.done:
	}
}

func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	out := make(chan Snapshot, 1)
	err := o.call(ctx, func(context.Context) error {
		out <- Snapshot{
			CaptureRunning: o.Capture.Running(),
			Sessions:       o.Registry.Snapshot(),
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return <-out, nil
}

func (o *Orchestrator) sessionLogger(sid domain.SessionID) zerolog.Logger {
	return o.logger.With().Str("sid", string(sid)).Logger()
}
