// Package controller runs the sensor/actuator side of the device: it
// publishes water-quality readings and executes feeder commands.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgecam/edgecam/internal/core"
	"github.com/edgecam/edgecam/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrFeedInProgress  = errors.New("feed already in progress")
	ErrAutoFeedEnabled = errors.New("manual feed rejected while auto-feed is enabled")
	ErrUnknownAction   = errors.New("unknown action")
)

const statusQoS = 1

type Topics struct {
	Sensor  string
	Status  string
	Control string
}

func TopicsFor(id domain.DeviceID) Topics {
	return Topics{
		Sensor:  id.Topic("sensor"),
		Status:  id.Topic("status"),
		Control: id.Topic("control"),
	}
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(c *Controller) { c.loc = loc }
}

func WithInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

func WithQoS(qos byte) Option {
	return func(c *Controller) { c.qos = qos }
}

func WithHealthProbe(p core.HealthProbe) Option {
	return func(c *Controller) { c.health = p }
}

func WithFeederConfig(cfg FeederConfig) Option {
	return func(c *Controller) { c.cfg = cfg }
}

type Controller struct {
	pub      core.Publisher
	actuator core.Actuator
	reader   Reader
	health   core.HealthProbe
	topics   Topics
	qos      byte
	interval time.Duration
	loc      *time.Location
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	cfg      FeederConfig
	lastFeed time.Time
	feeding  bool

	wg sync.WaitGroup
}

func New(id domain.DeviceID, pub core.Publisher, actuator core.Actuator, reader Reader, opts ...Option) *Controller {
	c := &Controller{
		pub:      pub,
		actuator: actuator,
		reader:   reader,
		topics:   TopicsFor(id),
		qos:      1,
		interval: time.Second,
		loc:      time.UTC,
		now:      time.Now,
		logger:   log.With().Str("module", "sensor").Str("device_id", string(id)).Logger(),
		cfg:      DefaultFeederConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Topics() Topics { return c.topics }

func (c *Controller) Config() FeederConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

type controlMessage struct {
	Type     string    `json:"type"`
	Action   string    `json:"action"`
	Settings *Settings `json:"settings,omitempty"`
}

type statusUpdate struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	State  string `json:"state"`
}

type onlineStatus struct {
	IsOnline bool             `json:"is_online"`
	Host     *core.HostHealth `json:"host,omitempty"`
}

// OfflineStatus is the last-will payload registered with the broker.
func OfflineStatus() []byte {
	b, _ := json.Marshal(onlineStatus{IsOnline: false})
	return b
}

// AnnounceOnline publishes the retained online status with host health.
func (c *Controller) AnnounceOnline(ctx context.Context) error {
	st := onlineStatus{IsOnline: true}
	if c.health != nil {
		h, err := c.health.Sample(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("host health")
		} else {
			st.Host = &h
		}
	}
	return c.publishJSON(ctx, c.topics.Status, statusQoS, true, st)
}

// HandleControl executes one message from the control topic. Messages that
// are not actions, such as our own status updates, are ignored.
func (c *Controller) HandleControl(ctx context.Context, payload []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}
	if msg.Type != "action" {
		return nil
	}

	switch msg.Action {
	case "feed":
		return c.manualFeed(ctx, msg.Settings)
	case "config":
		return c.applyConfig(msg.Settings)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, msg.Action)
	}
}

func (c *Controller) manualFeed(ctx context.Context, s *Settings) error {
	c.mu.Lock()
	if c.cfg.AutoFeed {
		c.mu.Unlock()
		return ErrAutoFeedEnabled
	}
	seconds := c.cfg.FeedDuration
	c.mu.Unlock()

	if s != nil && s.Duration != nil {
		seconds = *s.Duration
	}
	if seconds <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrBadSettings)
	}
	return c.startFeed(ctx, seconds, "manual")
}

func (c *Controller) applyConfig(s *Settings) error {
	if s == nil {
		return fmt.Errorf("%w: config action without settings", ErrBadSettings)
	}
	c.mu.Lock()
	next, err := c.cfg.Apply(*s)
	if err == nil {
		c.cfg = next
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.logger.Info().
		Bool("auto_feed", next.AutoFeed).
		Str("start", next.Start.String()).
		Str("end", next.End.String()).
		Dur("interval", next.Interval).
		Float64("feed_duration", next.FeedDuration).
		Msg("feeder config updated")
	return nil
}

// startFeed runs one feed in the background. Only one feed runs at a time.
func (c *Controller) startFeed(ctx context.Context, seconds float64, source string) error {
	c.mu.Lock()
	if c.feeding {
		c.mu.Unlock()
		return ErrFeedInProgress
	}
	c.feeding = true
	c.lastFeed = c.now()
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.feed(ctx, seconds, source)
	}()
	return nil
}

func (c *Controller) feed(ctx context.Context, seconds float64, source string) {
	defer func() {
		c.mu.Lock()
		c.feeding = false
		c.mu.Unlock()
	}()

	logger := c.logger.With().Str("source", source).Float64("seconds", seconds).Logger()
	logger.Info().Msg("feeding")
	c.publishStatus(ctx, "ongoing")

	if err := c.actuator.Feed(ctx, seconds); err != nil {
		logger.Error().Err(err).Msg("feed")
	}

	// The stop notice goes out even when ctx was cancelled mid-feed.
	c.publishStatus(context.WithoutCancel(ctx), "stopped")
	logger.Info().Msg("feeding stopped")
}

func (c *Controller) publishStatus(ctx context.Context, state string) {
	err := c.publishJSON(ctx, c.topics.Control, c.qos, false, statusUpdate{
		Type:   "status_update",
		Action: "feed",
		State:  state,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("state", state).Msg("publish feed status")
	}
}

// Run publishes a reading every interval and drives the auto-feed schedule
// until ctx ends. It waits for a running feed before returning.
func (c *Controller) Run(ctx context.Context) error {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	defer c.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.Tick(ctx)
		}
	}
}

// Tick performs one telemetry and scheduling step.
func (c *Controller) Tick(ctx context.Context) {
	if err := c.publishReading(ctx); err != nil {
		c.logger.Error().Err(err).Msg("publish reading")
	}
	c.autoFeed(ctx)
}

func (c *Controller) publishReading(ctx context.Context) error {
	r, err := c.reader.Read(ctx)
	if err != nil {
		return fmt.Errorf("read sensors: %w", err)
	}
	if err := c.publishJSON(ctx, c.topics.Sensor, c.qos, false, r); err != nil {
		return err
	}
	c.logger.Debug().Float64("ph", r.PH).Float64("tds", r.TDS).Float64("do", r.DO).Msg("published reading")
	return nil
}

func (c *Controller) autoFeed(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	cfg, last, busy := c.cfg, c.lastFeed, c.feeding
	c.mu.Unlock()

	if !cfg.AutoFeed || busy || !cfg.InWindow(now.In(c.loc)) {
		return
	}
	if !last.IsZero() && now.Sub(last) < cfg.Interval {
		return
	}
	if err := c.startFeed(ctx, cfg.FeedDuration, "auto"); err != nil && !errors.Is(err, ErrFeedInProgress) {
		c.logger.Error().Err(err).Msg("auto feed")
	}
}

// Wait blocks until background feeds have finished.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) publishJSON(ctx context.Context, topic string, qos byte, retained bool, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if err := c.pub.Publish(ctx, topic, qos, retained, b); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
