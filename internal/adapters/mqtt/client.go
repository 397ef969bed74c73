// Package mqtt connects the sensor daemon to its broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("mqtt not connected")

type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type Config struct {
	Broker   string
	Port     int
	ClientID string
	Will     *Will

	KeepAlive            time.Duration
	ConnectRetryInterval time.Duration
	MaxReconnectInterval time.Duration
}

// Handler receives one message from a subscribed topic.
type Handler func(ctx context.Context, topic string, payload []byte)

type subscription struct {
	qos     byte
	handler Handler
}

// Client wraps a paho client. Subscriptions are remembered and replayed on
// every (re)connect.
type Client struct {
	c      paho.Client
	logger zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	subs      map[string]subscription
	onConnect []func(context.Context)
}

func New(cfg Config) *Client {
	cl := newClient(cfg.ClientID)
	cl.c = paho.NewClient(cl.options(cfg))
	return cl
}

func newClient(clientID string) *Client {
	return &Client{
		logger: log.With().Str("module", "mqtt").Str("client_id", clientID).Logger(),
		ctx:    context.Background(),
		subs:   make(map[string]subscription),
	}
}

func (c *Client) options(cfg Config) *paho.ClientOptions {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectRetryInterval <= 0 {
		cfg.ConnectRetryInterval = time.Second
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 2 * time.Minute
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.ConnectRetryInterval).
		SetMaxReconnectInterval(cfg.MaxReconnectInterval).
		SetOnConnectHandler(c.handleConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn().Err(err).Msg("connection lost")
		}).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			c.logger.Info().Msg("reconnecting")
		})
	if cfg.Will != nil {
		opts.SetBinaryWill(cfg.Will.Topic, cfg.Will.Payload, cfg.Will.QoS, cfg.Will.Retained)
	}
	return opts
}

// OnConnect registers fn to run after every successful (re)connect, once
// subscriptions have been replayed.
func (c *Client) OnConnect(fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Subscribe records the subscription and applies it now if connected.
func (c *Client) Subscribe(topic string, qos byte, h Handler) {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: h}
	c.mu.Unlock()

	if c.c.IsConnectionOpen() {
		c.subscribe(topic, subscription{qos: qos, handler: h})
	}
}

func (c *Client) subscribe(topic string, s subscription) {
	tok := c.c.Subscribe(topic, s.qos, func(_ paho.Client, m paho.Message) {
		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()
		s.handler(ctx, m.Topic(), m.Payload())
	})
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			c.logger.Error().Err(err).Str("topic", topic).Msg("subscribe")
			return
		}
		c.logger.Info().Str("topic", topic).Msg("subscribed")
	}()
}

func (c *Client) handleConnect(paho.Client) {
	c.logger.Info().Msg("connected to broker")

	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	maps.Copy(subs, c.subs)
	hooks := append([]func(context.Context){}, c.onConnect...)
	ctx := c.ctx
	c.mu.Unlock()

	for topic, s := range subs {
		c.subscribe(topic, s)
	}
	for _, fn := range hooks {
		fn(ctx)
	}
}

// Connect starts the connection and waits for the first successful connect.
// ctx also scopes message handlers.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	if err := wait(ctx, c.c.Connect()); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if !c.c.IsConnectionOpen() {
		return ErrNotConnected
	}
	return wait(ctx, c.c.Publish(topic, qos, retained, payload))
}

// Close disconnects cleanly, which suppresses the last will.
func (c *Client) Close() {
	c.c.Disconnect(250)
	c.logger.Info().Msg("disconnected")
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
