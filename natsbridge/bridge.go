// Package natsbridge feeds NATS subjects into bus endpoints. An
// upstream system publishes JSON payloads on subjects; the bridge
// validates each payload against the mapped endpoint's message schema
// and republishes it to every bus subscriber. SharedObject endpoints
// are out of bounds here: their state is owned by server code, not by
// an upstream stream.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wirebus"
	"github.com/adred-codev/wirebus/internal/monitoring"
)

// Publisher is the slice of the bus server the bridge needs. Satisfied
// by *server.Server.
type Publisher interface {
	Publish(endpoint string, message any) error
	Push(endpoint string, message any) error
}

// Config configures the bridge connection and routing.
type Config struct {
	// URL is the NATS server address, e.g. nats://localhost:4222.
	URL string

	// Routes maps NATS subjects (wildcards allowed) to bus endpoint
	// names. The endpoint kind decides delivery: pubsub broadcasts,
	// pushpull hands to one subscriber.
	Routes map[string]string

	MaxReconnects int           // default -1 (retry forever)
	ReconnectWait time.Duration // default 2s

	Logger *zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
}

// Bridge is a running NATS ingest. Create with New, stop with Close.
type Bridge struct {
	logger     zerolog.Logger
	descriptor *wirebus.Descriptor
	pub        Publisher

	conn *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New connects to NATS and subscribes every configured route. Routes
// to undeclared endpoints or non-message kinds fail here, not at
// delivery time.
func New(config Config, descriptor *wirebus.Descriptor, pub Publisher) (*Bridge, error) {
	config.applyDefaults()

	var logger zerolog.Logger
	if config.Logger != nil {
		logger = *config.Logger
	} else {
		logger = zerolog.Nop()
	}

	b := &Bridge{
		logger:     logger.With().Str("component", "nats_bridge").Logger(),
		descriptor: descriptor,
		pub:        pub,
	}

	for subject, endpoint := range config.Routes {
		ep, ok := descriptor.Endpoint(endpoint)
		if !ok {
			return nil, wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "route %s: endpoint not declared", subject)
		}
		if ep.Kind != wirebus.KindPubSub && ep.Kind != wirebus.KindPushPull {
			return nil, wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint,
				"route %s: endpoint kind is %s, not a message kind", subject, ep.Kind)
		}
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			monitoring.NATSConnected(false)
			b.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			monitoring.NATSConnected(true)
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", config.URL, err)
	}
	b.conn = conn
	monitoring.NATSConnected(true)

	for subject, endpoint := range config.Routes {
		if err := b.route(subject, endpoint); err != nil {
			b.Close()
			return nil, err
		}
	}

	b.logger.Info().
		Str("url", config.URL).
		Int("routes", len(config.Routes)).
		Msg("NATS bridge started")
	return b, nil
}

func (b *Bridge) route(subject, endpoint string) error {
	ep, _ := b.descriptor.Endpoint(endpoint)
	deliver := b.pub.Publish
	if ep.Kind == wirebus.KindPushPull {
		deliver = b.pub.Push
	}

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		b.handle(deliver, msg.Subject, endpoint, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *Bridge) handle(deliver func(string, any) error, subject, endpoint string, payload []byte) {
	monitoring.NATSMessageReceived()

	var message any
	if err := json.Unmarshal(payload, &message); err != nil {
		monitoring.NATSMessageDropped()
		b.logger.Warn().Err(err).Str("subject", subject).Msg("Dropping non-JSON bridge payload")
		return
	}

	// Publish/Push validate against the endpoint's message schema, so
	// bad upstream data stops here instead of reaching subscribers.
	if err := deliver(endpoint, message); err != nil {
		if wirebus.IsCode(err, wirebus.CodeConnectionFailed) {
			// No pull subscribers right now; routine for pushpull routes.
			b.logger.Debug().Str("endpoint", endpoint).Msg("Bridge message with no subscriber")
			return
		}
		monitoring.NATSMessageDropped()
		b.logger.Warn().Err(err).
			Str("subject", subject).
			Str("endpoint", endpoint).
			Msg("Dropping bridge message")
	}
}

// Close drains the subscriptions and the connection. Messages already
// handed to handlers finish delivering.
func (b *Bridge) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
	monitoring.NATSConnected(false)
	b.logger.Info().Msg("NATS bridge stopped")
}
