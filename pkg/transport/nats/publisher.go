// Package nats implements transport.Publisher over NATS request/reply: the
// same Connect/Option shape and single round-trip-per-call pattern used
// throughout this module's other services, carrying a batch of
// eventcore.WireRecord as a JSON-encoded request body.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chainledger/eventcore/pkg/eventcore"
)

// DefaultSubject is the subject DeliverBatch publishes to when none is given.
const DefaultSubject = "eventcore.outbox.deliver"

// DefaultTimeout bounds how long DeliverBatch waits for the transport's ACK.
const DefaultTimeout = 30 * time.Second

// Publisher implements transport.Publisher over a NATS request/reply round
// trip: one request per batch, one reply is the transport's single ACK for
// the whole batch.
type Publisher struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

// Config configures a Publisher at construction time.
type Config struct {
	// URL is the NATS server URL (e.g. "nats://localhost:4222").
	URL string

	// Name identifies this connection for server-side monitoring.
	Name string

	// Subject overrides DefaultSubject.
	Subject string

	// Timeout overrides DefaultTimeout.
	Timeout time.Duration

	// MaxReconnectAttempts and ReconnectWait bound reconnect behavior.
	MaxReconnectAttempts int
	ReconnectWait        time.Duration
}

// Option mutates a Config.
type Option func(*Config)

// WithName sets the client name used for NATS connection identification.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithSubject overrides DefaultSubject.
func WithSubject(subject string) Option {
	return func(c *Config) { c.Subject = subject }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// Connect dials url and returns a ready Publisher.
func Connect(url string, opts ...Option) (*Publisher, error) {
	cfg := Config{
		URL:                  url,
		Name:                 "eventcore-outbox-publisher",
		Subject:              DefaultSubject,
		Timeout:              DefaultTimeout,
		MaxReconnectAttempts: 5,
		ReconnectWait:        2 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnectAttempts),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("transport/nats: connect: %w", err)
	}

	return &Publisher{nc: nc, subject: cfg.Subject, timeout: cfg.Timeout}, nil
}

// batchEnvelope is the wire shape of one DeliverBatch call. Each
// WireRecord's Payload field is already a JSON string; the
// envelope itself is plain JSON since the transport's framing is explicitly
// out of scope and owes nothing to protojson.
type batchEnvelope struct {
	Events []eventcore.WireRecord `json:"events"`
}

type ackEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// DeliverBatch implements transport.Publisher / eventcore.DeliverFunc: one
// NATS request carrying the whole batch, one reply is the transport's ACK.
func (p *Publisher) DeliverBatch(ctx context.Context, batch []eventcore.WireRecord) error {
	data, err := json.Marshal(batchEnvelope{Events: batch})
	if err != nil {
		return fmt.Errorf("transport/nats: marshal batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := p.nc.RequestWithContext(ctx, p.subject, data)
	if err != nil {
		return fmt.Errorf("transport/nats: request: %w", err)
	}

	var ack ackEnvelope
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return fmt.Errorf("transport/nats: decode ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("transport/nats: transport nacked batch: %s", ack.Error)
	}
	return nil
}

// Close drains and closes the underlying NATS connection.
func (p *Publisher) Close() error {
	p.nc.Drain()
	p.nc.Close()
	return nil
}
