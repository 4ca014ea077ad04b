// Package fanout bridges broadcast hubs running in separate processes over
// NATS. Each hub publishes its locally originated envelopes on one subject
// and re-broadcasts what other processes publish there.
package fanout

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Byounghakim/pc-ui-server-sub000/errors"
	"github.com/Byounghakim/pc-ui-server-sub000/hub"
)

// DefaultSubject is the subject hub envelopes travel on.
const DefaultSubject = "pumpsync.events"

// conn is the slice of the NATS client the backend needs. *nats.Conn is
// adapted through natsConn; tests substitute an in-memory implementation.
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (func() error, error)
	Drain() error
}

// natsConn adapts *nats.Conn to the conn interface.
type natsConn struct {
	nc *nats.Conn
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Subscribe(subject string, handler func(data []byte)) (func() error, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (c *natsConn) Drain() error {
	return c.nc.Drain()
}

// Backend implements hub.Backend on a NATS connection.
type Backend struct {
	conn    conn
	subject string
	logger  *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithSubject overrides the fan-out subject.
func WithSubject(subject string) Option {
	return func(b *Backend) {
		b.subject = subject
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// Connect dials the NATS server and returns a backend on it. The
// connection reconnects indefinitely; envelopes broadcast while
// disconnected are simply not forwarded, which the hub tolerates.
func Connect(url string, opts ...Option) (*Backend, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "fanout", "Connect", "dial nats server")
	}
	return newBackend(&natsConn{nc: nc}, opts...), nil
}

// NewFromConn wraps an existing NATS connection.
func NewFromConn(nc *nats.Conn, opts ...Option) *Backend {
	return newBackend(&natsConn{nc: nc}, opts...)
}

func newBackend(c conn, opts ...Option) *Backend {
	b := &Backend{
		conn:    c,
		subject: DefaultSubject,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish forwards one origin-tagged envelope to the other processes.
func (b *Backend) Publish(msg hub.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "fanout", "Publish", "marshal message")
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return errors.WrapTransient(err, "fanout", "Publish", "publish to subject")
	}
	return nil
}

// Subscribe delivers envelopes published by other processes to handler.
// Undecodable payloads are logged and dropped; one bad producer must not
// take the subscription down.
func (b *Backend) Subscribe(handler func(hub.Message)) (func(), error) {
	unsub, err := b.conn.Subscribe(b.subject, func(data []byte) {
		var msg hub.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("dropping undecodable fan-out message", "subject", b.subject, "error", err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "fanout", "Subscribe", "subscribe to subject")
	}
	return func() {
		if err := unsub(); err != nil {
			b.logger.Debug("unsubscribe failed", "subject", b.subject, "error", err)
		}
	}, nil
}

// Close drains the connection, flushing pending publishes.
func (b *Backend) Close() error {
	if err := b.conn.Drain(); err != nil {
		return errors.WrapTransient(err, "fanout", "Close", "drain connection")
	}
	return nil
}
