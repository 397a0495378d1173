// Package bus fans drill lifecycle and step-back audit events out to other
// services over NATS.
//
// Publishing is fire-and-forget from the coordinator's point of view: a
// missing or unreachable broker never blocks or fails a session. When no
// broker is configured the coordinator uses [NopPublisher].
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject suffixes. The configured prefix is prepended, giving for example
// "drill.session.started".
const (
	SubjectStarted  = "session.started"
	SubjectStepBack = "session.stepback"
	SubjectEnded    = "session.ended"
)

// Publisher publishes one JSON-encoded event.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close()
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements [Publisher].
func (NopPublisher) Publish(context.Context, string, any) error { return nil }

// Close implements [Publisher].
func (NopPublisher) Close() {}

// Conn is the subset of [*nats.Conn] the publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
	Status() nats.Status
	Drain() error
	Close()
}

// NATSPublisher publishes events to a NATS server.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// Options configures [Connect].
type Options struct {
	URL    string
	Token  string
	Prefix string

	// MaxReconnects bounds reconnection attempts. Defaults to 60.
	MaxReconnects int

	// ReconnectWait is the pause between attempts. Defaults to 2s.
	ReconnectWait time.Duration
}

// Connect dials the NATS server described by opts. The connection retries
// in the background if the server is not reachable yet.
func Connect(opts Options, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 60
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}

	nopts := []nats.Option{
		nats.Name("gtodrill"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if opts.Token != "" {
		nopts = append(nopts, nats.Token(opts.Token))
	}

	nc, err := nats.Connect(opts.URL, nopts...)
	if err != nil {
		return nil, fmt.Errorf("bus: nats connect: %w", err)
	}
	return NewNATSPublisher(nc, opts.Prefix, logger), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the fully qualified subject for suffix.
func (p *NATSPublisher) Subject(suffix string) string {
	if p.prefix == "" {
		return suffix
	}
	return p.prefix + "." + suffix
}

// Publish implements [Publisher].
func (p *NATSPublisher) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", subject, err)
	}
	if err := p.conn.Publish(p.Subject(subject), data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the connection is currently up. Used by the
// readiness probe.
func (p *NATSPublisher) Connected() bool {
	return p.conn.Status() == nats.CONNECTED
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", "err", err)
		p.conn.Close()
	}
}
