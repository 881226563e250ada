package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/printwatch/internal/infrastructure/config"
)

// ErrNotConnected is returned when publishing on a closed publisher.
var ErrNotConnected = errors.New("eventbus: not connected")

// Event names.
const (
	EventTransition = "transition"
	EventCancelled  = "cancelled"
	EventMilestone  = "milestone"
)

// Logger defines the logging interface for the bus.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Publisher sends events to NATS.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials the NATS server in cfg. The connection reconnects forever in
// the background.
func Connect(cfg config.NATSConfig, logger Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("nats error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", cfg.URL, err)
	}
	return &Publisher{nc: nc, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject for deviceID and event.
func Subject(prefix, deviceID, event string) string {
	parts := make([]string, 0, 4)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, "printer", sanitiseToken(deviceID), event)
	return strings.Join(parts, ".")
}

// Publish encodes v as JSON and publishes it for deviceID.
func (p *Publisher) Publish(deviceID, event string, v any) error {
	if p == nil || p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	if err := p.nc.Publish(Subject(p.prefix, deviceID, event), data); err != nil {
		return fmt.Errorf("publishing %s event: %w", event, err)
	}
	return nil
}

// HealthCheck reports whether the connection is up.
func (p *Publisher) HealthCheck() error {
	if p == nil || p.nc == nil || !p.nc.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}

// sanitiseToken replaces characters that are separators or wildcards in
// NATS subjects.
func sanitiseToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
