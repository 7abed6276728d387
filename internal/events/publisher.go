// Package events fans security events out to NATS subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/nats-io/nats.go"
)

// Publisher delivers a persisted security event to downstream consumers
type Publisher interface {
	Publish(ev *models.SecurityEvent) error
	Close()
}

// NATSPublisher publishes each event on <prefix>.<severity>.<kind>
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("bastion"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject an event is published on
func Subject(prefix string, ev *models.SecurityEvent) string {
	return fmt.Sprintf("%s.%s.%s", prefix, ev.Severity, ev.Kind)
}

func (p *NATSPublisher) Publish(ev *models.SecurityEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return p.conn.Publish(Subject(p.prefix, ev), data)
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}

// Noop discards events when no broker is configured
type Noop struct{}

func (Noop) Publish(*models.SecurityEvent) error { return nil }
func (Noop) Close()                              {}
