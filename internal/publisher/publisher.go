// Package publisher forwards records, alerts and parse failures to NATS as JSON.
package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

// ErrNotConnected is returned while the NATS connection is down.
var ErrNotConnected = errors.New("not connected to NATS")

const (
	KindRecord = "records"
	KindAlert  = "alerts"
	KindError  = "errors"

	DefaultPrefix = "smdr"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
}

// Observer is told about every publish attempt.
type Observer func(kind string, err error)

type Publisher struct {
	conn    Conn
	prefix  string
	observe Observer
}

// Config holds the NATS connection settings.
type Config struct {
	URL           string        `mapstructure:"url"`
	Prefix        string        `mapstructure:"prefix"`
	Name          string        `mapstructure:"name"`
	Token         string        `mapstructure:"token"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// Connect dials NATS and returns a publisher for cfg.Prefix. The client
// reconnects on its own; publishes while disconnected fail fast.
func Connect(cfg Config, observe Observer) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[NATS] Disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[NATS] Reconnected to %s", nc.ConnectedUrl())
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Printf("[NATS] Connected to %s", nc.ConnectedUrl())
	return New(nc, cfg.Prefix, observe), nil
}

// New wraps an existing connection.
func New(conn Conn, prefix string, observe Observer) *Publisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{conn: conn, prefix: prefix, observe: observe}
}

func (p *Publisher) Subject(kind string, parts ...string) string {
	return strings.Join(append([]string{p.prefix, kind}, parts...), ".")
}

func (p *Publisher) PublishRecord(rec *models.Record) error {
	return p.publish(KindRecord, p.Subject(KindRecord), rec)
}

func (p *Publisher) PublishAlert(a *models.AlertEvent) error {
	return p.publish(KindAlert, p.Subject(KindAlert, a.Type), a)
}

func (p *Publisher) PublishParseError(pe *models.ParseError) error {
	return p.publish(KindError, p.Subject(KindError), pe)
}

func (p *Publisher) publish(kind, subject string, v interface{}) error {
	err := p.send(subject, v)
	if p.observe != nil {
		p.observe(kind, err)
	}
	return err
}

func (p *Publisher) send(subject string, v interface{}) error {
	if p == nil || p.conn == nil || !p.conn.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
