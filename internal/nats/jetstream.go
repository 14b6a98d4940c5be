package natsjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamConfig describes the stream that captures inbox events
type StreamConfig struct {
	Name       string
	Subjects   []string
	Duplicates time.Duration
	MaxAge     time.Duration
}

// DefaultStream covers every subject produced by sync.Subject.
var DefaultStream = StreamConfig{
	Name:       "INBOX_EVENTS",
	Subjects:   []string{"inbox.>"},
	Duplicates: 10 * time.Minute,
	MaxAge:     30 * 24 * time.Hour,
}

func (c StreamConfig) natsConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       c.Name,
		Subjects:   c.Subjects,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: c.Duplicates,
		MaxAge:     c.MaxAge,
	}
}

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// NewPublisher connects to url and reconnects indefinitely on drops.
func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	nc, err := nats.Connect(url,
		nats.Name("inbox-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, logger: logger}, nil
}

// EnsureStream creates the stream unless it already exists
func (p *Publisher) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	info, err := p.js.StreamInfo(cfg.Name, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(cfg.natsConfig(), nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.logger.Info("stream created", "stream", cfg.Name, "subjects", cfg.Subjects)
	return nil
}

// Publish sends payload with msgID as the JetStream dedup key.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
