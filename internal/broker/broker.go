// Package broker wraps NATS JetStream as the outbox engine's delivery
// transport. The outbox publisher loop is the only writer; it derives a
// subject per event (falling back to a catch-all subject when an event
// carries none) and publishes with a message ID so redelivery after a
// connection blip or a replay is deduplicated by the broker itself.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Broker publishes outbox events to JetStream. It offers publishing,
// subject derivation, a health check and shutdown; it has no subscribe
// surface.
type Broker struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger

	streamName      string
	subjectPrefix   string
	fallbackSubject string
}

// Config controls which JetStream stream backs the outbox and how
// subjects are derived and scoped.
type Config struct {
	URL             string
	SubjectPrefix   string
	FallbackSubject string
	StreamName      string
}

// Connect dials the NATS server at cfg.URL, initializes JetStream, and
// ensures the outbox stream exists before returning.
func Connect(cfg Config, logger *slog.Logger) (*Broker, error) {
	if cfg.StreamName == "" {
		cfg.StreamName = "NOVACORE_OUTBOX"
	}

	opts := []nats.Option{
		nats.Name("novacore-outbox"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing JetStream: %w", err)
	}

	b := &Broker{
		conn:            nc,
		js:              js,
		logger:          logger,
		streamName:      cfg.StreamName,
		subjectPrefix:   cfg.SubjectPrefix,
		fallbackSubject: cfg.FallbackSubject,
	}

	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))
	return b, nil
}

func (b *Broker) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:      b.streamName,
		Subjects:  []string{b.subjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	info, err := b.js.StreamInfo(cfg.Name)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("checking stream %s: %w", cfg.Name, err)
	}
	if info == nil {
		if _, err := b.js.AddStream(cfg); err != nil {
			return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
		}
		b.logger.Info("JetStream stream created", slog.String("stream", cfg.Name))
	}
	return nil
}

// Publish sends data to subject synchronously, using msgID for broker-side
// deduplication across retries and replays. It blocks until JetStream
// acknowledges the write or ctx is done.
func (b *Broker) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	_, err := b.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Subject returns the full subject for topic under the configured prefix,
// or the fallback subject when topic is empty.
func (b *Broker) Subject(topic string) string {
	if topic == "" {
		return b.fallbackSubject
	}
	return b.subjectPrefix + "." + topic
}

// HealthCheck verifies the NATS connection is alive.
func (b *Broker) HealthCheck() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection is not active (status: %s)", b.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the NATS connection.
func (b *Broker) Close() {
	b.logger.Info("closing NATS connection")
	b.conn.Drain()
}
