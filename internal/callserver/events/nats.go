package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	// URL is one or more comma-separated NATS server URLs.
	URL        string
	StreamName string
	// MaxAge bounds how long the stream retains events.
	MaxAge         time.Duration
	ConnectTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
	Token          string
	User           string
	Password       string
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		StreamName:     "CALLSERVER_CALLS",
		MaxAge:         7 * 24 * time.Hour,
		ConnectTimeout: 5 * time.Second,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
	}
}

// StreamConfig returns the JetStream stream holding call events.
func StreamConfig(cfg NATSConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:            cfg.StreamName,
		Subjects:        []string{PatternAllCalls},
		Retention:       jetstream.LimitsPolicy,
		MaxAge:          cfg.MaxAge,
		Storage:         jetstream.FileStorage,
		Replicas:        1,
		Discard:         jetstream.DiscardOld,
		Duplicates:      5 * time.Minute,
	}
}

// NATSPublisher publishes events to NATS JetStream.
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream string
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// NewNATSPublisher connects to NATS and ensures the event stream exists.
func NewNATSPublisher(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name("callserver-events"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[Events] NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[Events] NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, StreamConfig(cfg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.StreamName, err)
	}

	logger.Info("[Events] NATS publisher initialized", "url", cfg.URL, "stream", cfg.StreamName)
	return &NATSPublisher{conn: conn, js: js, stream: cfg.StreamName, logger: logger}, nil
}

// Publish implements Publisher. The event ID doubles as the JetStream
// message ID so retries are deduplicated.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ack, err := p.js.Publish(ctx, event.Subject(), data, jetstream.WithMsgID(event.ID()))
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish to %s: %w", event.Subject(), err)
	}
	p.published.Add(1)
	p.logger.Debug("[Events] Event published",
		"subject", event.Subject(),
		"stream", ack.Stream,
		"seq", ack.Sequence,
	)
	return nil
}

func (p *NATSPublisher) Flush(ctx context.Context) error {
	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("[Events] Flush failed during close", "error", err)
	}
	p.conn.Close()
	return nil
}

// Stats returns publish counters.
func (p *NATSPublisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}
