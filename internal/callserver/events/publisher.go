package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sebas/callserver/internal/callserver/callinfo"
)

// Publisher is the interface for publishing call events.
type Publisher interface {
	// Publish sends an event. It fails only for transport errors.
	Publish(ctx context.Context, event Event) error
	// Flush ensures all pending events are published.
	Flush(ctx context.Context) error
	Close() error
}

// NoopPublisher discards all events. Use when no bus is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Flush(context.Context) error          { return nil }
func (NoopPublisher) Close() error                         { return nil }

// LoggingPublisher logs events at debug level. Useful for development.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.Debug("[Events] Event published",
		"subject", event.Subject(),
		"type", event.Type(),
		"call_sid", event.CallID(),
	)
	return nil
}

func (p *LoggingPublisher) Flush(context.Context) error { return nil }
func (p *LoggingPublisher) Close() error                { return nil }

// ChannelPublisher publishes to a buffered channel. Events are dropped when
// the buffer is full.
type ChannelPublisher struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelPublisher{ch: make(chan Event, bufferSize)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	select {
	case p.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.dropped.Add(1)
		slog.Warn("[Events] Event dropped: buffer full", "type", event.Type(), "call_sid", event.CallID())
		return nil
	}
}

func (p *ChannelPublisher) Flush(context.Context) error { return nil }

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Events returns the channel for consuming events.
func (p *ChannelPublisher) Events() <-chan Event { return p.ch }

// DroppedCount returns the number of events dropped due to buffer overflow.
func (p *ChannelPublisher) DroppedCount() int64 { return p.dropped.Load() }

// MultiPublisher fans out events to multiple publishers.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (p *MultiPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, event); err != nil {
			slog.Warn("[Events] One publisher failed", "error", err, "type", event.Type())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *MultiPublisher) Flush(ctx context.Context) error {
	var errs []error
	for _, pub := range p.publishers {
		errs = append(errs, pub.Flush(ctx))
	}
	return errors.Join(errs...)
}

func (p *MultiPublisher) Close() error {
	var errs []error
	for _, pub := range p.publishers {
		errs = append(errs, pub.Close())
	}
	return errors.Join(errs...)
}

// StatusPublisher turns call status snapshots into events.
type StatusPublisher struct {
	builder   *Builder
	publisher Publisher
}

// NewStatusPublisher creates a StatusPublisher publishing to pub.
func NewStatusPublisher(builder *Builder, pub Publisher) *StatusPublisher {
	return &StatusPublisher{builder: builder, publisher: pub}
}

// PublishStatus publishes the events for one status change.
func (p *StatusPublisher) PublishStatus(ctx context.Context, snap callinfo.Snapshot) error {
	var errs []error
	for _, ev := range p.builder.Status(snap) {
		if err := p.publisher.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
