package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

// statusBuffer bounds the per-leg status channel.
const statusBuffer = 32

// deliveryTimeout bounds each sink call made by the notifier goroutine.
const deliveryTimeout = 10 * time.Second

// Notifier delivers a status snapshot to an application webhook.
type Notifier interface {
	Request(ctx context.Context, hook webhook.Hook, snap callinfo.Snapshot) error
}

// StatusStore persists status changes. originSignature identifies the
// instance that produced the change.
type StatusStore interface {
	UpdateCallStatus(ctx context.Context, snap callinfo.Snapshot, originSignature string) error
}

// StatusPublisher fans status changes out to an event bus.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, snap callinfo.Snapshot) error
}

// Metrics receives engine counters.
type Metrics interface {
	SessionStarted(kind string)
	SessionEnded(kind string)
	TaskFinished(verb, outcome string)
	StatusChanged(status string)
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted(string)       {}
func (noopMetrics) SessionEnded(string)         {}
func (noopMetrics) TaskFinished(string, string) {}
func (noopMetrics) StatusChanged(string)        {}

// Sinks are the consumers of status changes.
type Sinks struct {
	Notifier   Notifier
	StatusHook webhook.Hook
	Store      StatusStore
	Publisher  StatusPublisher
	Metrics    Metrics
	// Origin is passed to the status store as the origin signature.
	Origin string
}

func (s Sinks) withDefaults() Sinks {
	if s.Notifier == nil {
		s.Notifier = webhook.Noop{}
	}
	if s.Metrics == nil {
		s.Metrics = noopMetrics{}
	}
	return s
}

// Reporter delivers one leg's status changes, in order, from a dedicated
// goroutine.
type Reporter struct {
	sinks  Sinks
	logger *slog.Logger

	mu         sync.Mutex
	ch         chan callinfo.Snapshot
	closed     bool
	suppressed bool

	done chan struct{}
}

// NewReporter starts the notifier goroutine.
func NewReporter(sinks Sinks, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		sinks:  sinks.withDefaults(),
		logger: logger,
		ch:     make(chan callinfo.Snapshot, statusBuffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Report queues snap for delivery without blocking. It returns false when
// the change was dropped.
func (r *Reporter) Report(snap callinfo.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.suppressed {
		r.logger.Debug("[Session] Status change not delivered",
			"call_sid", snap.CallSid,
			"call_status", snap.CallStatus,
			"suppressed", r.suppressed,
		)
		return false
	}
	select {
	case r.ch <- snap:
		return true
	default:
		r.logger.Warn("[Session] Status queue full, dropping change",
			"call_sid", snap.CallSid,
			"call_status", snap.CallStatus,
		)
		return false
	}
}

// Suppress stops all further deliveries. Used once another instance owns
// the call.
func (r *Reporter) Suppress() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed = true
}

// Suppressed reports whether Suppress was called.
func (r *Reporter) Suppressed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressed
}

// Close stops accepting changes. Queued changes are still delivered.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}

// Done is closed once every queued change has been delivered after Close.
func (r *Reporter) Done() <-chan struct{} {
	return r.done
}

func (r *Reporter) run() {
	defer close(r.done)
	for snap := range r.ch {
		r.deliver(snap)
	}
}

func (r *Reporter) deliver(snap callinfo.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	r.sinks.Metrics.StatusChanged(string(snap.CallStatus))

	if !r.sinks.StatusHook.IsZero() {
		if err := r.sinks.Notifier.Request(ctx, r.sinks.StatusHook, snap); err != nil {
			r.logger.Warn("[Session] Status webhook failed",
				"call_sid", snap.CallSid,
				"call_status", snap.CallStatus,
				"error", err,
			)
		}
	}

	if r.sinks.Store != nil {
		if err := r.sinks.Store.UpdateCallStatus(ctx, snap, r.sinks.Origin); err != nil {
			r.logger.Warn("[Session] Status persistence failed",
				"call_sid", snap.CallSid,
				"error", err,
			)
		}
	}

	if r.sinks.Publisher != nil {
		if err := r.sinks.Publisher.PublishStatus(ctx, snap); err != nil {
			r.logger.Warn("[Session] Status publish failed",
				"call_sid", snap.CallSid,
				"error", err,
			)
		}
	}
}
