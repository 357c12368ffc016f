package app

import (
	"context"
	"time"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/drain"
	"github.com/sebas/callserver/internal/callserver/session"
	"github.com/sebas/callserver/internal/callserver/verbs"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

// drainSessions exposes the session tracker to the drain coordinator.
type drainSessions struct {
	tracker *session.Tracker
}

func (d drainSessions) Count() int { return d.tracker.Count() }

func (d drainSessions) Sessions() []drain.Session {
	live := d.tracker.List()
	out := make([]drain.Session, 0, len(live))
	for _, s := range live {
		out = append(out, s)
	}
	return out
}

func (d drainSessions) WaitIdle(ctx context.Context) error { return d.tracker.WaitIdle(ctx) }

// webhookObserver records webhook latency.
type webhookObserver interface {
	ObserveWebhook(kind string, d time.Duration)
}

type hookClient interface {
	Fetch(ctx context.Context, hook webhook.Hook, payload any) ([]byte, error)
	Request(ctx context.Context, hook webhook.Hook, snap callinfo.Snapshot) error
}

// timedHooks wraps a webhook client with latency metrics.
type timedHooks struct {
	client  hookClient
	metrics webhookObserver
}

func (t timedHooks) Fetch(ctx context.Context, hook webhook.Hook, payload any) ([]byte, error) {
	start := time.Now()
	defer func() { t.metrics.ObserveWebhook("application", time.Since(start)) }()
	return t.client.Fetch(ctx, hook, payload)
}

func (t timedHooks) Request(ctx context.Context, hook webhook.Hook, snap callinfo.Snapshot) error {
	start := time.Now()
	defer func() { t.metrics.ObserveWebhook("status", time.Since(start)) }()
	return t.client.Request(ctx, hook, snap)
}

// hookMessenger hands messages to a messaging provider webhook.
type hookMessenger struct {
	hook   webhook.Hook
	client hookClient
}

func (m hookMessenger) Send(ctx context.Context, msg verbs.Message) error {
	_, err := m.client.Fetch(ctx, m.hook, msg)
	return err
}
