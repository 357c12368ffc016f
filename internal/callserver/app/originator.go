package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/callserver/internal/callserver/api"
	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/dialer"
	"github.com/sebas/callserver/internal/callserver/session"
	"github.com/sebas/callserver/internal/callserver/task"
	"github.com/sebas/callserver/internal/callserver/verbs"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

var (
	errNoApplication = errors.New("hook returned no instructions")
	errUnroutable    = errors.New("target cannot be routed")
)

// Originator starts REST-created calls and messaging sessions.
type Originator struct {
	Logger  *slog.Logger
	Session session.Config
	Dialer  dialer.Config
	Parser  task.Parser
	Fetcher session.AppFetcher

	AccountSid     string
	ApplicationSid string
	DialTimeout    time.Duration
}

var _ api.Originator = (*Originator)(nil)

// CreateCall resolves the call's application, then places the call. The
// session runs in the background and waits for the far end to answer
// before executing tasks that need a dialog.
func (o *Originator) CreateCall(ctx context.Context, req api.CallRequest) (callinfo.Snapshot, error) {
	if _, err := req.To.RequestURI(o.Dialer.Trunk, o.Dialer.Domain); err != nil {
		return callinfo.Snapshot{}, fmt.Errorf("%w: %v", errUnroutable, err)
	}
	info := callinfo.New(callinfo.Params{
		Direction:      callinfo.DirectionOutbound,
		From:           req.From,
		To:             req.To.Display(),
		CallerName:     req.CallerName,
		AccountSid:     o.AccountSid,
		ApplicationSid: o.ApplicationSid,
		CustomerData:   req.Tag,
	})

	var tasks []task.Task
	var err error
	if len(req.Application) > 0 {
		tasks, err = o.Parser.Parse(req.Application)
		if err != nil {
			return callinfo.Snapshot{}, fmt.Errorf("parse application: %w", err)
		}
	} else {
		tasks, err = o.fetch(ctx, *req.CallHook, info.Snapshot())
		if err != nil {
			return callinfo.Snapshot{}, err
		}
	}

	cfg := o.Session
	if req.StatusHook != nil && !req.StatusHook.IsZero() {
		cfg.Sinks.StatusHook = *req.StatusHook
	}
	s := session.NewOutbound(cfg, info, tasks, nil)

	timeout := o.DialTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	d, err := dialer.New(o.Dialer, dialer.Params{
		Target:     req.To,
		From:       req.From,
		CallerName: req.CallerName,
		Headers:    req.Headers,
		Timeout:    timeout,
		Session:    s,
	})
	if err != nil {
		// The session still runs so the failure is reported like any other.
		s.FailDialog(err)
		go o.run(s)
		return callinfo.Snapshot{}, fmt.Errorf("create dialer: %w", err)
	}
	s.SetPending(d)
	snap := s.Snapshot()

	go o.run(s)
	go func() {
		for ev := range d.Events() {
			o.Logger.Debug("[Dialer] Outbound call event", "call_sid", d.CallSid(), "event", ev.Kind)
		}
	}()
	d.Start()
	return snap, nil
}

// SendMessage runs a messaging session. Without a message hook the session
// runs a single message instruction built from the request.
func (o *Originator) SendMessage(ctx context.Context, req api.MessageRequest) (callinfo.Snapshot, error) {
	info := callinfo.New(callinfo.Params{
		Direction:      callinfo.DirectionOutbound,
		From:           req.From,
		To:             req.To,
		AccountSid:     o.AccountSid,
		ApplicationSid: o.ApplicationSid,
		InitialStatus:  callinfo.StatusQueued,
	})

	var tasks []task.Task
	var err error
	if req.MessageHook != nil && !req.MessageHook.IsZero() {
		tasks, err = o.fetch(ctx, *req.MessageHook, map[string]any{
			"messageSid": info.CallSid(),
			"from":       req.From,
			"to":         req.To,
			"text":       req.Text,
			"carrier":    req.Carrier,
		})
	} else {
		var raw []byte
		raw, err = json.Marshal(map[string]string{
			"verb":    verbs.VerbMessage,
			"from":    req.From,
			"to":      req.To,
			"text":    req.Text,
			"carrier": req.Carrier,
		})
		if err == nil {
			tasks, err = o.Parser.Parse(raw)
		}
	}
	if err != nil {
		return callinfo.Snapshot{}, err
	}

	s := session.NewSms(o.Session, info, tasks)
	snap := s.Snapshot()
	go o.run(s)
	return snap, nil
}

func (o *Originator) fetch(ctx context.Context, hook webhook.Hook, payload any) ([]task.Task, error) {
	if o.Fetcher == nil {
		return nil, errors.New("no application fetcher configured")
	}
	body, err := o.Fetcher.Fetch(ctx, hook, payload)
	if err != nil {
		return nil, fmt.Errorf("fetch application: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%s: %w", hook.URL, errNoApplication)
	}
	return o.Parser.Parse(body)
}

func (o *Originator) run(s *session.CallSession) {
	if err := s.Exec(context.Background()); err != nil {
		o.Logger.Warn("[Session] Session ended with error", "call_sid", s.CallSid(), "error", err)
	}
}
