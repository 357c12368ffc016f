package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/resource"
	"github.com/sebas/callserver/internal/callserver/session"
	"github.com/sebas/callserver/internal/callserver/task"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

const (
	appFetchTimeout = 10 * time.Second
	rejectTimeout   = 5 * time.Second
)

// inboundLeg is an INVITE awaiting its first session.
type inboundLeg interface {
	resource.InboundLeg
	From() (user, name string)
	To() string
}

// inboundRouter turns new INVITEs into running sessions.
type inboundRouter struct {
	logger  *slog.Logger
	session session.Config
	fetcher session.AppFetcher
	parser  task.Parser
	appHook webhook.Hook

	accountSid     string
	applicationSid string
}

// run fetches the application for leg and executes it. It blocks until the
// session ends.
func (r *inboundRouter) run(leg inboundLeg) {
	from, name := leg.From()
	info := callinfo.New(callinfo.Params{
		Direction:      callinfo.DirectionInbound,
		From:           from,
		To:             leg.To(),
		CallerName:     name,
		CallID:         leg.CallID(),
		AccountSid:     r.accountSid,
		ApplicationSid: r.applicationSid,
	})
	logger := r.logger.With("call_sid", info.CallSid(), "call_id", leg.CallID())

	tasks, err := r.application(info.Snapshot())
	if err != nil {
		logger.Error("[App] No application for inbound call", "error", err)
		r.reject(leg, 480, "Temporarily Unavailable")
		return
	}

	var s *session.CallSession
	if session.IsSipRec(headerValue(leg.Headers(), "Content-Type"), leg.RemoteSDP(), leg.Headers()) {
		s, err = session.NewSipRec(r.session, info, leg, tasks)
		if err != nil {
			logger.Warn("[App] Rejecting recording session", "error", err)
			r.reject(leg, 488, "Not Acceptable Here")
			return
		}
	} else {
		s = session.NewInbound(r.session, info, leg, tasks)
	}

	if err := s.Exec(context.Background()); err != nil {
		logger.Warn("[App] Session ended with error", "error", err)
	}
}

func (r *inboundRouter) application(snap callinfo.Snapshot) ([]task.Task, error) {
	if r.appHook.IsZero() {
		return nil, errors.New("no application hook configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), appFetchTimeout)
	defer cancel()

	body, err := r.fetcher.Fetch(ctx, r.appHook, snap)
	if err != nil {
		return nil, fmt.Errorf("fetch application: %w", err)
	}
	tasks, err := r.parser.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse application: %w", err)
	}
	if len(tasks) == 0 {
		return nil, errNoApplication
	}
	return tasks, nil
}

func (r *inboundRouter) reject(leg inboundLeg, code int, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), rejectTimeout)
	defer cancel()
	if err := leg.Reject(ctx, code, reason); err != nil {
		r.logger.Warn("[App] Reject failed", "call_id", leg.CallID(), "error", err)
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
