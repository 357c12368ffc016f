package verbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/dialer"
	"github.com/sebas/callserver/internal/callserver/resource"
	"github.com/sebas/callserver/internal/callserver/task"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

const (
	defaultDialTimeout = 60 * time.Second
	childKillTimeout   = 10 * time.Second
)

// dial places calls to one or more targets in parallel, bridges the first
// that answers to the caller, and stays up until either side hangs up.
type dial struct {
	task.Base
	lifecycle
	Target      []dialer.Target   `json:"target"`
	CallerID    string            `json:"callerId"`
	CallerName  string            `json:"callerName"`
	Timeout     int               `json:"timeout"`
	TimeLimit   int               `json:"timeLimit"`
	Headers     map[string]string `json:"headers"`
	ActionHook  *webhook.Hook     `json:"actionHook"`
	StatusHook  *webhook.Hook     `json:"statusHook"`
	ConfirmHook *webhook.Hook     `json:"confirmHook"`
	Listen      json.RawMessage   `json:"listen"`

	deps   Deps
	listen *listen

	legMu    sync.Mutex
	child    *dialer.SingleDialer
	parentEp resource.Endpoint
	sess     task.Session
	execCtx  context.Context
	adulted  bool
}

func newDial(raw json.RawMessage, deps Deps) (task.Task, error) {
	d := &dial{deps: deps}
	if err := decode(raw, VerbDial, d); err != nil {
		return nil, err
	}
	if len(d.Target) == 0 {
		return nil, errors.New("dial: at least one target is required")
	}
	for i := range d.Target {
		if err := d.Target[i].Validate(); err != nil {
			return nil, fmt.Errorf("dial: target %d: %w", i, err)
		}
		if d.Target[i].ConfirmHook == nil && d.ConfirmHook != nil {
			d.Target[i].ConfirmHook = d.ConfirmHook
		}
	}
	if len(d.Listen) > 0 {
		l, err := newListen(d.Listen)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		d.listen = l
	}
	d.Base = task.Base{VerbName: VerbDial, Precondition: task.PreconditionEndpoint, Raw: raw}
	return d, nil
}

// dialOutcome is posted to the action hook when the dial ends.
type dialOutcome struct {
	CallSid          string              `json:"callSid"`
	DialCallSid      string              `json:"dialCallSid,omitempty"`
	DialCallStatus   callinfo.CallStatus `json:"dialCallStatus"`
	DialSipStatus    int                 `json:"dialSipStatus,omitempty"`
	DialCallDuration int                 `json:"dialCallDuration"`
}

func (d *dial) SubTask() task.Task {
	if d.listen == nil {
		return nil
	}
	return d.listen
}

func (d *dial) Exec(ctx context.Context, s task.Session, r task.Resources) error {
	ctx, cancel := d.begin(ctx)
	defer cancel()

	dialers := d.startDialers(s, r)
	if len(dialers) == 0 {
		return errors.New("dial: no target could be dialed")
	}

	winner, last := d.awaitAnswer(ctx, s, dialers)
	outcome := dialOutcome{CallSid: s.CallSid(), DialCallStatus: callinfo.StatusFailed}
	if last != nil {
		snap := last.Snapshot()
		outcome.DialCallSid = snap.CallSid
		outcome.DialCallStatus = snap.CallStatus
		outcome.DialSipStatus = snap.SipStatus
	}
	if winner != nil {
		answered := time.Now()
		d.connect(ctx, s, r.Endpoint, winner)
		snap := winner.Snapshot()
		outcome.DialCallSid = snap.CallSid
		outcome.DialCallStatus = snap.CallStatus
		outcome.DialSipStatus = snap.SipStatus
		outcome.DialCallDuration = int(time.Since(answered).Seconds())
	}

	if ctx.Err() != nil || d.ActionHook == nil || d.ActionHook.IsZero() {
		return nil
	}
	tasks, err := fetchTasks(ctx, d.deps, *d.ActionHook, outcome)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dial action hook: %w", err)
	}
	if len(tasks) > 0 {
		s.ReplaceApplication(tasks)
	}
	return nil
}

func (d *dial) startDialers(s task.Session, r task.Resources) []*dialer.SingleDialer {
	snap := s.Snapshot()
	from := d.CallerID
	if from == "" {
		from = snap.From
	}
	timeout := defaultDialTimeout
	if d.Timeout > 0 {
		timeout = time.Duration(d.Timeout) * time.Second
	}
	var statusHook webhook.Hook
	if d.StatusHook != nil {
		statusHook = *d.StatusHook
	}

	dialers := make([]*dialer.SingleDialer, 0, len(d.Target))
	for _, t := range d.Target {
		dl, err := dialer.New(d.deps.Dialer, dialer.Params{
			Target:         t,
			From:           from,
			CallerName:     d.CallerName,
			ParentCallSid:  s.CallSid(),
			AccountSid:     snap.AccountSid,
			ApplicationSid: snap.ApplicationSid,
			Headers:        d.Headers,
			Timeout:        timeout,
			StatusHook:     statusHook,
			Media:          r.Media,
		})
		if err != nil {
			s.Logger().Warn("[Verb] Skipping dial target", "target", t.Display(), "error", err)
			continue
		}
		dialers = append(dialers, dl)
	}
	for _, dl := range dialers {
		dl.Start()
	}
	s.Logger().Info("[Verb] Dialing", "targets", len(dialers), "timeout", timeout)
	return dialers
}

// awaitAnswer waits for the first leg to be accepted and kills the others.
// It returns the winner, if any, and the last leg to decline.
func (d *dial) awaitAnswer(ctx context.Context, s task.Session, dialers []*dialer.SingleDialer) (*dialer.SingleDialer, *dialer.SingleDialer) {
	merged := make(chan dialer.Event)
	stop := make(chan struct{})
	defer close(stop)

	var wg sync.WaitGroup
	for _, dl := range dialers {
		wg.Add(1)
		go func(dl *dialer.SingleDialer) {
			defer wg.Done()
			for ev := range dl.Events() {
				select {
				case merged <- ev:
				case <-stop:
				}
			}
		}(dl)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	var last *dialer.SingleDialer
	for {
		select {
		case ev, ok := <-merged:
			if !ok {
				return nil, last
			}
			switch ev.Kind {
			case dialer.EventAccept:
				s.Logger().Info("[Verb] Dial answered", "dial_call_sid", ev.Dialer.CallSid())
				killDialers(s, dialers, ev.Dialer)
				return ev.Dialer, last
			case dialer.EventDecline:
				last = ev.Dialer
			}
		case <-ctx.Done():
			killDialers(s, dialers, nil)
			return nil, last
		}
	}
}

// killDialers tears down every dialer except keep, in parallel.
func killDialers(s task.Session, dialers []*dialer.SingleDialer, keep *dialer.SingleDialer) {
	ctx, cancel := context.WithTimeout(context.Background(), childKillTimeout)
	defer cancel()

	var g errgroup.Group
	for _, dl := range dialers {
		if dl == keep {
			continue
		}
		g.Go(func() error { return dl.Kill(ctx) })
	}
	if err := g.Wait(); err != nil {
		s.Logger().Warn("[Verb] Failed to tear down dial attempt", "error", err)
	}
}

// connect bridges the caller to child and blocks until the bridge ends.
func (d *dial) connect(ctx context.Context, s task.Session, parentEp resource.Endpoint, child *dialer.SingleDialer) {
	d.legMu.Lock()
	d.child, d.parentEp, d.sess, d.execCtx = child, parentEp, s, ctx
	d.legMu.Unlock()
	defer func() {
		d.legMu.Lock()
		d.child, d.parentEp, d.sess, d.execCtx = nil, nil, nil, nil
		d.legMu.Unlock()
	}()

	if err := parentEp.Bridge(ctx, child.Endpoint()); err != nil {
		s.Logger().Error("[Verb] Failed to bridge child leg", "dial_call_sid", child.CallSid(), "error", err)
		d.release(s, parentEp, child)
		return
	}

	var listenDone chan struct{}
	if d.listen != nil {
		listenDone = make(chan struct{})
		go func() {
			defer close(listenDone)
			if err := d.listen.Exec(ctx, s, task.Resources{Endpoint: parentEp}); err != nil {
				s.Logger().Warn("[Verb] Nested listen failed", "error", err)
			}
		}()
	}

	var limit <-chan time.Time
	if d.TimeLimit > 0 {
		timer := time.NewTimer(time.Duration(d.TimeLimit) * time.Second)
		defer timer.Stop()
		limit = timer.C
	}
	select {
	case <-child.Ended():
	case <-ctx.Done():
	case <-limit:
		s.Logger().Info("[Verb] Dial reached time limit", "time_limit", d.TimeLimit)
	}

	if d.listen != nil {
		d.listen.Kill(context.Background())
		<-listenDone
	}
	d.release(s, parentEp, child)
}

func (d *dial) release(s task.Session, parentEp resource.Endpoint, child *dialer.SingleDialer) {
	ctx, cancel := context.WithTimeout(context.Background(), childKillTimeout)
	defer cancel()

	if err := parentEp.Unbridge(ctx); err != nil {
		s.Logger().Warn("[Verb] Failed to unbridge", "error", err)
	}
	d.legMu.Lock()
	adulted := d.adulted
	d.legMu.Unlock()
	if adulted {
		return
	}
	if err := child.Kill(ctx); err != nil {
		s.Logger().Warn("[Verb] Failed to hang up child leg", "dial_call_sid", child.CallSid(), "error", err)
	}
}

// Mute mutes or unmutes the caller toward the bridged leg.
func (d *dial) Mute(ctx context.Context, mute bool) error {
	d.legMu.Lock()
	ep := d.parentEp
	d.legMu.Unlock()
	if ep == nil {
		return nil
	}
	return ep.Mute(ctx, mute)
}

// Whisper plays tasks to the child leg only.
func (d *dial) Whisper(ctx context.Context, tasks []task.Task) error {
	d.legMu.Lock()
	child, s, execCtx := d.child, d.sess, d.execCtx
	d.legMu.Unlock()
	if child == nil {
		return nil
	}
	ep := child.Endpoint()
	if ep == nil {
		return dialer.ErrNotConnected
	}
	go runWhisper(execCtx, s, ep, tasks)
	return nil
}

// RedirectChild gives the connected child leg its own session running
// tasks. The caller's dial ends and its action hook runs.
func (d *dial) RedirectChild(ctx context.Context, tasks []task.Task) error {
	d.legMu.Lock()
	child, s := d.child, d.sess
	if child == nil {
		d.legMu.Unlock()
		return dialer.ErrNotConnected
	}
	d.adulted = true
	d.legMu.Unlock()

	sess, err := child.DoAdulting(tasks)
	if err != nil {
		d.legMu.Lock()
		d.adulted = false
		d.legMu.Unlock()
		return err
	}
	s.Logger().Info("[Verb] Child leg redirected", "dial_call_sid", child.CallSid(), "tasks", len(tasks))
	go sess.Exec(context.Background())
	return nil
}
