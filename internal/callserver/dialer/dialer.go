// Package dialer places outbound call legs: a single attempt to one target,
// reported through typed events while it rings, connects or fails.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/dialog"
	"github.com/sebas/callserver/internal/callserver/resource"
	"github.com/sebas/callserver/internal/callserver/session"
	"github.com/sebas/callserver/internal/callserver/task"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

const releaseTimeout = 10 * time.Second

var (
	// ErrNotConnected is returned when an operation needs an answered leg.
	ErrNotConnected = errors.New("child leg not connected")
	ErrAdulted      = errors.New("child leg already has its own session")
)

// EventKind classifies dialer events.
type EventKind int

const (
	EventStatus EventKind = iota
	// EventAccept means the leg is connected and handed to the caller.
	EventAccept
	// EventDecline means the attempt failed or the confirm step rejected it.
	EventDecline
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventAccept:
		return "accept"
	case EventDecline:
		return "decline"
	default:
		return "unknown"
	}
}

// Event is emitted on the dialer's event channel.
type Event struct {
	Kind     EventKind
	Dialer   *SingleDialer
	Snapshot callinfo.Snapshot
	// Err is the cause of a decline.
	Err error
}

// Inviter sends an outbound INVITE and returns the confirmed dialog.
type Inviter interface {
	Invite(ctx context.Context, req dialog.InviteRequest, onProvisional func(dialog.Provisional)) (resource.Dialog, error)
}

// InviteFunc adapts a function to Inviter.
type InviteFunc func(ctx context.Context, req dialog.InviteRequest, onProvisional func(dialog.Provisional)) (resource.Dialog, error)

func (f InviteFunc) Invite(ctx context.Context, req dialog.InviteRequest, onProvisional func(dialog.Provisional)) (resource.Dialog, error) {
	return f(ctx, req, onProvisional)
}

// ManagerInviter places calls through the SIP dialog manager.
func ManagerInviter(m *dialog.Manager) Inviter {
	return InviteFunc(func(ctx context.Context, req dialog.InviteRequest, onProvisional func(dialog.Provisional)) (resource.Dialog, error) {
		d, err := m.Invite(ctx, req, onProvisional)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// Metrics counts dial results.
type Metrics interface {
	DialResult(result string)
}

// Config holds dependencies shared by all dialers.
type Config struct {
	Logger  *slog.Logger
	Inviter Inviter
	Media   resource.MediaAllocator
	// Session configures the confirm and adulting sessions.
	Session  session.Config
	Registry *Registry
	// Trunk and Domain complete phone and user targets.
	Trunk   string
	Domain  string
	Auth    *dialog.Credentials
	Metrics Metrics
}

// Params describes one outbound attempt.
type Params struct {
	Target         Target
	From           string
	CallerName     string
	CallSid        string
	ParentCallSid  string
	AccountSid     string
	ApplicationSid string
	Headers        map[string]string
	Timeout        time.Duration
	// StatusHook overrides the configured status webhook for this leg.
	StatusHook webhook.Hook
	// Media hosts the leg's endpoint. When nil the dialer allocates a
	// media session of its own.
	Media resource.MediaSession
	// Session, when set, receives the answered dialog and reports the
	// leg's status changes.
	Session *session.CallSession
}

// SingleDialer places one outbound call attempt.
type SingleDialer struct {
	cfg         Config
	params      Params
	uri         string
	info        *callinfo.CallInfo
	reporter    *session.Reporter
	ownReporter bool
	logger      *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan Event
	abandon chan struct{}
	ended   chan struct{}

	mu        sync.Mutex
	started   bool
	dialog    resource.Dialog
	endpoint  resource.Endpoint
	media     resource.MediaSession
	ownsMedia bool
	handedOff bool
	adulted   bool
	killed    bool

	abandonOnce sync.Once
	endOnce     sync.Once
}

// New prepares a dialer. Start places the call.
func New(cfg Config, p Params) (*SingleDialer, error) {
	if cfg.Inviter == nil {
		return nil, errors.New("dialer: no inviter configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	uri, err := p.Target.RequestURI(cfg.Trunk, cfg.Domain)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}

	d := &SingleDialer{
		cfg:     cfg,
		params:  p,
		uri:     uri,
		events:  make(chan Event, 8),
		abandon: make(chan struct{}),
		ended:   make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if p.Session != nil {
		d.info = p.Session.CallInfo()
		d.reporter = p.Session.Reporter()
	} else {
		d.info = callinfo.New(callinfo.Params{
			CallSid:        p.CallSid,
			ParentCallSid:  p.ParentCallSid,
			Direction:      callinfo.DirectionOutbound,
			From:           p.From,
			To:             p.Target.Display(),
			CallerName:     p.CallerName,
			AccountSid:     p.AccountSid,
			ApplicationSid: p.ApplicationSid,
		})
		sinks := cfg.Session.Sinks
		if !p.StatusHook.IsZero() {
			sinks.StatusHook = p.StatusHook
		}
		d.reporter = session.NewReporter(sinks, cfg.Logger.With("call_sid", d.info.CallSid()))
		d.ownReporter = true
	}
	d.logger = cfg.Logger.With(
		"call_sid", d.info.CallSid(),
		"parent_call_sid", d.info.ParentCallSid(),
	)
	return d, nil
}

func (d *SingleDialer) CallSid() string             { return d.info.CallSid() }
func (d *SingleDialer) Snapshot() callinfo.Snapshot { return d.info.Snapshot() }
func (d *SingleDialer) RequestURI() string          { return d.uri }

// Events delivers status changes followed by one Accept or Decline. It is
// closed after the final event.
func (d *SingleDialer) Events() <-chan Event { return d.events }

// Ended is closed once the dialer no longer owns the leg: it failed, was
// killed, hung up by the far end, or adulted.
func (d *SingleDialer) Ended() <-chan struct{} { return d.ended }

func (d *SingleDialer) Dialog() resource.Dialog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialog
}

func (d *SingleDialer) Endpoint() resource.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpoint
}

// Connected reports whether the leg is answered and still up.
func (d *SingleDialer) Connected() bool {
	dlg := d.Dialog()
	return dlg != nil && dlg.Connected()
}

// Start places the call. Calling it more than once is a no-op.
func (d *SingleDialer) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	if d.cfg.Registry != nil {
		d.cfg.Registry.add(d)
	}
	go d.run()
}

func (d *SingleDialer) run() {
	defer close(d.events)

	d.reporter.Report(d.info.Snapshot())
	d.emit(Event{Kind: EventStatus, Dialer: d, Snapshot: d.info.Snapshot()})

	ep, err := d.prepareEndpoint(d.ctx)
	if err != nil {
		d.fail(fmt.Errorf("prepare endpoint: %w", err))
		return
	}

	ctx := d.ctx
	if d.params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.params.Timeout)
		defer cancel()
	}

	headers := make(map[string]string, len(d.params.Headers)+len(d.params.Target.Headers))
	for k, v := range d.params.Headers {
		headers[k] = v
	}
	for k, v := range d.params.Target.Headers {
		headers[k] = v
	}

	d.logger.Info("[Dialer] Placing call",
		"target", d.uri,
		"from", d.params.From,
	)
	dlg, err := d.cfg.Inviter.Invite(ctx, dialog.InviteRequest{
		Target:   d.uri,
		From:     d.params.From,
		FromName: d.params.CallerName,
		SDP:      ep.LocalSDP(),
		Headers:  headers,
		Auth:     d.params.Target.credentials(d.cfg.Auth),
	}, d.onProvisional)
	if err != nil {
		d.fail(err)
		return
	}
	d.connected(dlg, ep)
}

func (d *SingleDialer) prepareEndpoint(ctx context.Context) (resource.Endpoint, error) {
	ms := d.params.Media
	owns := false
	if ms == nil {
		if d.cfg.Media == nil {
			return nil, errors.New("no media allocator configured")
		}
		var err error
		ms, err = d.cfg.Media.Allocate(ctx, d.CallSid())
		if err != nil {
			return nil, err
		}
		owns = true
	}
	d.mu.Lock()
	d.media = ms
	d.ownsMedia = owns
	d.mu.Unlock()

	ep, err := ms.CreateEndpoint(ctx, "")
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.endpoint = ep
	d.mu.Unlock()
	return ep, nil
}

func (d *SingleDialer) onProvisional(p dialog.Provisional) {
	var status callinfo.CallStatus
	switch {
	case p.SDP != "":
		if ep := d.Endpoint(); ep != nil {
			if _, err := ep.Modify(d.ctx, p.SDP); err != nil {
				d.logger.Warn("[Dialer] Applying early media failed", "error", err)
			}
		}
		status = callinfo.StatusEarlyMedia
	case p.Code >= 180:
		status = callinfo.StatusRinging
	default:
		return
	}
	if snap, ok := d.update(status, p.Code, p.Reason); ok {
		d.emit(Event{Kind: EventStatus, Dialer: d, Snapshot: snap})
	}
}

func (d *SingleDialer) update(status callinfo.CallStatus, code int, reason string) (callinfo.Snapshot, bool) {
	snap, err := d.info.Update(status, code, reason)
	if err != nil {
		d.logger.Debug("[Dialer] Status not updated", "call_status", status, "error", err)
		return callinfo.Snapshot{}, false
	}
	d.logger.Info("[Dialer] Call status",
		"call_status", status,
		"sip_status", code,
	)
	d.reporter.Report(snap)
	return snap, true
}

func (d *SingleDialer) emit(ev Event) {
	select {
	case d.events <- ev:
	case <-d.abandon:
	}
}

func (d *SingleDialer) fail(err error) {
	code := dialog.StatusOf(err)
	reason := ""
	var rej *dialog.RejectedError
	if errors.As(err, &rej) {
		reason = rej.Reason
	}

	d.mu.Lock()
	killed := d.killed
	d.mu.Unlock()
	if killed {
		code, reason = 487, "Request Terminated"
	}
	if code < 300 {
		code = 500
	}
	status := callinfo.StatusForSIPCode(code)
	d.update(status, code, reason)

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	d.releaseMedia(ctx)

	result := string(status)
	if killed {
		result = "canceled"
	}
	d.dialResult(result)
	d.logger.Info("[Dialer] Call attempt failed",
		"target", d.uri,
		"sip_status", code,
		"error", err,
	)

	if d.params.Session != nil {
		d.params.Session.FailDialog(err)
	}
	d.emit(Event{Kind: EventDecline, Dialer: d, Snapshot: d.info.Snapshot(), Err: err})
	d.finish()
}

func (d *SingleDialer) connected(dlg resource.Dialog, ep resource.Endpoint) {
	d.mu.Lock()
	d.dialog = dlg
	killed := d.killed
	d.mu.Unlock()

	d.info.SetCallID(dlg.CallID())
	if remote := dlg.RemoteSDP(); remote != "" {
		if _, err := ep.Modify(d.ctx, remote); err != nil {
			d.logger.Warn("[Dialer] Applying answer to endpoint failed", "error", err)
		}
	}
	if snap, ok := d.update(callinfo.StatusInProgress, 200, "OK"); ok {
		d.emit(Event{Kind: EventStatus, Dialer: d, Snapshot: snap})
	}

	if killed {
		// Kill ran before the dialog was recorded.
		d.hangupLocal(errors.New("killed while answering"))
		return
	}

	if s := d.params.Session; s != nil {
		d.mu.Lock()
		d.handedOff = true
		ms := d.media
		d.mu.Unlock()
		if err := s.SetDialog(dlg, ep, ms); err != nil {
			d.logger.Error("[Dialer] Handing dialog to session failed", "error", err)
		}
		d.dialResult("answered")
		d.emit(Event{Kind: EventAccept, Dialer: d, Snapshot: d.info.Snapshot()})
		d.finish()
		return
	}

	dlg.OnDestroy(d.farEndHangup)

	if hook := d.params.Target.ConfirmHook; hook != nil && !hook.IsZero() {
		if !d.confirm(*hook, dlg, ep) {
			d.hangupLocal(errors.New("declined by confirm application"))
			return
		}
	}

	d.dialResult("answered")
	d.logger.Info("[Dialer] Call connected", "call_id", dlg.CallID())
	d.emit(Event{Kind: EventAccept, Dialer: d, Snapshot: d.info.Snapshot()})
}

// confirm runs the confirm application against the answered leg and
// reports whether the leg survived it.
func (d *SingleDialer) confirm(hook webhook.Hook, dlg resource.Dialog, ep resource.Endpoint) bool {
	scfg := d.cfg.Session
	if scfg.Fetcher == nil || scfg.Parser == nil {
		d.logger.Warn("[Dialer] Confirm hook set but no application fetcher")
		return dlg.Connected()
	}
	body, err := scfg.Fetcher.Fetch(d.ctx, hook, d.info.Snapshot())
	if err != nil {
		d.logger.Warn("[Dialer] Confirm hook failed", "error", err)
		return dlg.Connected()
	}
	tasks, err := scfg.Parser.Parse(body)
	if err != nil {
		d.logger.Warn("[Dialer] Confirm hook returned invalid instructions", "error", err)
		return dlg.Connected()
	}

	cs := session.NewConfirm(scfg, d.info, dlg, ep, tasks)
	if err := cs.Exec(d.ctx); err != nil {
		d.logger.Warn("[Dialer] Confirm application failed", "error", err)
	}
	return dlg.Connected()
}

// hangupLocal ends an answered leg that is not accepted.
func (d *SingleDialer) hangupLocal(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if dlg := d.Dialog(); dlg != nil && dlg.Connected() {
		if err := dlg.Destroy(ctx); err != nil {
			d.logger.Warn("[Dialer] Hangup failed", "error", err)
		}
	}
	d.update(callinfo.StatusCompleted, 0, "")
	d.releaseMedia(ctx)
	d.dialResult("declined")
	d.emit(Event{Kind: EventDecline, Dialer: d, Snapshot: d.info.Snapshot(), Err: cause})
	d.finish()
}

func (d *SingleDialer) farEndHangup(reason string) {
	d.mu.Lock()
	if d.adulted || d.handedOff {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.logger.Info("[Dialer] Child leg hung up by far end", "reason", reason)
	d.update(callinfo.StatusCompleted, 0, "")

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	d.releaseMedia(ctx)
	d.finish()
}

func (d *SingleDialer) releaseMedia(ctx context.Context) error {
	d.mu.Lock()
	ep := d.endpoint
	owns := d.ownsMedia
	d.mu.Unlock()

	var errs []error
	if ep != nil {
		errs = append(errs, ep.Destroy(ctx))
	}
	if owns && d.cfg.Media != nil {
		errs = append(errs, d.cfg.Media.Release(ctx, d.CallSid()))
	}
	err := errors.Join(errs...)
	if err != nil {
		d.logger.Warn("[Dialer] Media release failed", "error", err)
	}
	return err
}

func (d *SingleDialer) finish() {
	d.endOnce.Do(func() {
		if d.cfg.Registry != nil {
			d.cfg.Registry.remove(d.CallSid())
		}
		if d.ownReporter {
			d.reporter.Close()
		}
		d.cancel()
		close(d.ended)
	})
}

func (d *SingleDialer) dialResult(result string) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.DialResult(result)
	}
}

// Kill abandons the attempt: an unanswered INVITE is canceled, an answered
// leg is hung up, and the endpoint is always destroyed. A leg already
// handed to an outbound session is left alone.
func (d *SingleDialer) Kill(ctx context.Context) error {
	d.mu.Lock()
	if d.killed {
		d.mu.Unlock()
		return nil
	}
	d.killed = true
	dlg := d.dialog
	handedOff := d.handedOff
	d.mu.Unlock()

	d.abandonOnce.Do(func() { close(d.abandon) })
	d.cancel()
	if handedOff {
		return nil
	}

	d.logger.Debug("[Dialer] Killing dialer", "connected", dlg != nil)

	var errs []error
	if dlg != nil && dlg.Connected() {
		errs = append(errs, dlg.Destroy(ctx))
		d.update(callinfo.StatusCompleted, 0, "")
	}
	errs = append(errs, d.releaseMedia(ctx))
	if dlg != nil {
		d.finish()
	}
	return errors.Join(errs...)
}

// DoAdulting gives the connected leg its own session running tasks. The
// dialer keeps the dialog and endpoint and releases them when the new
// session kills it. The caller runs the returned session's Exec.
func (d *SingleDialer) DoAdulting(tasks []task.Task) (*session.CallSession, error) {
	d.mu.Lock()
	switch {
	case d.adulted:
		d.mu.Unlock()
		return nil, ErrAdulted
	case d.killed || d.handedOff || d.dialog == nil || !d.dialog.Connected():
		d.mu.Unlock()
		return nil, ErrNotConnected
	}
	d.adulted = true
	d.mu.Unlock()

	d.logger.Info("[Dialer] Child leg moved to its own session", "tasks", len(tasks))
	d.finish()
	return session.NewAdulting(d.cfg.Session, d.info, d, tasks), nil
}

var _ session.Leg = (*SingleDialer)(nil)
