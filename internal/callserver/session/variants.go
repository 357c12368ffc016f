package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/resource"
	"github.com/sebas/callserver/internal/callserver/task"
)

// Kind identifies the origin of a call leg.
type Kind string

const (
	KindInbound  Kind = "inbound"
	KindOutbound Kind = "outbound"
	KindAdulting Kind = "adulting"
	KindConfirm  Kind = "confirm"
	KindSms      Kind = "sms"
	KindSipRec   Kind = "siprec"
)

// Capabilities describe what a variant owns and how it participates in
// process-wide tracking.
type Capabilities struct {
	OwnsDialog   bool
	OwnsEndpoint bool
	Tracked      bool
	// Signaling is false for legs with no dialog or endpoint at all.
	Signaling bool
}

// Variant is the per-origin strategy plugged into a CallSession.
type Variant interface {
	Kind() Kind
	Caps() Capabilities

	start(s *CallSession)
	// resolveDialog waits for resources attached from outside the session.
	resolveDialog(ctx context.Context, s *CallSession) error
	createEndpoint(ctx context.Context, s *CallSession, ms resource.MediaSession, offer string) (resource.Endpoint, error)
	onTasksDone(ctx context.Context, s *CallSession)
	// release frees resources the session uses but does not own.
	release(ctx context.Context, s *CallSession)
	cancelPending(ctx context.Context, s *CallSession) error
}

type referHandler interface {
	onRefer(s *CallSession, req resource.ReferRequest) int
}

// Canceler abandons an outbound attempt.
type Canceler interface {
	Kill(ctx context.Context) error
}

// Leg is a connected child leg held by a dialer.
type Leg interface {
	Canceler
	Dialog() resource.Dialog
	Endpoint() resource.Endpoint
}

type baseVariant struct{}

func (baseVariant) start(*CallSession)                                  {}
func (baseVariant) resolveDialog(context.Context, *CallSession) error   { return nil }
func (baseVariant) release(context.Context, *CallSession)               {}
func (baseVariant) cancelPending(context.Context, *CallSession) error   { return nil }
func (baseVariant) onTasksDone(context.Context, *CallSession)           {}
func (baseVariant) createEndpoint(ctx context.Context, _ *CallSession, ms resource.MediaSession, offer string) (resource.Endpoint, error) {
	return ms.CreateEndpoint(ctx, offer)
}

// inbound

type inboundVariant struct {
	baseVariant
}

func (inboundVariant) Kind() Kind { return KindInbound }
func (inboundVariant) Caps() Capabilities {
	return Capabilities{OwnsDialog: true, OwnsEndpoint: true, Tracked: true, Signaling: true}
}

func (inboundVariant) start(s *CallSession) {
	watchCancel(s)
}

func (inboundVariant) onTasksDone(ctx context.Context, s *CallSession) {
	finishInbound(ctx, s)
}

// NewInbound creates the session for a fresh inbound call.
func NewInbound(cfg Config, info *callinfo.CallInfo, leg resource.InboundLeg, tasks []task.Task) *CallSession {
	return newSession(cfg, inboundVariant{}, info, leg, tasks)
}

func watchCancel(s *CallSession) {
	go func() {
		select {
		case <-s.leg.Canceled():
			s.farEndCanceled()
		case <-s.done:
		}
	}()
}

// finishInbound rejects a never-answered call or hangs up an answered one.
func finishInbound(ctx context.Context, s *CallSession) {
	if s.Gone() || s.Moved() {
		return
	}
	if !s.leg.FinalSent() {
		if err := s.leg.Reject(ctx, 603, "Decline"); err != nil {
			s.logger.Warn("[Session] Reject on tasks done failed", "error", err)
		}
		s.setStatus(callinfo.StatusForSIPCode(603), 603, "Decline")
		s.callReleased("no final response sent")
		return
	}
	if d := s.stableDialog(); d != nil {
		if err := d.Destroy(ctx); err != nil {
			s.logger.Warn("[Session] Hangup on tasks done failed", "error", err)
		}
		s.callReleased("tasks done")
	}
}

// outbound (REST)

type outboundVariant struct {
	baseVariant
	pending  Canceler
	attached chan struct{}
	once     sync.Once
	err      error
}

func (*outboundVariant) Kind() Kind { return KindOutbound }
func (*outboundVariant) Caps() Capabilities {
	return Capabilities{OwnsDialog: true, OwnsEndpoint: true, Tracked: true, Signaling: true}
}

func (v *outboundVariant) signal(err error) {
	v.once.Do(func() {
		v.err = err
		close(v.attached)
	})
}

func (v *outboundVariant) resolveDialog(ctx context.Context, s *CallSession) error {
	select {
	case <-v.attached:
	case <-ctx.Done():
		return ctx.Err()
	}
	if v.err != nil {
		return fmt.Errorf("%w: %v", ErrCallGone, v.err)
	}
	return nil
}

func (v *outboundVariant) onTasksDone(ctx context.Context, s *CallSession) {
	if s.Moved() {
		return
	}
	if d := s.stableDialog(); d != nil {
		if err := d.Destroy(ctx); err != nil {
			s.logger.Warn("[Session] Hangup on tasks done failed", "error", err)
		}
		return
	}
	select {
	case <-v.attached:
	default:
		_ = v.cancelPending(ctx, s)
	}
}

func (v *outboundVariant) cancelPending(ctx context.Context, s *CallSession) error {
	s.mu.Lock()
	pending := v.pending
	s.mu.Unlock()
	if pending == nil {
		return nil
	}
	select {
	case <-v.attached:
		if v.err == nil {
			return preconditionsNotMet("outbound call already connected")
		}
		return nil
	default:
	}
	s.logger.Info("[Session] Canceling outbound attempt")
	return pending.Kill(ctx)
}

func (v *outboundVariant) onRefer(s *CallSession, req resource.ReferRequest) int {
	if s.cfg.ReferHook.IsZero() || s.cfg.Fetcher == nil || s.cfg.Parser == nil {
		return 501
	}
	go s.runReferHook(req)
	return 202
}

// NewOutbound creates the session for an outbound call whose request has
// already been issued. pending is used to cancel the attempt before it
// connects.
func NewOutbound(cfg Config, info *callinfo.CallInfo, tasks []task.Task, pending Canceler) *CallSession {
	v := &outboundVariant{pending: pending, attached: make(chan struct{})}
	return newSession(cfg, v, info, nil, tasks)
}

// SetPending sets the attempt canceled by a no-answer directive. It is
// used when the session is created before its dialer.
func (s *CallSession) SetPending(c Canceler) {
	if v, ok := s.variant.(*outboundVariant); ok {
		s.mu.Lock()
		v.pending = c
		s.mu.Unlock()
	}
}

// SetDialog attaches the answered dialog and its endpoint to an outbound
// session, waking tasks waiting on them.
func (s *CallSession) SetDialog(dlg resource.Dialog, ep resource.Endpoint, ms resource.MediaSession) error {
	v, ok := s.variant.(*outboundVariant)
	if !ok {
		return fmt.Errorf("%w: SetDialog on %s session", ErrInvariant, s.variant.Kind())
	}
	if ep != nil {
		s.attachEndpoint(ep, true)
	}
	if ms != nil {
		s.mu.Lock()
		s.media = ms
		s.mu.Unlock()
	}
	s.attachDialog(dlg, attachOwned)
	v.signal(nil)
	s.logger.Info("[Session] Outbound dialog attached", "call_id", dlg.CallID())
	return nil
}

// FailDialog reports that the outbound attempt never connected.
func (s *CallSession) FailDialog(err error) {
	v, ok := s.variant.(*outboundVariant)
	if !ok {
		return
	}
	if err == nil {
		err = errors.New("outbound call failed")
	}
	v.signal(err)
	s.callReleased("outbound attempt failed")
}

func (s *CallSession) runReferHook(req resource.ReferRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	snap := s.Snapshot()
	payload := map[string]any{
		"event":         "refer",
		"callSid":       snap.CallSid,
		"parentCallSid": snap.ParentCallSid,
		"callId":        snap.CallID,
		"referTo":       req.ReferTo,
		"referredBy":    req.ReferredBy,
		"headers":       req.Headers,
	}

	body, err := s.cfg.Fetcher.Fetch(ctx, s.cfg.ReferHook, payload)
	if err != nil {
		s.logger.Warn("[Session] Refer hook failed", "error", err)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		s.logger.Debug("[Session] Refer hook returned no instructions")
		return
	}
	tasks, err := s.cfg.Parser.Parse(body)
	if err != nil {
		s.logger.Warn("[Session] Refer hook returned invalid instructions", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	s.mu.Lock()
	var waiter task.InstructionWaiter
	if s.current != nil {
		waiter, _ = task.Find[task.InstructionWaiter](s.current.task)
	}
	s.mu.Unlock()

	s.ReplaceApplication(tasks)
	if waiter != nil {
		waiter.NotifyNewInstructions()
	}
}

// adulting

type adultingVariant struct {
	baseVariant
	leg Leg
}

func (*adultingVariant) Kind() Kind { return KindAdulting }
func (*adultingVariant) Caps() Capabilities {
	return Capabilities{Tracked: true, Signaling: true}
}

func (v *adultingVariant) start(s *CallSession) {
	if ep := v.leg.Endpoint(); ep != nil {
		s.attachEndpoint(ep, false)
	}
	if dlg := v.leg.Dialog(); dlg != nil {
		s.attachDialog(dlg, attachDelegated)
	}
	v.shareMedia(s)
}

// shareMedia binds the child to the media session hosting its endpoint so
// that the parent's release leaves it up.
func (v *adultingVariant) shareMedia(s *CallSession) {
	parent := s.info.ParentCallSid()
	if parent == "" || s.cfg.Media == nil {
		return
	}
	ms, err := s.cfg.Media.Share(parent, s.CallSid())
	if err != nil {
		s.logger.Warn("[Session] Adulted leg shares no media session",
			"parent_call_sid", parent,
			"error", err,
		)
		return
	}
	s.mu.Lock()
	s.media = ms
	s.mu.Unlock()
}

func (v *adultingVariant) onTasksDone(ctx context.Context, s *CallSession) {
	if s.Moved() {
		return
	}
	if d := s.stableDialog(); d != nil {
		if err := d.Destroy(ctx); err != nil {
			s.logger.Warn("[Session] Hangup on tasks done failed", "error", err)
		}
	}
}

func (v *adultingVariant) release(ctx context.Context, s *CallSession) {
	if err := v.leg.Kill(ctx); err != nil {
		s.logger.Warn("[Session] Releasing adulted leg failed", "error", err)
	}
}

// NewAdulting promotes a connected child leg into its own session. The leg
// keeps ownership of its dialog and endpoint; the session holds its own
// binding on the parent's media session.
func NewAdulting(cfg Config, info *callinfo.CallInfo, leg Leg, tasks []task.Task) *CallSession {
	return newSession(cfg, &adultingVariant{leg: leg}, info, nil, tasks)
}

// confirm

type confirmVariant struct {
	baseVariant
	dialog   resource.Dialog
	endpoint resource.Endpoint
}

func (*confirmVariant) Kind() Kind         { return KindConfirm }
func (*confirmVariant) Caps() Capabilities { return Capabilities{Signaling: true} }

func (v *confirmVariant) start(s *CallSession) {
	s.reporter.Suppress()
	if v.endpoint != nil {
		s.attachEndpoint(v.endpoint, false)
	}
	if v.dialog != nil {
		s.attachDialog(v.dialog, attachBorrowed)
	}
}

// NewConfirm creates a short-lived session that runs against a connected
// outbound leg it borrows. Its teardown never destroys the borrowed
// resources.
func NewConfirm(cfg Config, info *callinfo.CallInfo, dlg resource.Dialog, ep resource.Endpoint, tasks []task.Task) *CallSession {
	return newSession(cfg, &confirmVariant{dialog: dlg, endpoint: ep}, info, nil, tasks)
}

// sms

type smsVariant struct {
	baseVariant
}

func (smsVariant) Kind() Kind         { return KindSms }
func (smsVariant) Caps() Capabilities { return Capabilities{} }

// NewSms creates a messaging session with no dialog or endpoint.
func NewSms(cfg Config, info *callinfo.CallInfo, tasks []task.Task) *CallSession {
	return newSession(cfg, smsVariant{}, info, nil, tasks)
}
