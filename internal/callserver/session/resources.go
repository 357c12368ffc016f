package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/resource"
	"github.com/sebas/callserver/internal/callserver/task"
)

// AllocOutcome classifies an endpoint allocation attempt.
type AllocOutcome int

const (
	AllocOK AllocOutcome = iota
	// AllocCanceled means the far end abandoned the call mid-allocation.
	AllocCanceled
	// AllocFailed means the media side could not provide an endpoint.
	AllocFailed
)

// String returns the string representation of the outcome
func (o AllocOutcome) String() string {
	switch o {
	case AllocOK:
		return "ok"
	case AllocCanceled:
		return "canceled"
	case AllocFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// trackedDialog wraps a dialog so that its end is reported exactly once,
// whether the near end destroys it or the far end hangs up.
type trackedDialog struct {
	resource.Dialog
	once       sync.Once
	onComplete func(farEnd bool, reason string)
}

func (d *trackedDialog) Destroy(ctx context.Context) error {
	err := d.Dialog.Destroy(ctx)
	d.complete(false, "near-end")
	return err
}

func (d *trackedDialog) complete(farEnd bool, reason string) {
	d.once.Do(func() {
		if d.onComplete != nil {
			d.onComplete(farEnd, reason)
		}
	})
}

type attachMode int

const (
	// attachOwned registers callbacks and destroys the dialog on teardown.
	attachOwned attachMode = iota
	// attachDelegated registers callbacks but leaves teardown to the owner.
	attachDelegated
	// attachBorrowed neither registers callbacks nor destroys.
	attachBorrowed
)

func (s *CallSession) attachDialog(dlg resource.Dialog, mode attachMode) *trackedDialog {
	td := &trackedDialog{Dialog: dlg}
	if mode != attachBorrowed {
		td.onComplete = s.dialogComplete
	}

	s.mu.Lock()
	s.dialog = td
	if mode == attachOwned {
		s.owned = append(s.owned, td)
	}
	s.mu.Unlock()

	if s.info.CallID() == "" {
		s.info.SetCallID(dlg.CallID())
	}

	if mode != attachBorrowed {
		dlg.OnModify(s.handleModify)
		if rh, ok := s.variant.(referHandler); ok {
			dlg.OnRefer(func(req resource.ReferRequest) int { return rh.onRefer(s, req) })
		}
		dlg.OnDestroy(func(reason string) { td.complete(true, reason) })
	}
	return td
}

func (s *CallSession) attachEndpoint(ep resource.Endpoint, owned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = ep
	if owned {
		s.owned = append(s.owned, ep)
	}
}

func (s *CallSession) dialogComplete(farEnd bool, reason string) {
	s.setStatus(callinfo.StatusCompleted, 0, "")
	if farEnd {
		s.callReleased("far-end hangup: " + reason)
	}
}

func (s *CallSession) handleModify(ctx context.Context, remoteSDP string) (string, error) {
	ep := s.liveEndpoint()
	if ep == nil {
		return "", errors.New("no endpoint to renegotiate")
	}
	offer, err := OfferSDP(remoteSDP)
	if err != nil {
		s.logger.Warn("[Session] Re-INVITE carries no usable SDP", "error", err)
		return "", err
	}
	local, err := ep.Modify(ctx, offer)
	if err != nil {
		s.logger.Warn("[Session] Re-INVITE failed", "error", err)
		return "", err
	}
	s.logger.Debug("[Session] Re-INVITE applied to endpoint", "endpoint_id", ep.ID())
	return local, nil
}

func (s *CallSession) liveEndpoint() resource.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint == nil || !s.endpoint.Connected() {
		return nil
	}
	return s.endpoint
}

// stableDialog returns the connected dialog, or nil.
func (s *CallSession) stableDialog() *trackedDialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialog == nil || !s.dialog.Connected() {
		return nil
	}
	return s.dialog
}

// HasStableDialog reports whether the leg has a connected dialog.
func (s *CallSession) HasStableDialog() bool {
	return s.stableDialog() != nil
}

func (s *CallSession) resources() task.Resources {
	var r task.Resources
	if ep := s.liveEndpoint(); ep != nil {
		r.Endpoint = ep
		s.mu.Lock()
		r.Media = s.media
		s.mu.Unlock()
	}
	if d := s.stableDialog(); d != nil {
		r.Dialog = d
	}
	return r
}

// resolve produces the resources t declares it needs, allocating them when
// missing.
func (s *CallSession) resolve(ctx context.Context, t task.Task) (task.Resources, error) {
	caps := s.variant.Caps()
	p := t.Preconditions()

	switch p {
	case task.PreconditionNone:
		return task.Resources{}, nil

	case task.PreconditionEndpoint:
		if !caps.Signaling {
			return task.Resources{}, preconditionsNotMet("%s leg has no media", s.variant.Kind())
		}
		if err := s.variant.resolveDialog(ctx, s); err != nil {
			return task.Resources{}, err
		}
		if err := s.resolveEndpoint(ctx, t.EarlyMedia()); err != nil {
			return task.Resources{}, err
		}
		return s.resources(), nil

	case task.PreconditionStableCall:
		if !caps.Signaling {
			return task.Resources{}, preconditionsNotMet("%s leg has no dialog", s.variant.Kind())
		}
		if err := s.variant.resolveDialog(ctx, s); err != nil {
			return task.Resources{}, err
		}
		if s.stableDialog() == nil {
			return task.Resources{}, preconditionsNotMet("no stable dialog")
		}
		return s.resources(), nil

	case task.PreconditionUnansweredCall:
		if s.leg == nil || s.leg.FinalSent() {
			return task.Resources{}, preconditionsNotMet("call already answered or not inbound")
		}
		return task.Resources{}, nil
	}

	return task.Resources{}, fmt.Errorf("%w: unknown precondition %s for task %s", ErrInvariant, p, t.Name())
}

func (s *CallSession) resolveEndpoint(ctx context.Context, earlyMedia bool) error {
	if ep := s.liveEndpoint(); ep != nil {
		if earlyMedia || s.stableDialog() != nil {
			return nil
		}
		return s.propagateAnswer(ctx)
	}

	if s.leg == nil {
		return preconditionsNotMet("no inbound offer to create an endpoint from")
	}

	outcome, err := s.allocateEndpoint(ctx)
	switch outcome {
	case AllocCanceled:
		s.farEndCanceled()
		return ErrCallGone
	case AllocFailed:
		return preconditionsNotMet("allocate endpoint: %v", err)
	}

	ep := s.liveEndpoint()
	if earlyMedia && !s.leg.FinalSent() {
		if err := s.leg.SendProvisional(ctx, 183, ep.LocalSDP()); err != nil {
			return preconditionsNotMet("send early media: %v", err)
		}
		s.setStatus(callinfo.StatusEarlyMedia, 183, "Session Progress")
		return nil
	}
	return s.propagateAnswer(ctx)
}

// allocateEndpoint obtains the leg's media session (reusing the one already
// bound to it) and creates an endpoint against the original offer. A CANCEL
// from the far end aborts the allocation.
func (s *CallSession) allocateEndpoint(ctx context.Context) (AllocOutcome, error) {
	if s.cfg.Media == nil {
		return AllocFailed, errors.New("no media allocator configured")
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	canceled := s.leg.Canceled()
	go func() {
		select {
		case <-canceled:
			cancel()
		case <-actx.Done():
		}
	}()

	farEndGone := func(err error) bool {
		select {
		case <-canceled:
			return true
		default:
			return errors.Is(err, resource.ErrCanceled)
		}
	}

	s.mu.Lock()
	ms := s.media
	s.mu.Unlock()

	if ms == nil {
		var err error
		ms, err = s.cfg.Media.Allocate(actx, s.CallSid())
		if err != nil {
			if farEndGone(err) {
				return AllocCanceled, err
			}
			return AllocFailed, err
		}
		s.mu.Lock()
		s.media = ms
		s.mu.Unlock()
	}

	ep, err := s.variant.createEndpoint(actx, s, ms, s.leg.RemoteSDP())
	if err != nil {
		if farEndGone(err) {
			return AllocCanceled, err
		}
		return AllocFailed, err
	}
	if farEndGone(nil) {
		_ = ep.Destroy(context.WithoutCancel(ctx))
		return AllocCanceled, resource.ErrCanceled
	}

	s.attachEndpoint(ep, true)
	s.logger.Debug("[Session] Endpoint allocated",
		"endpoint_id", ep.ID(),
		"media_session", ms.ID(),
	)
	return AllocOK, nil
}

// propagateAnswer promotes the inbound leg to a connected dialog around the
// endpoint's local offer.
func (s *CallSession) propagateAnswer(ctx context.Context) error {
	if s.stableDialog() != nil {
		return nil
	}
	if s.leg == nil || s.leg.FinalSent() {
		return preconditionsNotMet("no unanswered inbound leg to answer")
	}
	ep := s.liveEndpoint()
	if ep == nil {
		return preconditionsNotMet("no endpoint to answer with")
	}

	dlg, err := s.leg.Answer(ctx, ep.LocalSDP())
	if err != nil {
		if errors.Is(err, resource.ErrCanceled) {
			s.farEndCanceled()
			return ErrCallGone
		}
		return preconditionsNotMet("answer: %v", err)
	}

	s.attachDialog(dlg, attachOwned)
	s.setStatus(callinfo.StatusInProgress, 200, "OK")
	return nil
}

// teardown destroys owned resources in reverse allocation order.
func (s *CallSession) teardown(ctx context.Context) {
	s.mu.Lock()
	owned := s.owned
	s.owned = nil
	media := s.media
	s.mu.Unlock()

	for i := len(owned) - 1; i >= 0; i-- {
		if !owned[i].Connected() {
			continue
		}
		if err := owned[i].Destroy(ctx); err != nil {
			s.logger.Warn("[Session] Resource teardown failed", "error", err)
		}
	}

	s.variant.release(ctx, s)

	if media != nil && s.cfg.Media != nil {
		if err := s.cfg.Media.Release(ctx, s.CallSid()); err != nil {
			s.logger.Warn("[Session] Media session release failed",
				"media_session", media.ID(),
				"error", err,
			)
		}
	}
}
