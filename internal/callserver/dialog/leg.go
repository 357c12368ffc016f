package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callserver/internal/callserver/resource"
)

// ErrFinalSent is returned when a leg already has a final response.
var ErrFinalSent = errors.New("final response already sent")

// InboundLeg is a received INVITE waiting for its final response. It
// implements resource.InboundLeg.
type InboundLeg struct {
	mgr     *Manager
	req     *sip.Request
	tx      sip.ServerTransaction
	callID  string
	headers map[string]string

	mu        sync.Mutex
	finalSent bool
	dialog    *Dialog

	canceled   chan struct{}
	cancelOnce sync.Once
}

var _ resource.InboundLeg = (*InboundLeg)(nil)

func newInboundLeg(m *Manager, req *sip.Request, tx sip.ServerTransaction) *InboundLeg {
	headers := make(map[string]string)
	for _, h := range req.Headers() {
		// Repeated headers keep the first value.
		if _, ok := headers[h.Name()]; !ok {
			headers[h.Name()] = h.Value()
		}
	}
	return &InboundLeg{
		mgr:      m,
		req:      req,
		tx:       tx,
		callID:   callIDOf(req),
		headers:  headers,
		canceled: make(chan struct{}),
	}
}

func (l *InboundLeg) CallID() string              { return l.callID }
func (l *InboundLeg) RemoteSDP() string           { return string(l.req.Body()) }
func (l *InboundLeg) Headers() map[string]string  { return l.headers }
func (l *InboundLeg) Canceled() <-chan struct{}   { return l.canceled }
func (l *InboundLeg) Request() *sip.Request       { return l.req }

// From returns the caller's user part and display name.
func (l *InboundLeg) From() (user, name string) {
	if f := l.req.From(); f != nil {
		return f.Address.User, f.DisplayName
	}
	return "", ""
}

// To returns the called user part.
func (l *InboundLeg) To() string {
	if t := l.req.To(); t != nil {
		return t.Address.User
	}
	return l.req.Recipient.User
}

func (l *InboundLeg) FinalSent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finalSent
}

func (l *InboundLeg) isCanceled() bool {
	select {
	case <-l.canceled:
		return true
	default:
		return false
	}
}

// SendProvisional sends a 1xx response, with localSDP as its body when set.
func (l *InboundLeg) SendProvisional(ctx context.Context, code int, localSDP string) error {
	if code < 100 || code > 199 {
		return fmt.Errorf("not a provisional status: %d", code)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalSent {
		return ErrFinalSent
	}

	reason := "Session Progress"
	if code == 180 {
		reason = "Ringing"
	}
	var body []byte
	if localSDP != "" {
		body = []byte(localSDP)
	}
	resp := sip.NewResponseFromRequest(l.req, sip.StatusCode(code), reason, body)
	if body != nil {
		ct := sip.ContentTypeHeader("application/sdp")
		resp.AppendHeader(&ct)
	}
	if err := l.tx.Respond(resp); err != nil {
		return fmt.Errorf("send %d: %w", code, err)
	}
	slog.Debug("[Dialog] Provisional response sent", "call_id", l.callID, "status", code)
	return nil
}

// Answer sends 200 OK with localSDP and returns the new dialog.
func (l *InboundLeg) Answer(ctx context.Context, localSDP string) (resource.Dialog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalSent {
		return nil, ErrFinalSent
	}
	if l.isCanceled() {
		return nil, resource.ErrCanceled
	}

	session, err := l.mgr.dialogUA.ReadInvite(l.req, l.tx)
	if err != nil {
		return nil, fmt.Errorf("create dialog session: %w", err)
	}
	if err := session.RespondSDP([]byte(localSDP)); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("send 200 OK: %w", err)
	}
	l.finalSent = true

	d := newInboundDialog(l.mgr, l.req, session.InviteResponse, localSDP)
	d.session = session
	l.dialog = d
	l.mgr.register(d)
	l.mgr.legs.Delete(l.callID)
	go l.mgr.watchACK(d)

	slog.Info("[Dialog] Answered", "call_id", l.callID, "local_tag", d.localTag)
	return d, nil
}

// Reject sends a final non-2xx response.
func (l *InboundLeg) Reject(ctx context.Context, code int, reason string) error {
	if code < 300 || code > 699 {
		return fmt.Errorf("not a rejection status: %d", code)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalSent {
		return ErrFinalSent
	}
	resp := sip.NewResponseFromRequest(l.req, sip.StatusCode(code), reason, nil)
	if err := l.tx.Respond(resp); err != nil {
		return fmt.Errorf("send %d: %w", code, err)
	}
	l.finalSent = true
	l.mgr.legs.Delete(l.callID)
	slog.Info("[Dialog] Rejected", "call_id", l.callID, "status", code, "reason", reason)
	return nil
}

// cancel handles a CANCEL from the caller: the INVITE gets 487 unless a
// final response already went out.
func (l *InboundLeg) cancel() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalSent {
		return false
	}
	resp := sip.NewResponseFromRequest(l.req, 487, "Request Terminated", nil)
	if err := l.tx.Respond(resp); err != nil {
		slog.Warn("[Dialog] Failed to send 487", "call_id", l.callID, "error", err)
	}
	l.finalSent = true
	l.cancelOnce.Do(func() { close(l.canceled) })
	return true
}
