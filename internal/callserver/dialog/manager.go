package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callserver/internal/callserver/resource"
	"github.com/sebas/callserver/internal/callserver/store"
)

const (
	// ActiveDialogTTL bounds how long a dialog may live without teardown.
	ActiveDialogTTL = 4 * time.Hour
	// TerminatedDialogTTL keeps ended dialogs around for retransmissions
	// (RFC 3261 Timer B).
	TerminatedDialogTTL = 32 * time.Second
	// PendingLegTTL bounds how long an INVITE may wait for a final response.
	PendingLegTTL = 5 * time.Minute

	cleanupInterval = 10 * time.Second
	requestTimeout  = 5 * time.Second
)

// Config wires a Manager to the SIP stack.
type Config struct {
	Client   *sipgo.Client
	DialogUA *sipgo.DialogUA
	// Contact is our Contact URI for in-dialog requests.
	Contact    sip.Uri
	ACKTimeout time.Duration
}

// Manager owns every dialog and pending inbound leg of the process and
// dispatches in-dialog requests to them.
type Manager struct {
	client     *sipgo.Client
	dialogUA   *sipgo.DialogUA
	contact    sip.Uri
	ackTimeout time.Duration

	dialogs *store.TTLStore[string, *Dialog]
	legs    *store.TTLStore[string, *InboundLeg]

	mu           sync.RWMutex
	onTerminated func(d *Dialog)
}

// NewManager creates a dialog manager.
func NewManager(cfg Config) *Manager {
	if cfg.ACKTimeout == 0 {
		cfg.ACKTimeout = 32 * time.Second
	}
	m := &Manager{
		client:     cfg.Client,
		dialogUA:   cfg.DialogUA,
		contact:    cfg.Contact,
		ackTimeout: cfg.ACKTimeout,
		dialogs:    store.NewTTLStore[string, *Dialog](cleanupInterval),
		legs:       store.NewTTLStore[string, *InboundLeg](cleanupInterval),
	}
	m.dialogs.SetOnEvict(func(callID string, d *Dialog) {
		slog.Debug("[Dialog] Evicted", "call_id", callID, "state", d.State())
	})
	return m
}

// SetOnTerminated registers fn to run after any dialog terminates.
func (m *Manager) SetOnTerminated(fn func(d *Dialog)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminated = fn
}

// NewInboundLeg accepts a dialog-creating INVITE and sends 100 Trying.
func (m *Manager) NewInboundLeg(req *sip.Request, tx sip.ServerTransaction) (*InboundLeg, error) {
	callID := callIDOf(req)
	if callID == "" {
		return nil, fmt.Errorf("INVITE missing Call-ID")
	}
	if _, ok := m.legs.Get(callID); ok {
		return nil, fmt.Errorf("duplicate INVITE for %s", callID)
	}

	leg := newInboundLeg(m, req, tx)
	m.legs.Set(callID, leg, PendingLegTTL)

	trying := sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		m.legs.Delete(callID)
		return nil, fmt.Errorf("send 100 Trying: %w", err)
	}
	from, _ := leg.From()
	slog.Info("[Dialog] INVITE received", "call_id", callID, "from", from, "to", leg.To())
	return leg, nil
}

func (m *Manager) register(d *Dialog) {
	m.dialogs.Set(d.callID, d, ActiveDialogTTL)
}

// IsInDialog reports whether req targets a dialog we know.
func (m *Manager) IsInDialog(req *sip.Request) bool {
	if to := req.To(); to == nil || tagOf(to.Params) == "" {
		return false
	}
	_, ok := m.dialogs.Get(callIDOf(req))
	return ok
}

func respond(tx sip.ServerTransaction, req *sip.Request, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)); err != nil {
		slog.Warn("[Dialog] Failed to respond", "method", req.Method, "status", code, "error", err)
	}
}

// HandleACK confirms an answered inbound dialog.
func (m *Manager) HandleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d, ok := m.dialogs.Get(callID)
	if !ok {
		slog.Debug("[Dialog] ACK for unknown dialog", "call_id", callID)
		return
	}
	if d.State() != StateWaitingACK {
		// ACK retransmission, or ACK to a re-INVITE.
		return
	}
	if d.session != nil {
		if err := d.session.ReadAck(req, tx); err != nil {
			slog.Warn("[Dialog] Failed to read ACK", "call_id", callID, "error", err)
		}
	}
	if err := d.transition(StateConfirmed); err != nil {
		slog.Warn("[Dialog] ACK in unexpected state", "call_id", callID, "error", err)
		return
	}
	slog.Info("[Dialog] Confirmed", "call_id", callID)
}

// HandleBYE terminates a dialog released by the far end.
func (m *Manager) HandleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d, ok := m.dialogs.Get(callID)
	if !ok {
		respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}
	respond(tx, req, 200, "OK")
	slog.Info("[Dialog] BYE received", "call_id", callID)
	d.farEndGone(ReasonRemoteBYE, "BYE")
}

// HandleCANCEL cancels a pending inbound leg.
func (m *Manager) HandleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	leg, ok := m.legs.Get(callID)
	if !ok {
		respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}
	respond(tx, req, 200, "OK")
	if leg.cancel() {
		m.legs.Delete(callID)
		slog.Info("[Dialog] CANCEL received", "call_id", callID)
	}
}

// HandleReINVITE applies a mid-dialog offer through the dialog's modify
// handler and answers with the new local SDP.
func (m *Manager) HandleReINVITE(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d, ok := m.dialogs.Get(callID)
	if !ok || !d.Connected() {
		respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}

	offer := string(req.Body())
	if offer == "" {
		// Offerless re-INVITE: repeat our current description.
		m.answerReINVITE(d, req, tx, d.LocalSDP())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	answer, err := d.modify(ctx, offer)
	if err != nil {
		slog.Warn("[Dialog] Re-INVITE rejected", "call_id", callID, "error", err)
		respond(tx, req, 488, "Not Acceptable Here")
		return
	}
	m.answerReINVITE(d, req, tx, answer)
}

func (m *Manager) answerReINVITE(d *Dialog, req *sip.Request, tx sip.ServerTransaction, sdp string) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", []byte(sdp))
	ct := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&ct)
	resp.AppendHeader(&sip.ContactHeader{Address: m.contact})
	if err := tx.Respond(resp); err != nil {
		slog.Warn("[Dialog] Failed to answer re-INVITE", "call_id", d.callID, "error", err)
		return
	}
	slog.Info("[Dialog] Re-INVITE answered", "call_id", d.callID)
}

// HandleREFER passes a transfer request to the dialog's refer handler and
// reports the outcome to the far end.
func (m *Manager) HandleREFER(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d, ok := m.dialogs.Get(callID)
	if !ok || !d.Connected() {
		respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}
	referTo := req.GetHeader("Refer-To")
	if referTo == nil {
		respond(tx, req, 400, "Missing Refer-To")
		return
	}

	rr := resource.ReferRequest{
		ReferTo: unangle(referTo.Value()),
		Headers: make(map[string]string),
	}
	if by := req.GetHeader("Referred-By"); by != nil {
		rr.ReferredBy = unangle(by.Value())
	}
	for _, h := range req.Headers() {
		rr.Headers[h.Name()] = h.Value()
	}

	code := d.refer(rr)
	reason := "Accepted"
	if code >= 300 {
		reason = "Declined"
	}
	respond(tx, req, code, reason)
	slog.Info("[Dialog] REFER received", "call_id", callID, "refer_to", rr.ReferTo, "status", code)

	if code == 202 {
		go m.notifyReferDone(d)
	}
}

// notifyReferDone ends the implicit refer subscription.
func (m *Manager) notifyReferDone(d *Dialog) {
	req, err := d.newRequest(sip.NOTIFY)
	if err != nil {
		return
	}
	req.AppendHeader(sip.NewHeader("Event", "refer"))
	req.AppendHeader(sip.NewHeader("Subscription-State", "terminated;reason=noresource"))
	ct := sip.ContentTypeHeader("message/sipfrag;version=2.0")
	req.AppendHeader(&ct)
	req.SetBody([]byte("SIP/2.0 200 OK"))

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := m.roundTrip(ctx, req); err != nil {
		slog.Debug("[Dialog] Refer NOTIFY failed", "call_id", d.callID, "error", err)
	}
}

// HandleNOTIFY acknowledges notifications for REFERs we sent.
func (m *Manager) HandleNOTIFY(req *sip.Request, tx sip.ServerTransaction) {
	if _, ok := m.dialogs.Get(callIDOf(req)); !ok {
		respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}
	respond(tx, req, 200, "OK")
}

func (m *Manager) sendBye(ctx context.Context, d *Dialog) error {
	req, err := d.newRequest(sip.BYE)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := m.roundTrip(ctx, req)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	slog.Info("[Dialog] BYE sent", "call_id", d.callID, "status", resp.StatusCode)
	return nil
}

// roundTrip sends req in a client transaction and returns its final
// response.
func (m *Manager) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := m.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("transaction ended without response")
			}
			if resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			return nil, fmt.Errorf("transaction ended without response")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) terminate(d *Dialog, reason TerminateReason) {
	d.mu.Lock()
	if d.state == StateTerminated {
		d.mu.Unlock()
		return
	}
	d.state = StateTerminated
	d.reason = reason
	session := d.session
	d.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	m.dialogs.Set(d.callID, d, TerminatedDialogTTL)
	slog.Info("[Dialog] Terminated", "call_id", d.callID, "reason", reason)

	m.mu.RLock()
	fn := m.onTerminated
	m.mu.RUnlock()
	if fn != nil {
		go fn(d)
	}
}

// watchACK ends an answered inbound dialog whose ACK never arrives.
func (m *Manager) watchACK(d *Dialog) {
	timer := time.NewTimer(m.ackTimeout)
	defer timer.Stop()
	<-timer.C
	if d.State() == StateWaitingACK {
		slog.Warn("[Dialog] ACK timeout", "call_id", d.callID)
		d.farEndGone(ReasonTimeout, "ACK timeout")
	}
}

func (m *Manager) Get(callID string) (*Dialog, bool) {
	return m.dialogs.Get(callID)
}

// Count returns the number of live dialogs.
func (m *Manager) Count() int {
	n := 0
	m.dialogs.ForEach(func(_ string, d *Dialog) bool {
		if d.State() != StateTerminated {
			n++
		}
		return true
	})
	return n
}

// HangupAll sends BYE on every established dialog.
func (m *Manager) HangupAll(ctx context.Context) {
	var live []*Dialog
	m.dialogs.ForEach(func(_ string, d *Dialog) bool {
		if d.Connected() {
			live = append(live, d)
		}
		return true
	})
	for _, d := range live {
		if err := d.Destroy(ctx); err != nil {
			slog.Warn("[Dialog] Hangup on shutdown failed", "call_id", d.callID, "error", err)
		}
	}
}

// Close stops the background cleanup.
func (m *Manager) Close() {
	m.dialogs.Close()
	m.legs.Close()
}
