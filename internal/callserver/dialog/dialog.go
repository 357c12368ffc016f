// Package dialog implements SIP dialogs and inbound legs on top of sipgo.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callserver/internal/callserver/resource"
)

// ErrNotConfirmed is returned for in-dialog requests on a dialog that is
// not established.
var ErrNotConfirmed = errors.New("dialog not confirmed")

// Direction tells whether we sent or received the INVITE.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// Dialog is an established (or establishing) SIP dialog. It implements
// resource.Dialog.
type Dialog struct {
	mgr       *Manager
	callID    string
	direction Direction
	createdAt time.Time

	mu           sync.Mutex
	state        State
	reason       TerminateReason
	localTag     string
	remoteTag    string
	invite       *sip.Request
	response     *sip.Response
	remoteTarget sip.Uri
	routes       []string
	localSDP     string
	remoteSDP    string
	session      *sipgo.DialogServerSession
	remoteEnd    string

	onDestroy func(reason string)
	onModify  resource.ModifyHandler
	onRefer   resource.ReferHandler

	cseq atomic.Uint32
}

var _ resource.Dialog = (*Dialog)(nil)

func tagOf(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}

func callIDOf(req *sip.Request) string {
	if req.CallID() == nil {
		return ""
	}
	// The header's String() carries the "Call-ID: " prefix.
	return string(*req.CallID())
}

// newInboundDialog builds the dialog created by answering req.
func newInboundDialog(m *Manager, req *sip.Request, resp *sip.Response, localSDP string) *Dialog {
	d := &Dialog{
		mgr:       m,
		callID:    callIDOf(req),
		direction: DirectionInbound,
		createdAt: time.Now(),
		state:     StateWaitingACK,
		invite:    req,
		response:  resp,
		localSDP:  localSDP,
		remoteSDP: string(req.Body()),
	}
	if from := req.From(); from != nil {
		d.remoteTag = tagOf(from.Params)
		d.remoteTarget = from.Address
	}
	if contact := req.Contact(); contact != nil {
		d.remoteTarget = contact.Address
		d.remoteTarget.UriParams = sip.NewParams()
	}
	if to := resp.To(); to != nil {
		d.localTag = tagOf(to.Params)
	}
	for _, h := range req.GetHeaders("Record-Route") {
		d.routes = append(d.routes, h.Value())
	}
	if cseq := req.CSeq(); cseq != nil {
		d.cseq.Store(cseq.SeqNo)
	}
	return d
}

// newOutboundDialog builds the dialog created by a 2xx to our INVITE.
func newOutboundDialog(m *Manager, invite *sip.Request, resp *sip.Response) *Dialog {
	d := &Dialog{
		mgr:          m,
		callID:       callIDOf(invite),
		direction:    DirectionOutbound,
		createdAt:    time.Now(),
		state:        StateConfirmed,
		invite:       invite,
		response:     resp,
		remoteTarget: invite.Recipient,
		localSDP:     string(invite.Body()),
		remoteSDP:    string(resp.Body()),
	}
	if from := invite.From(); from != nil {
		d.localTag = tagOf(from.Params)
	}
	if to := resp.To(); to != nil {
		d.remoteTag = tagOf(to.Params)
	}
	if contact := resp.Contact(); contact != nil {
		d.remoteTarget = contact.Address
	}
	// The route set of a UAC is the Record-Route of the response, reversed.
	rr := resp.GetHeaders("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		d.routes = append(d.routes, rr[i].Value())
	}
	if cseq := invite.CSeq(); cseq != nil {
		d.cseq.Store(cseq.SeqNo)
	}
	return d
}

func (d *Dialog) CallID() string       { return d.callID }
func (d *Dialog) Direction() Direction { return d.direction }
func (d *Dialog) CreatedAt() time.Time { return d.createdAt }

func (d *Dialog) LocalSDP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSDP
}

func (d *Dialog) RemoteSDP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSDP
}

func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// TerminateReason is set once the dialog is terminated.
func (d *Dialog) TerminateReason() TerminateReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}

// Connected reports whether the dialog is answered and not terminated.
func (d *Dialog) Connected() bool {
	s := d.State()
	return s == StateWaitingACK || s == StateConfirmed
}

func (d *Dialog) transition(next State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.CanTransitionTo(next) {
		return fmt.Errorf("invalid dialog state transition: %s -> %s", d.state, next)
	}
	d.state = next
	return nil
}

// Destroy hangs up from the near end. A BYE is sent if the dialog is
// established. It never fires the OnDestroy callback.
func (d *Dialog) Destroy(ctx context.Context) error {
	if !d.Connected() {
		return nil
	}
	err := d.mgr.sendBye(ctx, d)
	d.mgr.terminate(d, ReasonLocalBYE)
	return err
}

// OnDestroy registers fn for a far-end teardown. When the far end has
// already gone, fn runs immediately. A later call replaces fn.
func (d *Dialog) OnDestroy(fn func(reason string)) {
	d.mu.Lock()
	ended := d.remoteEnd
	if ended == "" {
		d.onDestroy = fn
	}
	d.mu.Unlock()
	if ended != "" && fn != nil {
		fn(ended)
	}
}

func (d *Dialog) OnModify(fn resource.ModifyHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onModify = fn
}

func (d *Dialog) OnRefer(fn resource.ReferHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRefer = fn
}

// Refer asks the far end to call referTo and returns the final status of
// the REFER transaction.
func (d *Dialog) Refer(ctx context.Context, referTo string, headers map[string]string) (int, error) {
	if !d.Connected() {
		return 0, ErrNotConfirmed
	}
	req, err := d.newRequest(sip.REFER)
	if err != nil {
		return 0, err
	}
	req.AppendHeader(sip.NewHeader("Refer-To", angle(referTo)))
	req.AppendHeader(sip.NewHeader("Referred-By", angle(d.mgr.contact.String())))
	for k, v := range headers {
		req.AppendHeader(sip.NewHeader(k, v))
	}

	resp, err := d.mgr.roundTrip(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("send REFER: %w", err)
	}
	slog.Info("[Dialog] REFER answered",
		"call_id", d.callID,
		"refer_to", referTo,
		"status", resp.StatusCode,
	)
	return int(resp.StatusCode), nil
}

// farEndGone marks the dialog as released by the far end and fires the
// OnDestroy callback.
func (d *Dialog) farEndGone(reason TerminateReason, detail string) {
	d.mu.Lock()
	if d.remoteEnd != "" || d.state == StateTerminated {
		d.mu.Unlock()
		return
	}
	d.remoteEnd = detail
	fn := d.onDestroy
	d.mu.Unlock()

	d.mgr.terminate(d, reason)
	if fn != nil {
		fn(detail)
	}
}

func (d *Dialog) modify(ctx context.Context, remoteSDP string) (string, error) {
	d.mu.Lock()
	fn := d.onModify
	d.mu.Unlock()
	if fn == nil {
		return "", errors.New("no renegotiation handler")
	}
	local, err := fn(ctx, remoteSDP)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.remoteSDP = remoteSDP
	d.localSDP = local
	d.mu.Unlock()
	return local, nil
}

func (d *Dialog) refer(req resource.ReferRequest) int {
	d.mu.Lock()
	fn := d.onRefer
	d.mu.Unlock()
	if fn == nil {
		return 501
	}
	return fn(req)
}

// newRequest builds an in-dialog request with the next local CSeq.
func (d *Dialog) newRequest(method sip.RequestMethod) (*sip.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.invite == nil {
		return nil, fmt.Errorf("cannot build %s: missing INVITE", method)
	}
	req := sip.NewRequest(method, d.remoteTarget)
	for _, r := range d.routes {
		req.AppendHeader(sip.NewHeader("Route", r))
	}

	var from *sip.FromHeader
	var to *sip.ToHeader
	if d.direction == DirectionOutbound {
		if f := d.invite.From(); f != nil {
			from = &sip.FromHeader{DisplayName: f.DisplayName, Address: f.Address, Params: f.Params.Clone()}
		}
		if t := d.invite.To(); t != nil {
			to = &sip.ToHeader{DisplayName: t.DisplayName, Address: t.Address, Params: sip.NewParams()}
			if d.remoteTag != "" {
				to.Params.Add("tag", d.remoteTag)
			}
		}
	} else {
		// Inbound: our identity is the To of the INVITE, theirs its From.
		if d.response != nil {
			if t := d.response.To(); t != nil {
				from = &sip.FromHeader{DisplayName: t.DisplayName, Address: t.Address, Params: t.Params.Clone()}
			}
		}
		if f := d.invite.From(); f != nil {
			to = &sip.ToHeader{DisplayName: f.DisplayName, Address: f.Address, Params: f.Params.Clone()}
		}
	}
	if from == nil || to == nil {
		return nil, fmt.Errorf("cannot build %s: missing From/To", method)
	}
	req.AppendHeader(from)
	req.AppendHeader(to)

	if h := d.invite.CallID(); h != nil {
		req.AppendHeader(h)
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq.Add(1), MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: d.mgr.contact})
	return req, nil
}

func angle(uri string) string {
	uri = strings.TrimSpace(uri)
	if strings.HasPrefix(uri, "<") {
		return uri
	}
	return "<" + uri + ">"
}

func unangle(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.Index(v, "<"); i >= 0 {
		if j := strings.Index(v[i:], ">"); j > 0 {
			return v[i+1 : i+j]
		}
	}
	return v
}
