package dialog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callserver/internal/callserver/resource"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Config{
		Contact: sip.Uri{Scheme: "sip", User: "callserver", Host: "10.0.0.5", Port: 5060},
	})
	t.Cleanup(m.Close)
	return m
}

func newTestInvite(t *testing.T, callID string) *sip.Request {
	t.Helper()
	target := sip.Uri{Scheme: "sip", User: "+15550100", Host: "10.0.0.5", Port: 5060}
	req := sip.NewRequest(sip.INVITE, target)

	fromParams := sip.NewParams()
	fromParams.Add("tag", "caller-tag")
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{Scheme: "sip", User: "alice", Host: "192.168.1.20"},
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "192.168.1.20", Port: 5062}})
	req.AppendHeader(sip.NewHeader("Record-Route", "<sip:proxy1.example.com;lr>"))
	req.AppendHeader(sip.NewHeader("Record-Route", "<sip:proxy2.example.com;lr>"))
	req.SetBody([]byte("v=0\r\n"))
	return req
}

func newTestAnswer(req *sip.Request, toTag string) *sip.Response {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", []byte("v=0 answer\r\n"))
	params := sip.NewParams()
	params.Add("tag", toTag)
	resp.RemoveHeader("To")
	resp.AppendHeader(&sip.ToHeader{Address: req.To().Address, Params: params})
	return resp
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInitial, StateEarly, true},
		{StateEarly, StateWaitingACK, true},
		{StateWaitingACK, StateConfirmed, true},
		{StateConfirmed, StateTerminated, true},
		{StateConfirmed, StateWaitingACK, false},
		{StateTerminated, StateConfirmed, false},
		{StateTerminated, StateTerminated, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "WaitingACK", StateWaitingACK.String())
	assert.Equal(t, "Unknown(42)", State(42).String())
	assert.Equal(t, "RemoteBYE", ReasonRemoteBYE.String())
}

func TestInboundDialogFromInvite(t *testing.T) {
	m := newTestManager(t)
	req := newTestInvite(t, "in-1")
	d := newInboundDialog(m, req, newTestAnswer(req, "our-tag"), "v=0 local\r\n")

	assert.Equal(t, "in-1", d.CallID())
	assert.Equal(t, DirectionInbound, d.Direction())
	assert.Equal(t, StateWaitingACK, d.State())
	assert.True(t, d.Connected())
	assert.Equal(t, "our-tag", d.localTag)
	assert.Equal(t, "caller-tag", d.remoteTag)
	assert.Equal(t, 5062, d.remoteTarget.Port)
	assert.Equal(t, "v=0\r\n", d.RemoteSDP())
	assert.Equal(t, "v=0 local\r\n", d.LocalSDP())
	// UAS keeps Record-Route order.
	assert.Equal(t, []string{"<sip:proxy1.example.com;lr>", "<sip:proxy2.example.com;lr>"}, d.routes)
}

func TestOutboundDialogReversesRouteSet(t *testing.T) {
	m := newTestManager(t)
	req := newTestInvite(t, "out-1")
	resp := newTestAnswer(req, "callee-tag")
	resp.AppendHeader(sip.NewHeader("Record-Route", "<sip:a.example.com;lr>"))
	resp.AppendHeader(sip.NewHeader("Record-Route", "<sip:b.example.com;lr>"))

	d := newOutboundDialog(m, req, resp)
	assert.Equal(t, StateConfirmed, d.State())
	assert.Equal(t, "caller-tag", d.localTag)
	assert.Equal(t, "callee-tag", d.remoteTag)
	assert.Equal(t, "v=0 answer\r\n", d.RemoteSDP())
	require.Len(t, d.routes, 2)
	assert.Equal(t, "<sip:b.example.com;lr>", d.routes[0])
}

func TestInDialogRequestSwapsIdentities(t *testing.T) {
	m := newTestManager(t)
	req := newTestInvite(t, "in-2")
	d := newInboundDialog(m, req, newTestAnswer(req, "our-tag"), "")

	bye, err := d.newRequest(sip.BYE)
	require.NoError(t, err)
	assert.Equal(t, sip.BYE, bye.Method)
	assert.Equal(t, "our-tag", tagOf(bye.From().Params))
	assert.Equal(t, "caller-tag", tagOf(bye.To().Params))
	assert.Equal(t, uint32(8), bye.CSeq().SeqNo)
	assert.Equal(t, "in-2", callIDOf(bye))
	assert.Len(t, bye.GetHeaders("Route"), 2)

	next, err := d.newRequest(sip.NOTIFY)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), next.CSeq().SeqNo)
}

func TestFarEndGoneFiresOnce(t *testing.T) {
	m := newTestManager(t)
	req := newTestInvite(t, "in-3")
	d := newInboundDialog(m, req, newTestAnswer(req, "t"), "")
	m.register(d)

	var reasons []string
	d.OnDestroy(func(reason string) { reasons = append(reasons, reason) })

	d.farEndGone(ReasonRemoteBYE, "BYE")
	d.farEndGone(ReasonRemoteBYE, "BYE")

	assert.Equal(t, []string{"BYE"}, reasons)
	assert.Equal(t, StateTerminated, d.State())
	assert.Equal(t, ReasonRemoteBYE, d.TerminateReason())
	assert.False(t, d.Connected())

	// A handler registered late learns about the teardown immediately.
	var late string
	d.OnDestroy(func(reason string) { late = reason })
	assert.Equal(t, "BYE", late)

	// Destroy after the far end left is a no-op.
	assert.NoError(t, d.Destroy(context.Background()))
}

func TestOnDestroyReplacesHandler(t *testing.T) {
	m := newTestManager(t)
	req := newTestInvite(t, "in-4")
	d := newInboundDialog(m, req, newTestAnswer(req, "t"), "")

	first, second := 0, 0
	d.OnDestroy(func(string) { first++ })
	d.OnDestroy(func(string) { second++ })
	d.farEndGone(ReasonTimeout, "ACK timeout")

	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestTerminatedCallback(t *testing.T) {
	m := newTestManager(t)
	done := make(chan *Dialog, 1)
	m.SetOnTerminated(func(d *Dialog) { done <- d })

	req := newTestInvite(t, "in-5")
	d := newInboundDialog(m, req, newTestAnswer(req, "t"), "")
	m.register(d)
	assert.Equal(t, 1, m.Count())

	d.farEndGone(ReasonRemoteBYE, "BYE")
	got := <-done
	assert.Same(t, d, got)
	assert.Equal(t, 0, m.Count())

	// Terminated dialogs stay resolvable for retransmissions.
	_, ok := m.Get("in-5")
	assert.True(t, ok)
}

func TestModifyUpdatesDescriptions(t *testing.T) {
	m := newTestManager(t)
	req := newTestInvite(t, "in-6")
	d := newInboundDialog(m, req, newTestAnswer(req, "t"), "old-local")

	_, err := d.modify(context.Background(), "offer")
	assert.Error(t, err, "no handler registered")

	d.OnModify(func(_ context.Context, remote string) (string, error) {
		return "answer-to-" + remote, nil
	})
	local, err := d.modify(context.Background(), "offer2")
	require.NoError(t, err)
	assert.Equal(t, "answer-to-offer2", local)
	assert.Equal(t, "offer2", d.RemoteSDP())
	assert.Equal(t, "answer-to-offer2", d.LocalSDP())

	d.OnModify(func(context.Context, string) (string, error) {
		return "", errors.New("codec mismatch")
	})
	_, err = d.modify(context.Background(), "offer3")
	assert.Error(t, err)
	assert.Equal(t, "answer-to-offer2", d.LocalSDP())
}

func TestReferWithoutHandlerIsNotImplemented(t *testing.T) {
	m := newTestManager(t)
	req := newTestInvite(t, "in-7")
	d := newInboundDialog(m, req, newTestAnswer(req, "t"), "")

	assert.Equal(t, 501, d.refer(resource.ReferRequest{ReferTo: "sip:bob@example.com"}))

	var got resource.ReferRequest
	d.OnRefer(func(r resource.ReferRequest) int {
		got = r
		return 202
	})
	assert.Equal(t, 202, d.refer(resource.ReferRequest{ReferTo: "sip:bob@example.com"}))
	assert.Equal(t, "sip:bob@example.com", got.ReferTo)
}

func TestReferRequiresConnectedDialog(t *testing.T) {
	m := newTestManager(t)
	req := newTestInvite(t, "in-8")
	d := newInboundDialog(m, req, newTestAnswer(req, "t"), "")
	d.farEndGone(ReasonRemoteBYE, "BYE")

	_, err := d.Refer(context.Background(), "sip:bob@example.com", nil)
	assert.ErrorIs(t, err, ErrNotConfirmed)
}

func TestAngleBrackets(t *testing.T) {
	assert.Equal(t, "<sip:a@b>", angle("sip:a@b"))
	assert.Equal(t, "<sip:a@b>", angle(" <sip:a@b> "))
	assert.Equal(t, "sip:a@b", unangle(`"Bob" <sip:a@b>;tag=x`))
	assert.Equal(t, "sip:a@b", unangle("sip:a@b"))
}

func TestIsInDialogNeedsToTag(t *testing.T) {
	m := newTestManager(t)
	req := newTestInvite(t, "in-9")
	d := newInboundDialog(m, req, newTestAnswer(req, "t"), "")
	m.register(d)

	assert.False(t, m.IsInDialog(req), "initial INVITE has no To tag")

	reinvite := newTestInvite(t, "in-9")
	reinvite.To().Params.Add("tag", "t")
	assert.True(t, m.IsInDialog(reinvite))

	unknown := newTestInvite(t, "other")
	unknown.To().Params.Add("tag", "t")
	assert.False(t, m.IsInDialog(unknown))
}
