package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

// Credentials answer a digest challenge from the far end.
type Credentials struct {
	Username string
	Password string
}

// InviteRequest describes an outbound call attempt.
type InviteRequest struct {
	// Target is the Request-URI, e.g. "sip:+15551234@carrier.example.com".
	Target   string
	From     string
	FromName string
	SDP      string
	Headers  map[string]string
	Auth     *Credentials
}

// Provisional is a 1xx response to an outbound INVITE.
type Provisional struct {
	Code   int
	Reason string
	SDP    string
}

// RejectedError is returned when the far end answers with a final failure.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("call rejected: %d %s", e.Code, e.Reason)
}

// StatusOf extracts the SIP status from an Invite error. Errors that carry
// no status map to 500, canceled attempts to 487.
func StatusOf(err error) int {
	var rej *RejectedError
	switch {
	case err == nil:
		return 200
	case errors.As(err, &rej):
		return rej.Code
	case errors.Is(err, context.Canceled):
		return 487
	case errors.Is(err, context.DeadlineExceeded):
		return 408
	default:
		return 500
	}
}

// Invite places an outbound call and blocks until it is answered, rejected
// or ctx ends. Canceling ctx sends CANCEL. onProvisional sees every 1xx
// except 100 Trying.
func (m *Manager) Invite(ctx context.Context, req InviteRequest, onProvisional func(Provisional)) (*Dialog, error) {
	invite, err := m.buildINVITE(req)
	if err != nil {
		return nil, &RejectedError{Code: 400, Reason: err.Error()}
	}
	callID := callIDOf(invite)

	resp, err := m.sendINVITE(ctx, invite, onProvisional)
	if err != nil {
		return nil, err
	}

	if (resp.StatusCode == 401 || resp.StatusCode == 407) && req.Auth != nil {
		invite, err = m.authorize(invite, resp, req.Auth)
		if err != nil {
			return nil, &RejectedError{Code: int(resp.StatusCode), Reason: err.Error()}
		}
		slog.Debug("[Dialog] Retrying INVITE with credentials", "call_id", callID)
		resp, err = m.sendINVITE(ctx, invite, onProvisional) // sipgo v0.23: no options => CSeq++ and missing Via added
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode >= 300 {
		slog.Info("[Dialog] Outbound call rejected", "call_id", callID, "status", resp.StatusCode, "reason", resp.Reason)
		return nil, &RejectedError{Code: int(resp.StatusCode), Reason: resp.Reason}
	}

	if err := m.client.WriteRequest(sip.NewAckRequest(invite, resp, nil)); err != nil {
		slog.Warn("[Dialog] Failed to send ACK", "call_id", callID, "error", err)
	}
	d := newOutboundDialog(m, invite, resp)
	m.register(d)
	slog.Info("[Dialog] Outbound call answered", "call_id", callID, "target", req.Target)
	return d, nil
}

func (m *Manager) buildINVITE(req InviteRequest) (*sip.Request, error) {
	var target sip.Uri
	if err := sip.ParseUri(req.Target, &target); err != nil {
		return nil, fmt.Errorf("invalid target URI: %w", err)
	}

	invite := sip.NewRequest(sip.INVITE, target)
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.NewString()[:8])
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: req.FromName,
		Address: sip.Uri{
			Scheme: "sip",
			User:   req.From,
			Host:   m.contact.Host,
			Port:   m.contact.Port,
		},
		Params: fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: m.contact})

	for k, v := range req.Headers {
		invite.AppendHeader(sip.NewHeader(k, v))
	}
	if req.SDP != "" {
		ct := sip.ContentTypeHeader("application/sdp")
		invite.AppendHeader(&ct)
		invite.SetBody([]byte(req.SDP))
	}
	return invite, nil
}

// sendINVITE runs one INVITE transaction and returns its final response.
func (m *Manager) sendINVITE(ctx context.Context, invite *sip.Request, onProvisional func(Provisional), opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	tx, err := m.client.TransactionRequest(ctx, invite, opts...)
	if err != nil {
		return nil, &RejectedError{Code: 503, Reason: "transaction failed: " + err.Error()}
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			m.sendCANCEL(invite)
			return nil, ctx.Err()

		case resp := <-tx.Responses():
			if resp == nil {
				return nil, &RejectedError{Code: 408, Reason: "No Response"}
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
			if resp.StatusCode != 100 && onProvisional != nil {
				onProvisional(Provisional{
					Code:   int(resp.StatusCode),
					Reason: resp.Reason,
					SDP:    string(resp.Body()),
				})
			}

		case <-tx.Done():
			return nil, &RejectedError{Code: 408, Reason: "Request Timeout"}
		}
	}
}

// authorize returns a copy of invite carrying credentials for the challenge
// in resp.
func (m *Manager) authorize(invite *sip.Request, resp *sip.Response, creds *Credentials) (*sip.Request, error) {
	challengeHeader, authHeader := "WWW-Authenticate", "Authorization"
	if resp.StatusCode == 407 {
		challengeHeader, authHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	h := resp.GetHeader(challengeHeader)
	if h == nil {
		return nil, fmt.Errorf("%d without %s", resp.StatusCode, challengeHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   invite.Method.String(),
		URI:      invite.Recipient.String(),
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}

	retry := invite.Clone()
	retry.RemoveHeader("Via")
	retry.AppendHeader(sip.NewHeader(authHeader, cred.String()))
	return retry, nil
}

// sendCANCEL abandons a pending INVITE (RFC 3261 Section 9.1).
func (m *Manager) sendCANCEL(invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := m.roundTrip(ctx, cancelReq)
	if err != nil {
		slog.Warn("[Dialog] CANCEL failed", "call_id", callIDOf(invite), "error", err)
		return
	}
	slog.Info("[Dialog] CANCEL sent", "call_id", callIDOf(invite), "status", resp.StatusCode)
}

