package dialog

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildINVITE(t *testing.T) {
	m := newTestManager(t)
	invite, err := m.buildINVITE(InviteRequest{
		Target:   "sip:+15550199@carrier.example.com",
		From:     "+15550100",
		FromName: "Acme",
		SDP:      "v=0\r\n",
		Headers:  map[string]string{"X-Account-Sid": "AC123"},
	})
	require.NoError(t, err)

	assert.Equal(t, sip.INVITE, invite.Method)
	assert.Equal(t, "carrier.example.com", invite.Recipient.Host)
	assert.Equal(t, "+15550100", invite.From().Address.User)
	assert.Equal(t, "10.0.0.5", invite.From().Address.Host)
	assert.NotEmpty(t, tagOf(invite.From().Params))
	assert.Empty(t, tagOf(invite.To().Params))
	assert.NotEmpty(t, callIDOf(invite))
	assert.Equal(t, uint32(1), invite.CSeq().SeqNo)
	assert.Equal(t, "AC123", invite.GetHeader("X-Account-Sid").Value())
	assert.Equal(t, "v=0\r\n", string(invite.Body()))
}

func TestAuthorizeAnswersChallenge(t *testing.T) {
	m := newTestManager(t)
	invite, err := m.buildINVITE(InviteRequest{Target: "sip:bob@carrier.example.com", From: "alice"})
	require.NoError(t, err)

	for _, tc := range []struct {
		code      sip.StatusCode
		challenge string
		authz     string
	}{
		{401, "WWW-Authenticate", "Authorization"},
		{407, "Proxy-Authenticate", "Proxy-Authorization"},
	} {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			resp := sip.NewResponseFromRequest(invite, tc.code, "Auth", nil)
			resp.AppendHeader(sip.NewHeader(tc.challenge, `Digest realm="carrier", nonce="abc123", algorithm=MD5`))

			retry, err := m.authorize(invite, resp, &Credentials{Username: "alice", Password: "secret"})
			require.NoError(t, err)
			h := retry.GetHeader(tc.authz)
			require.NotNil(t, h)
			assert.True(t, strings.HasPrefix(h.Value(), "Digest "))
			assert.Contains(t, h.Value(), `username="alice"`)
			assert.Nil(t, retry.Via())
			assert.Equal(t, callIDOf(invite), callIDOf(retry))
		})
	}
}

func TestAuthorizeWithoutChallengeHeader(t *testing.T) {
	m := newTestManager(t)
	invite, err := m.buildINVITE(InviteRequest{Target: "sip:bob@carrier.example.com", From: "alice"})
	require.NoError(t, err)
	resp := sip.NewResponseFromRequest(invite, 401, "Unauthorized", nil)

	_, err = m.authorize(invite, resp, &Credentials{Username: "alice", Password: "secret"})
	assert.Error(t, err)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, 200, StatusOf(nil))
	assert.Equal(t, 486, StatusOf(&RejectedError{Code: 486, Reason: "Busy Here"}))
	assert.Equal(t, 486, StatusOf(fmt.Errorf("dial: %w", &RejectedError{Code: 486})))
	assert.Equal(t, 487, StatusOf(context.Canceled))
	assert.Equal(t, 408, StatusOf(context.DeadlineExceeded))
	assert.Equal(t, 500, StatusOf(fmt.Errorf("boom")))
}
