package session

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sebas/callserver/internal/callserver/task"
)

const twoStreamOffer = "v=0\r\n" +
	"o=- 10 10 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 20000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=label:caller\r\n" +
	"a=sendonly\r\n" +
	"m=audio 20002 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=label:callee\r\n" +
	"a=sendonly\r\n"

const multipartBody = "--b1\r\n" +
	"Content-Type: application/sdp\r\n\r\n" +
	twoStreamOffer +
	"\r\n--b1\r\n" +
	"Content-Type: application/rs-metadata+xml\r\n\r\n" +
	"<recording xmlns='urn:ietf:params:xml:ns:recording:1'/>\r\n" +
	"--b1--\r\n"

func TestIsSipRec(t *testing.T) {
	require.True(t, IsSipRec("application/sdp", testSDP, map[string]string{"Require": "siprec"}))
	require.True(t, IsSipRec(`multipart/mixed;boundary=b1`, multipartBody, nil))
	require.False(t, IsSipRec("application/sdp", testSDP, nil))
}

func TestExtractSDP(t *testing.T) {
	sdp, err := ExtractSDP(`multipart/mixed;boundary=b1`, multipartBody)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sdp, "v=0"))
	require.Contains(t, sdp, "a=label:callee")

	plain, err := ExtractSDP("application/sdp", testSDP)
	require.NoError(t, err)
	require.Equal(t, testSDP, plain)

	_, err = ExtractSDP("text/plain", "hello")
	require.Error(t, err)
}

func TestOfferSDP(t *testing.T) {
	plain, err := OfferSDP(testSDP)
	require.NoError(t, err)
	require.Equal(t, testSDP, plain)

	sdp, err := OfferSDP(multipartBody)
	require.NoError(t, err)
	require.Equal(t, twoStreamOffer, sdp)

	_, err = OfferSDP("--\r\nContent-Type: application/sdp\r\n\r\n")
	require.Error(t, err)
}

func TestSplitOfferAndCombine(t *testing.T) {
	offers, labels, err := SplitOffer(twoStreamOffer)
	require.NoError(t, err)
	require.Equal(t, []string{"caller", "callee"}, labels)
	require.Len(t, offers, 2)
	require.Contains(t, offers[0], "m=audio 20000")
	require.NotContains(t, offers[0], "m=audio 20002")
	require.Contains(t, offers[1], "m=audio 20002")

	combined, err := CombineAnswers(labels, testSDP, testSDP)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(combined, "m=audio"))
	require.Contains(t, combined, "a=label:caller")
	require.Contains(t, combined, "a=label:callee")
}

func TestSplitOfferRejectsSingleStream(t *testing.T) {
	_, _, err := SplitOffer(testSDP)
	require.ErrorIs(t, err, ErrNotSipRec)
}

func TestSipRecSessionAnswersWithCombinedSDP(t *testing.T) {
	h := newHarness(t)
	leg := newFakeLeg()
	leg.remoteSDP = multipartBody
	leg.headers = map[string]string{"Content-Type": "multipart/mixed;boundary=b1"}

	var streamed bool
	s, err := NewSipRec(h.cfg, newInboundInfo(), leg, []task.Task{
		newTask("listen", task.PreconditionEndpoint, func(ctx context.Context, _ task.Session, r task.Resources) error {
			streamed = strings.Contains(r.Endpoint.LocalSDP(), "a=label:callee")
			return nil
		}),
	})
	require.NoError(t, err)
	require.Equal(t, KindSipRec, s.Kind())
	require.NoError(t, s.Exec(context.Background()))

	require.True(t, streamed)
	require.Equal(t, 2, h.allocator.session.endpointCount())
	for _, ep := range h.allocator.session.endpoints {
		require.Equal(t, 1, ep.destroyCount())
	}
}

func TestNewSipRecRejectsPlainOffer(t *testing.T) {
	h := newHarness(t)
	_, err := NewSipRec(h.cfg, newInboundInfo(), newFakeLeg(), nil)
	require.ErrorIs(t, err, ErrNotSipRec)
}

func TestSipRecReinviteWithMultipartBody(t *testing.T) {
	h := newHarness(t)
	leg := newFakeLeg()
	leg.remoteSDP = multipartBody
	leg.headers = map[string]string{"Content-Type": "multipart/mixed;boundary=b1"}

	var sess *CallSession
	var answer string
	var modifyErr error
	sess, err := NewSipRec(h.cfg, newInboundInfo(), leg, []task.Task{
		newTask("listen", task.PreconditionEndpoint, func(ctx context.Context, _ task.Session, r task.Resources) error {
			answer, modifyErr = sess.handleModify(ctx, multipartBody)
			return nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, sess.Exec(context.Background()))

	require.NoError(t, modifyErr)
	require.Equal(t, 2, strings.Count(answer, "m=audio"))
	require.Contains(t, answer, "a=label:caller")

	endpoints := h.allocator.session.endpoints
	require.Len(t, endpoints, 2)
	require.Len(t, endpoints[0].modified, 1)
	require.Contains(t, endpoints[0].modified[0], "m=audio 20000")
	require.NotContains(t, endpoints[0].modified[0], "m=audio 20002")
	require.Contains(t, endpoints[1].modified[0], "m=audio 20002")
}
