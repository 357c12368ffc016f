package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/callserver/internal/callserver/callinfo"
)

func TestHookUnmarshal(t *testing.T) {
	var h Hook
	require.NoError(t, json.Unmarshal([]byte(`"https://app.example.com/status"`), &h))
	require.Equal(t, "https://app.example.com/status", h.URL)
	require.Equal(t, http.MethodPost, h.HTTPMethod())

	require.NoError(t, json.Unmarshal([]byte(`{"url":"https://x/y","method":"get"}`), &h))
	require.Equal(t, "https://x/y", h.URL)
	require.Equal(t, http.MethodGet, h.HTTPMethod())

	require.Error(t, json.Unmarshal([]byte(`42`), &h))
}

func TestRequestPostsSnapshot(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	ci := callinfo.New(callinfo.Params{CallSid: "cs-1", Direction: callinfo.DirectionInbound})
	err := c.Request(context.Background(), Hook{URL: srv.URL}, ci.Snapshot())
	require.NoError(t, err)
	require.Equal(t, "cs-1", got["callSid"])
	require.Equal(t, "trying", got["callStatus"])
}

func TestFetchUsesQueryForGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "cs-2", r.URL.Query().Get("callSid"))
		_, _ = w.Write([]byte(`[{"verb":"hangup"}]`))
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	body, err := c.Fetch(context.Background(), Hook{URL: srv.URL, Method: "GET"}, map[string]any{"callSid": "cs-2"})
	require.NoError(t, err)
	require.JSONEq(t, `[{"verb":"hangup"}]`, string(body))
}

func TestFetchNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(time.Second, nil).Fetch(context.Background(), Hook{URL: srv.URL}, nil)
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusInternalServerError, serr.Status)
}

func TestEmptyHookRejected(t *testing.T) {
	_, err := NewClient(time.Second, nil).Fetch(context.Background(), Hook{}, nil)
	require.Error(t, err)
}
