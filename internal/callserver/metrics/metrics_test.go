package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCountersByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("callserver", reg)

	m.SessionStarted("inbound")
	m.SessionStarted("inbound")
	m.SessionEnded("inbound")
	m.TaskFinished("say", "ok")
	m.TaskFinished("hangup", "skipped")
	m.StatusChanged("ringing")
	m.SetActiveSessions(3)
	m.SetDraining(true)
	m.DialResult("answered")
	m.ObserveWebhook("status", 40*time.Millisecond)

	body := scrape(t, reg)
	require.Contains(t, body, `callserver_sessions_started_total{kind="inbound"} 2`)
	require.Contains(t, body, `callserver_sessions_ended_total{kind="inbound"} 1`)
	require.Contains(t, body, `callserver_tasks_finished_total{outcome="skipped",verb="hangup"} 1`)
	require.Contains(t, body, `callserver_call_status_changes_total{status="ringing"} 1`)
	require.Contains(t, body, "callserver_active_sessions 3")
	require.Contains(t, body, "callserver_draining 1")
	require.Contains(t, body, `callserver_webhook_latency_ms_count{kind="status"} 1`)
}

func TestDrainingGaugeResets(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("callserver", reg)
	m.SetDraining(true)
	m.SetDraining(false)
	require.Contains(t, scrape(t, reg), "callserver_draining 0")
}
