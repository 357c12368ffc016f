// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the server.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionsStarted *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	TasksFinished   *prometheus.CounterVec
	StatusChanges   *prometheus.CounterVec
	DialAttempts    *prometheus.CounterVec
	WebhookLatency  *prometheus.HistogramVec
	Draining        prometheus.Gauge
}

// New registers the instruments with reg. A nil reg uses the default
// registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of tracked call sessions.",
		}),
		SessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Call sessions started by kind.",
		}, []string{"kind"}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Call sessions finished by kind.",
		}, []string{"kind"}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks finished by verb and outcome (ok, skipped, killed, failed).",
		}, []string{"verb", "outcome"}),
		StatusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_status_changes_total",
			Help:      "Delivered call status changes by status.",
		}, []string{"status"}),
		DialAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Outbound call attempts by result.",
		}, []string{"result"}),
		WebhookLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_latency_ms",
			Help:      "Application webhook round trip in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"kind"}),
		Draining: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "draining",
			Help:      "1 while the server refuses new calls.",
		}),
	}
}

func (m *Metrics) SessionStarted(kind string) { m.SessionsStarted.WithLabelValues(kind).Inc() }
func (m *Metrics) SessionEnded(kind string)   { m.SessionsEnded.WithLabelValues(kind).Inc() }

func (m *Metrics) TaskFinished(verb, outcome string) {
	m.TasksFinished.WithLabelValues(verb, outcome).Inc()
}

func (m *Metrics) StatusChanged(status string) { m.StatusChanges.WithLabelValues(status).Inc() }

// SetActiveSessions is meant to be registered as the tracker's change callback.
func (m *Metrics) SetActiveSessions(n int) { m.ActiveSessions.Set(float64(n)) }

func (m *Metrics) DialResult(result string) { m.DialAttempts.WithLabelValues(result).Inc() }

func (m *Metrics) ObserveWebhook(kind string, d time.Duration) {
	m.WebhookLatency.WithLabelValues(kind).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SetDraining(on bool) {
	if on {
		m.Draining.Set(1)
		return
	}
	m.Draining.Set(0)
}

// Handler serves the registry behind g. A nil g uses the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
