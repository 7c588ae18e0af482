// Package metrics holds the relay's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics groups the relay collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	sessionsActive      prometheus.Gauge
	sessionsClosed      *prometheus.CounterVec
	eventsPublished     *prometheus.CounterVec
	subscribersDropped  prometheus.Counter
	checkpointsAppended prometheus.Counter
	checkpointsRemoved  prometheus.Counter
	approvalsResolved   *prometheus.CounterVec
	engineFailures      prometheus.Counter
	tokensStreamed      prometheus.Counter
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Stream sessions with a live producer.",
		}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Stream sessions closed, by reason.",
		}, []string{"reason"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published to stream sessions, by type.",
		}, []string{"type"}),
		subscribersDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected for falling behind.",
		}),
		checkpointsAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_appended_total",
			Help:      "Execution checkpoints committed.",
		}),
		checkpointsRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_compacted_total",
			Help:      "Execution checkpoints removed by compaction.",
		}),
		approvalsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Approval requests resolved, by resolution.",
		}, []string{"resolution"}),
		engineFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_failures_total",
			Help:      "Turns ended by a reasoning engine failure.",
		}),
		tokensStreamed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_tokens_total",
			Help:      "Content tokens relayed to clients.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.subscribersDropped.Inc()
}

func (m *Metrics) CheckpointAppended() {
	if m == nil {
		return
	}
	m.checkpointsAppended.Inc()
}

func (m *Metrics) CheckpointsCompacted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.checkpointsRemoved.Add(float64(n))
}

func (m *Metrics) ApprovalResolved(resolution string) {
	if m == nil {
		return
	}
	m.approvalsResolved.WithLabelValues(resolution).Inc()
}

func (m *Metrics) EngineFailure() {
	if m == nil {
		return
	}
	m.engineFailures.Inc()
}

func (m *Metrics) TokensStreamed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensStreamed.Add(float64(n))
}
