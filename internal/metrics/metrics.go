// Package metrics exposes Prometheus metrics for sessions, connections,
// media negotiation and the response pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing,
// which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsClosed *prometheus.CounterVec

	ConnectionsActive *prometheus.GaugeVec
	MessagesTotal     *prometheus.CounterVec
	MessagesRejected  *prometheus.CounterVec

	MediaSessionsActive prometheus.Gauge
	MediaTransitions    *prometheus.CounterVec
	CandidatesDropped   prometheus.Counter

	StageDuration  *prometheus.HistogramVec
	StageFailures  *prometheus.CounterVec
	PipelineActive prometheus.Gauge
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tutor"
	}
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active tutoring sessions",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by reason",
		}, []string{"reason"}), // reason: closed, expired
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open signaling connections, by routing mode",
		}, []string{"mode"}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound signaling messages, by type",
		}, []string{"type"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Inbound messages answered with an error, by reason",
		}, []string{"reason"}),
		MediaSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "media_sessions_active",
			Help:      "Live WebRTC media sessions",
		}),
		MediaTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_transitions_total",
			Help:      "Media session state transitions, by target state",
		}, []string{"state"}),
		CandidatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_dropped_total",
			Help:      "Local ICE candidates withheld from clients because they are not relay candidates",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of response pipeline stages",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_failures_total",
			Help:      "Failed response pipeline stages",
		}, []string{"stage"}),
		PipelineActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipelines_active",
			Help:      "Response pipelines currently running",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsActive,
		m.SessionsClosed,
		m.ConnectionsActive,
		m.MessagesTotal,
		m.MessagesRejected,
		m.MediaSessionsActive,
		m.MediaTransitions,
		m.CandidatesDropped,
		m.StageDuration,
		m.StageFailures,
		m.PipelineActive,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnectionOpened(mode string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(mode).Inc()
}

func (m *Metrics) ConnectionClosed(mode string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(mode).Dec()
}

func (m *Metrics) Message(kind string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) MediaOpened() {
	if m == nil {
		return
	}
	m.MediaSessionsActive.Inc()
}

func (m *Metrics) MediaClosed() {
	if m == nil {
		return
	}
	m.MediaSessionsActive.Dec()
}

func (m *Metrics) MediaTransition(state string) {
	if m == nil {
		return
	}
	m.MediaTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) CandidateDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CandidatesDropped.Add(float64(n))
}

// ObserveStage records one stage run; err != nil also counts a failure.
func (m *Metrics) ObserveStage(stage string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	if err != nil {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) PipelineStarted() {
	if m == nil {
		return
	}
	m.PipelineActive.Inc()
}

func (m *Metrics) PipelineDone() {
	if m == nil {
		return
	}
	m.PipelineActive.Dec()
}
