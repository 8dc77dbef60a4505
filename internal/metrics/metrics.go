// Package metrics exposes stage worker and HTTP counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	processedTotal  *prometheus.CounterVec
	discardedTotal  *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec
	inProgress      *prometheus.GaugeVec
	requestsTotal   *prometheus.CounterVec
	publishedTotal  *prometheus.CounterVec
}

// New registers the collectors on a fresh registry with the given namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_processed_total",
			Help:      "Stage attempts that reached a terminal state, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		discardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_discarded_total",
			Help:      "Deliveries skipped by the idempotency guard, by stage and reason.",
		}, []string{"stage", "reason"}),
		durationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Provider call duration per stage.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_in_progress",
			Help:      "Stage attempts currently calling a provider.",
		}, []string{"stage"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code class.",
		}, []string{"route", "code"}),
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published by name and result.",
		}, []string{"event", "result"}),
	}
	m.registry.MustRegister(
		m.processedTotal,
		m.discardedTotal,
		m.durationSeconds,
		m.inProgress,
		m.requestsTotal,
		m.publishedTotal,
		collectors.NewGoCollector(),
	)
	return m
}

// StageStarted marks a provider call as in flight. The returned func records
// the outcome and duration.
func (m *Metrics) StageStarted(stage string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.inProgress.WithLabelValues(stage).Inc()
	return func(outcome string) {
		m.inProgress.WithLabelValues(stage).Dec()
		m.durationSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		m.processedTotal.WithLabelValues(stage, outcome).Inc()
	}
}

func (m *Metrics) StageDiscarded(stage, reason string) {
	if m == nil {
		return
	}
	m.discardedTotal.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) EventPublished(event string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishedTotal.WithLabelValues(event, result).Inc()
}

func (m *Metrics) RequestServed(route string, code int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, codeClass(code)).Inc()
}

func codeClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
