// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the service collectors, registered on a single registry.
type Metrics struct {
	registry *prometheus.Registry

	admissionChecks  *prometheus.CounterVec
	trackedClients   prometheus.Gauge
	generations      *prometheus.CounterVec
	usageCount       *prometheus.GaugeVec
	upstreamDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		admissionChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "npcforge_admission_checks_total",
				Help: "Admission filter decisions by result",
			},
			[]string{"result"},
		),

		trackedClients: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "npcforge_admission_tracked_clients",
				Help: "Client keys currently held by the admission filter",
			},
		),

		generations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "npcforge_generations_total",
				Help: "Generation attempts by model and outcome",
			},
			[]string{"model", "outcome"},
		),

		usageCount: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "npcforge_usage_count",
				Help: "Generations counted for the current month",
			},
			[]string{"model"},
		),

		upstreamDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "npcforge_upstream_request_duration_seconds",
				Help:    "Latency of calls to the OpenAI-compatible upstream",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
			},
			[]string{"operation"},
		),
	}
}

// RecordAdmission records one admission decision.
func (m *Metrics) RecordAdmission(overLimit bool, trackedClients int) {
	result := "within_limit"
	if overLimit {
		result = "over_limit"
	}
	m.admissionChecks.WithLabelValues(result).Inc()
	m.trackedClients.Set(float64(trackedClients))
}

// SetTrackedClients updates the tracked-client gauge, e.g. after a sweep.
func (m *Metrics) SetTrackedClients(n int) {
	m.trackedClients.Set(float64(n))
}

// RecordGeneration counts a generation outcome: success, limit_reached or error.
func (m *Metrics) RecordGeneration(model, outcome string) {
	m.generations.WithLabelValues(model, outcome).Inc()
}

// SetUsage publishes the current monthly count for a model.
func (m *Metrics) SetUsage(model string, count int) {
	m.usageCount.WithLabelValues(model).Set(float64(count))
}

// ObserveUpstream records an upstream call. It matches openai.Observer.
func (m *Metrics) ObserveUpstream(operation string, elapsed time.Duration, _ error) {
	m.upstreamDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
