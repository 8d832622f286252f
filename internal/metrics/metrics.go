// Package metrics exposes Prometheus collectors for the ingestion pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "epubfeed"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	submissions *prometheus.CounterVec
	stages      *prometheus.HistogramVec
	feedWrites  *prometheus.CounterVec
	packaging   prometheus.Gauge
}

// New creates a registry with the pipeline collectors plus Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions by final status and error kind.",
		}, []string{"status", "kind"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		feedWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_writes_total",
			Help:      "Feed document writes by outcome.",
		}, []string{"outcome"}),
		packaging: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packaging_in_flight",
			Help:      "E-book conversions currently running.",
		}),
	}
	m.registry.MustRegister(
		m.submissions,
		m.stages,
		m.feedWrites,
		m.packaging,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Submission counts one finished submission. kind is empty on success.
func (m *Metrics) Submission(status, kind string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(status, kind).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage).Observe(d.Seconds())
}

// FeedWrite counts a feed write: inserted, replaced or error.
func (m *Metrics) FeedWrite(outcome string) {
	if m == nil {
		return
	}
	m.feedWrites.WithLabelValues(outcome).Inc()
}

// PackagingStarted marks a conversion as running and returns a func that
// marks it finished.
func (m *Metrics) PackagingStarted() func() {
	if m == nil {
		return func() {}
	}
	m.packaging.Inc()
	return m.packaging.Dec
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
