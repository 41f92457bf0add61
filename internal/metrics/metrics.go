// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is one set of collectors bound to its own registry
type Metrics struct {
	registry *prometheus.Registry

	// Verifications counts StartVerification outcomes by error code, or "ok".
	Verifications *prometheus.CounterVec
	// Submissions counts Submit outcomes by error code, or "ok".
	Submissions *prometheus.CounterVec
	// NotificationFailures counts confirmation emails that could not be sent.
	NotificationFailures prometheus.Counter
	// RequestDuration records HTTP latency by route pattern and status.
	RequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_verifications_total",
			Help: "Total number of verification attempts by outcome",
		}, []string{"outcome"}),
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_submissions_total",
			Help: "Total number of submission attempts by outcome",
		}, []string{"outcome"}),
		NotificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_notification_failures_total",
			Help: "Total number of confirmation emails that failed to send",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

// ObserveRequest records the latency of one HTTP request
func (m *Metrics) ObserveRequest(route, status string, start time.Time) {
	m.RequestDuration.WithLabelValues(route, status).Observe(time.Since(start).Seconds())
}

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
