package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the dispatch pipeline and API.
type Metrics struct {
	// Dispatch pipeline
	EmailsSentTotal           prometheus.Counter
	EmailsFailedTotal         prometheus.Counter
	SendRetriesTotal          prometheus.Counter
	RunsActive                prometheus.Gauge
	RunDurationSeconds        prometheus.Histogram
	RecipientsSuppressedTotal prometheus.Counter

	// HTTP API
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
	RateLimitExceededTotal     prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered on its own
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EmailsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldsend_emails_sent_total",
			Help: "Total number of successfully delivered emails",
		}),
		EmailsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldsend_emails_failed_total",
			Help: "Total number of emails that exhausted their retries",
		}),
		SendRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldsend_send_retries_total",
			Help: "Total number of retried send attempts",
		}),
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coldsend_runs_active",
			Help: "Number of bulk send runs currently in progress",
		}),
		RunDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coldsend_run_duration_seconds",
			Help:    "Wall-clock duration of completed bulk send runs",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		RecipientsSuppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldsend_recipients_suppressed_total",
			Help: "Recipients dropped from runs by the unsubscribe list",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldsend_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coldsend_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		RateLimitExceededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldsend_rate_limit_exceeded_total",
			Help: "API requests rejected by the rate limiter",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.SendRetriesTotal,
		m.RunsActive,
		m.RunDurationSeconds,
		m.RecipientsSuppressedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.RateLimitExceededTotal,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
