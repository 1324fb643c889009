package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the billing service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Charge metrics
	ChargesTotal      *prometheus.CounterVec
	ChargeAmountCents *prometheus.CounterVec

	// Sweep metrics
	SweepDuration       prometheus.Histogram
	SweepSchedulesTotal *prometheus.CounterVec

	// Reconciliation metrics
	WebhookEventsTotal *prometheus.CounterVec
	SuspensionsTotal   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billingd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billingd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billingd_charges_total",
				Help: "Total charge attempts by result",
			},
			[]string{"result"},
		),
		ChargeAmountCents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billingd_charge_amount_cents_total",
				Help: "Total charged amount in cents by result",
			},
			[]string{"result"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billingd_sweep_duration_seconds",
				Help:    "Duration of due-charge sweeps in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		SweepSchedulesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billingd_sweep_schedules_total",
				Help: "Schedules processed by due-charge sweeps, by outcome",
			},
			[]string{"outcome"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billingd_webhook_events_total",
				Help: "Webhook notifications processed, by outcome",
			},
			[]string{"outcome"},
		),
		SuspensionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billingd_suspensions_total",
				Help: "Subscriptions suspended by the failure policy",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ChargesTotal,
		m.ChargeAmountCents,
		m.SweepDuration,
		m.SweepSchedulesTotal,
		m.WebhookEventsTotal,
		m.SuspensionsTotal,
	)
	return m
}

// Handler returns the Prometheus scrape handler for this metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request count and duration
// metrics. The path label uses the route template, not the raw URL, to keep
// cardinality bounded.
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
