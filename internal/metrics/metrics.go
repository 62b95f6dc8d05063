package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the billing service.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	CreditsUsedTotal     prometheus.Counter
	PaymentsTotal        *prometheus.CounterVec
	ConflictRetriesTotal prometheus.Counter

	SweepsTotal        prometheus.Counter
	SweepDuration      prometheus.Histogram
	SweepAccountsTotal *prometheus.CounterVec
	LastSweepTimestamp prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry,
// together with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credits_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_gateway_requests_total",
				Help: "Payment gateway calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credits_gateway_request_duration_seconds",
				Help:    "Payment gateway call duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		CreditsUsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credits_used_total",
			Help: "Credits debited by use-credits requests",
		}),
		PaymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_payments_total",
				Help: "Completed payments by kind and whether they were automatic renewals",
			},
			[]string{"kind", "auto_renewal"},
		),
		ConflictRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credits_account_conflict_retries_total",
			Help: "Optimistic account writes retried after a concurrent modification",
		}),
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credits_renewal_sweeps_total",
			Help: "Renewal sweeps executed",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "credits_renewal_sweep_duration_seconds",
			Help:    "Renewal sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		SweepAccountsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_renewal_accounts_total",
				Help: "Accounts processed by the renewal sweep by result",
			},
			[]string{"result"},
		),
		LastSweepTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "credits_renewal_last_sweep_timestamp_seconds",
			Help: "Unix time the last renewal sweep finished",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.CreditsUsedTotal,
		m.PaymentsTotal,
		m.ConflictRetriesTotal,
		m.SweepsTotal,
		m.SweepDuration,
		m.SweepAccountsTotal,
		m.LastSweepTimestamp,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) ObserveGateway(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.GatewayRequestsTotal.WithLabelValues(operation, outcome).Inc()
	m.GatewayRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) CreditsUsed(n int64) {
	if m == nil {
		return
	}
	m.CreditsUsedTotal.Add(float64(n))
}

func (m *Metrics) PaymentCompleted(kind string, autoRenewal bool) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(kind, strconv.FormatBool(autoRenewal)).Inc()
}

func (m *Metrics) ConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetriesTotal.Inc()
}

// SweepFinished records one sweep and its per-result account counts.
func (m *Metrics) SweepFinished(d time.Duration, renewed, skipped, failed int, at time.Time) {
	if m == nil {
		return
	}
	m.SweepsTotal.Inc()
	m.SweepDuration.Observe(d.Seconds())
	m.SweepAccountsTotal.WithLabelValues("renewed").Add(float64(renewed))
	m.SweepAccountsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.SweepAccountsTotal.WithLabelValues("failed").Add(float64(failed))
	m.LastSweepTimestamp.Set(float64(at.Unix()))
}
