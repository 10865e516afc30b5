// Package metrics exposes the service's Prometheus collectors. Every method is
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reward_service"

type Metrics struct {
	registry *prometheus.Registry

	fulfillmentsTotal    *prometheus.CounterVec
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	compensationsTotal   *prometheus.CounterVec
	ledgerEntriesTotal   *prometheus.CounterVec
	quizSubmissions      *prometheus.CounterVec
	reconcileRunsTotal   *prometheus.CounterVec
	reconcileLastRunUnix prometheus.Gauge
	httpRequestsTotal    *prometheus.CounterVec
	httpLatency          *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		fulfillmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fulfillment",
				Name:      "requests_total",
				Help:      "Fulfillment requests by reward action and final result.",
			},
			[]string{"action", "result"},
		),
		providerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Provider calls by provider, operation and canonical outcome.",
			},
			[]string{"provider", "operation", "outcome"},
		),
		providerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "call_duration_seconds",
				Help:      "Provider call latency.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"provider", "operation"},
		),
		compensationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fulfillment",
				Name:      "compensations_total",
				Help:      "Refund attempts by result (refunded, already_refunded, failed).",
			},
			[]string{"result"},
		),
		ledgerEntriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "entries_total",
				Help:      "Ledger entries written by direction and reason.",
			},
			[]string{"direction", "reason"},
		),
		quizSubmissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quiz",
				Name:      "submissions_total",
				Help:      "Quiz and challenge submissions by type and result.",
			},
			[]string{"type", "result"},
		),
		reconcileRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "runs_total",
				Help:      "Reconciliation job runs by job and result.",
			},
			[]string{"job", "result"},
		),
		reconcileLastRunUnix: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent reconciliation run.",
			},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route pattern and status code.",
			},
			[]string{"method", "route", "code"},
		),
		httpLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by method and route pattern.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveFulfillment(action, result string) {
	if m == nil {
		return
	}
	m.fulfillmentsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) ObserveProviderCall(provider, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerCallsTotal.WithLabelValues(provider, operation, outcome).Inc()
	m.providerCallDuration.WithLabelValues(provider, operation).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveCompensation(result string) {
	if m == nil {
		return
	}
	m.compensationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveLedgerEntry(direction, reason string) {
	if m == nil {
		return
	}
	m.ledgerEntriesTotal.WithLabelValues(direction, reason).Inc()
}

func (m *Metrics) ObserveQuizSubmission(kind, result string) {
	if m == nil {
		return
	}
	m.quizSubmissions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveReconcileRun(job, result string, at time.Time) {
	if m == nil {
		return
	}
	m.reconcileRunsTotal.WithLabelValues(job, result).Inc()
	m.reconcileLastRunUnix.Set(float64(at.Unix()))
}

func (m *Metrics) ObserveHTTPRequest(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
