package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "auth_front"

// Exchange outcomes used as the result label
const (
	ExchangeSuccess             = "success"
	ExchangeBadRequest          = "bad_request"
	ExchangeReplay              = "replay"
	ExchangeInvalidCode         = "invalid_code"
	ExchangeProviderUnavailable = "provider_unavailable"
	ExchangeInternal            = "internal"
)

// Metrics holds the Prometheus collectors of the auth endpoints
type Metrics struct {
	registry *prometheus.Registry

	exchanges       *prometheus.CounterVec
	exchangeLatency prometheus.Histogram
	statusChecks    *prometheus.CounterVec
	logouts         prometheus.Counter
	invalidSessions *prometheus.CounterVec
	signOutFailures *prometheus.CounterVec
	ledgerErrors    prometheus.Counter
	rateLimited     prometheus.Counter
	requests        *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry, along with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		exchanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "code_exchanges_total",
			Help:      "Authorization code exchanges by result",
		}, []string{"result"}),
		exchangeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "code_exchange_duration_seconds",
			Help:      "Time spent exchanging a code with the identity provider",
			Buckets:   prometheus.DefBuckets,
		}),
		statusChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "status_checks_total",
			Help:      "Status queries by outcome",
		}, []string{"authenticated"}),
		logouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logouts_total",
			Help:      "Logout requests",
		}),
		invalidSessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invalid_sessions_total",
			Help:      "Session cookies rejected and cleared, by reason",
		}, []string{"reason"}),
		signOutFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "global_sign_out_failures_total",
			Help:      "Global sign-out calls that failed",
		}, []string{"strategy"}),
		ledgerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "code_ledger_errors_total",
			Help:      "Code ledger failures that fell back to the identity provider",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Code exchange requests rejected by the rate limiter",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status",
		}, []string{"method", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
