package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection. Every collector owns
// its registry, so several may coexist in one process (tests, embedded engines).
// A nil *MetricsCollector is valid and records nothing.
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	escrowTransitions   *prometheus.CounterVec
	escrowPayouts       *prometheus.CounterVec
	escrowPayoutAmount  *prometheus.CounterVec
	accessDecisions     *prometheus.CounterVec
	emergencyAccess     *prometheus.CounterVec
	commandRejections   *prometheus.CounterVec
	ledgerTxDuration    *prometheus.HistogramVec
	rateLimited         *prometheus.CounterVec
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(serviceName string) *MetricsCollector {
	m := &MetricsCollector{
		serviceName: serviceName,
		registry:    prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),
		escrowTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transitions_total",
				Help: "Committed consultation state transitions",
			},
			[]string{"from", "to", "service"},
		),
		escrowPayouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_payouts_total",
				Help: "Fund movements out of escrow",
			},
			[]string{"reason", "service"},
		),
		escrowPayoutAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_payout_amount_total",
				Help: "Smallest currency units moved out of escrow",
			},
			[]string{"reason", "service"},
		),
		accessDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "record_access_decisions_total",
				Help: "Medical record access decisions",
			},
			[]string{"permitted", "reason", "service"},
		),
		emergencyAccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "record_emergency_access_total",
				Help: "Emergency access overrides",
			},
			[]string{"service"},
		),
		commandRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "command_rejections_total",
				Help: "Commands rejected with a typed error",
			},
			[]string{"component", "command", "kind", "service"},
		),
		ledgerTxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_transaction_duration_seconds",
				Help:    "Duration of ledger transactions in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"kind", "service"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_rate_limited_total",
				Help: "Requests refused by the per-caller rate limit",
			},
			[]string{"service"},
		),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.escrowTransitions,
		m.escrowPayouts,
		m.escrowPayoutAmount,
		m.accessDecisions,
		m.emergencyAccess,
		m.commandRejections,
		m.ledgerTxDuration,
		m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordEscrowTransition records a committed consultation transition
func (m *MetricsCollector) RecordEscrowTransition(from, to string) {
	if m == nil {
		return
	}
	m.escrowTransitions.WithLabelValues(from, to, m.serviceName).Inc()
}

// RecordPayout records a fund movement out of escrow
func (m *MetricsCollector) RecordPayout(reason string, amount uint64) {
	if m == nil {
		return
	}
	m.escrowPayouts.WithLabelValues(reason, m.serviceName).Inc()
	m.escrowPayoutAmount.WithLabelValues(reason, m.serviceName).Add(float64(amount))
}

// RecordAccessDecision records a record access check outcome
func (m *MetricsCollector) RecordAccessDecision(permitted bool, reason string) {
	if m == nil {
		return
	}
	m.accessDecisions.WithLabelValues(strconv.FormatBool(permitted), reason, m.serviceName).Inc()
}

// RecordEmergencyAccess records an emergency override
func (m *MetricsCollector) RecordEmergencyAccess() {
	if m == nil {
		return
	}
	m.emergencyAccess.WithLabelValues(m.serviceName).Inc()
}

// RecordRejection records a command refused with a typed error kind
func (m *MetricsCollector) RecordRejection(component, command, kind string) {
	if m == nil {
		return
	}
	m.commandRejections.WithLabelValues(component, command, kind, m.serviceName).Inc()
}

// RecordLedgerTx records ledger transaction latency
func (m *MetricsCollector) RecordLedgerTx(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ledgerTxDuration.WithLabelValues(kind, m.serviceName).Observe(duration.Seconds())
}

// RecordRateLimited records a request refused by the rate limiter
func (m *MetricsCollector) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(m.serviceName).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// HTTPMiddleware creates middleware for HTTP request metrics. endpoint
// resolves the route template so that ids do not explode label cardinality.
func (m *MetricsCollector) HTTPMiddleware(endpoint func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			m.RecordHTTPRequest(r.Method, endpoint(r), strconv.Itoa(wrapper.statusCode), time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
