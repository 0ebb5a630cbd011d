// Package observability carries the kernel's metrics and alert sinks.
package observability

import (
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	decisionsTotal    *prometheus.CounterVec
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheEvents       *prometheus.CounterVec
	rateLimitDrops    prometheus.Counter
	limiterFallbacks  prometheus.Counter
	customValues      *prometheus.GaugeVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewMetrics initialises the registry and the kernel's base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_access_decisions_total",
		Help: "Access decisions by effect and reason class.",
	}, []string{"effect", "reason"})
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_operations_total",
		Help: "Protected operations by terminal status.",
	}, []string{"status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bastion_operation_duration_seconds",
		Help:    "Protected operation duration by action.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})
	cacheEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_permission_cache_events_total",
		Help: "Permission cache hits, misses and degraded reads.",
	}, []string{"event"})
	rateDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_rate_limited_total",
		Help: "Requests denied before permission resolution by the window limiter.",
	})
	fallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_rate_limiter_fallbacks_total",
		Help: "Rate-limit probes served by the local window after a store error.",
	})
	custom := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bastion_operation_metric",
		Help: "Ad-hoc values recorded through the MetricsSink interface.",
	}, []string{"name"})
	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_http_requests_total",
		Help: "HTTP requests by method and status class.",
	}, []string{"method", "status"})
	httpDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bastion_http_request_duration_seconds",
		Help:    "HTTP request duration by method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	registry.MustRegister(decisions, operations, duration, cacheEvents, rateDrops, fallbacks, custom, httpRequests, httpDuration)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		decisionsTotal:    decisions,
		operationsTotal:   operations,
		operationDuration: duration,
		cacheEvents:       cacheEvents,
		rateLimitDrops:    rateDrops,
		limiterFallbacks:  fallbacks,
		customValues:      custom,
		httpRequests:      httpRequests,
		httpDuration:      httpDuration,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Decision counts one access decision.
func (m *Metrics) Decision(effect, reason string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(effect, reason).Inc()
	if reason == "rate limited" {
		m.rateLimitDrops.Inc()
	}
}

// Operation counts one terminal operation status and its duration.
func (m *Metrics) Operation(status, action string, took time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(status).Inc()
	m.operationDuration.WithLabelValues(action).Observe(took.Seconds())
}

// CacheEvent counts a permission-cache hit, miss or degraded read.
func (m *Metrics) CacheEvent(event string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(event).Inc()
}

// LimiterFallback counts one degraded rate-limit probe.
func (m *Metrics) LimiterFallback() {
	if m == nil {
		return
	}
	m.limiterFallbacks.Inc()
}

// Record implements the executor's MetricsSink for ad-hoc values. Tags are
// folded into the metric name; a private registry cannot take open-ended
// label sets.
func (m *Metrics) Record(name string, value float64, tags map[string]string) {
	if m == nil {
		return
	}
	for _, k := range sortedKeys(tags) {
		name += "," + k + "=" + tags[k]
	}
	m.customValues.WithLabelValues(name).Set(value)
}

// Middleware instruments inbound HTTP requests.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.httpRequests.WithLabelValues(r.Method, statusClass(sw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
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

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
