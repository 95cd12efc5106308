// Package metrics provides the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common labels used across metrics.
const (
	LabelService  = "service"
	LabelMethod   = "method"
	LabelPath     = "path"
	LabelStatus   = "status"
	LabelUpstream = "upstream"
	LabelRoute    = "route"
	LabelDecision = "decision"
	LabelReason   = "reason"
	LabelResult   = "result"
)

// Metrics holds every collector the gateway exports, on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	gatewayRequestsTotal   *prometheus.CounterVec
	gatewayRequestDuration *prometheus.HistogramVec
	authzDecisions         *prometheus.CounterVec

	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamHealthy         *prometheus.GaugeVec
	healthPolls             *prometheus.CounterVec

	rateLimitRejections *prometheus.CounterVec
	loginAttempts       *prometheus.CounterVec
	configReloads       *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Namespace string
	Subsystem string
}

// New creates a Metrics instance with its own registry.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "casgate"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}
	factory := promauto.With(registry)

	m.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of requests to the gateway's own endpoints.",
		},
		[]string{LabelMethod, LabelPath, LabelStatus},
	)

	m.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of the gateway's own endpoints in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelPath},
	)

	m.httpRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed.",
		},
	)

	m.gatewayRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "gateway_requests_total",
			Help:      "Total number of proxied API requests by outcome.",
		},
		[]string{LabelService, LabelMethod, LabelStatus, LabelDecision},
	)

	m.gatewayRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "gateway_request_duration_seconds",
			Help:      "End-to-end latency of proxied API requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService},
	)

	m.authzDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "authz_decisions_total",
			Help:      "Authorization decisions by result and denial reason.",
		},
		[]string{LabelDecision, LabelReason},
	)

	m.upstreamRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream attempts, including retries.",
		},
		[]string{LabelUpstream, LabelMethod, LabelStatus},
	)

	m.upstreamRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream attempt latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelUpstream, LabelMethod},
	)

	m.upstreamHealthy = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_healthy",
			Help:      "Whether the upstream is healthy (1) or not (0).",
		},
		[]string{LabelUpstream},
	)

	m.healthPolls = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "health_polls_total",
			Help:      "Total number of backend health polls by result.",
		},
		[]string{LabelUpstream, LabelStatus},
	)

	m.rateLimitRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		},
		[]string{LabelRoute},
	)

	m.loginAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "login_attempts_total",
			Help:      "Login attempts by result.",
		},
		[]string{LabelResult},
	)

	m.configReloads = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "config_reloads_total",
			Help:      "Registry and policy reloads by result.",
		},
		[]string{LabelResult},
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records a request to one of the gateway's own endpoints.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordGatewayRequest records the outcome of a proxied API request.
func (m *Metrics) RecordGatewayRequest(service, method string, status int, decision string, duration time.Duration) {
	m.gatewayRequestsTotal.WithLabelValues(service, method, strconv.Itoa(status), decision).Inc()
	m.gatewayRequestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordAuthzDecision records an authorization decision. reason is empty
// for allowed requests.
func (m *Metrics) RecordAuthzDecision(allowed bool, reason string) {
	decision := "allow"
	if !allowed {
		decision = "deny"
	}
	m.authzDecisions.WithLabelValues(decision, reason).Inc()
}

// RecordUpstreamRequest records one upstream attempt. status is 0 when no
// response was received.
func (m *Metrics) RecordUpstreamRequest(upstream, method string, status int, duration time.Duration) {
	m.upstreamRequestsTotal.WithLabelValues(upstream, method, strconv.Itoa(status)).Inc()
	m.upstreamRequestDuration.WithLabelValues(upstream, method).Observe(duration.Seconds())
}

// SetUpstreamHealthy sets the health status of an upstream.
func (m *Metrics) SetUpstreamHealthy(upstream string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	m.upstreamHealthy.WithLabelValues(upstream).Set(val)
}

// RecordHealthPoll records the result of one health poll.
func (m *Metrics) RecordHealthPoll(upstream, status string) {
	m.healthPolls.WithLabelValues(upstream, status).Inc()
}

// RecordRateLimitRejection records a request dropped by the rate limiter.
func (m *Metrics) RecordRateLimitRejection(route string) {
	m.rateLimitRejections.WithLabelValues(route).Inc()
}

// RecordLogin records a login attempt.
func (m *Metrics) RecordLogin(result string) {
	m.loginAttempts.WithLabelValues(result).Inc()
}

// RecordConfigReload records a registry/policy reload or admin update.
func (m *Metrics) RecordConfigReload(result string) {
	m.configReloads.WithLabelValues(result).Inc()
}

// HTTPMiddleware records request metrics labelled with the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		m.RecordHTTPRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
