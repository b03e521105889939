/**
 * @description
 * Prometheus collectors for the reward service. Collectors live on a private
 * registry so tests can construct independent instances.
 */
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Claim outcomes recorded on reward_claims_total.
const (
	OutcomeAllocated  = "allocated"
	OutcomeReplay     = "replay"
	OutcomeDegraded   = "degraded"
	OutcomeExhausted  = "exhausted"
	OutcomeInvalid    = "invalid"
	OutcomeUnresolved = "unresolved"
	OutcomeError      = "error"
)

type Metrics struct {
	registry       *prometheus.Registry
	claims         *prometheus.CounterVec
	claimDuration  prometheus.Histogram
	codesRemaining *prometheus.GaugeVec
	lowInventory   *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDurations  *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reward",
			Name:      "claims_total",
			Help:      "Reward claim attempts by outcome.",
		}, []string{"outcome"}),
		claimDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reward",
			Name:      "claim_duration_seconds",
			Help:      "Time spent resolving a reward claim.",
			Buckets:   prometheus.DefBuckets,
		}),
		codesRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reward",
			Name:      "codes_remaining",
			Help:      "Unused discount codes per prize tier.",
		}, []string{"tier"}),
		lowInventory: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reward",
			Name:      "inventory_low_alerts_total",
			Help:      "Low inventory alerts raised per prize tier.",
		}, []string{"tier"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reward",
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by the reward service.",
		}, []string{"route", "method", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reward",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	registry.MustRegister(
		m.claims,
		m.claimDuration,
		m.codesRemaining,
		m.lowInventory,
		m.httpRequests,
		m.httpDurations,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ObserveClaim(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
	m.claimDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SetCodesRemaining(tier string, remaining int64) {
	if m == nil {
		return
	}
	m.codesRemaining.WithLabelValues(tier).Set(float64(remaining))
}

func (m *Metrics) IncLowInventory(tier string) {
	if m == nil {
		return
	}
	m.lowInventory.WithLabelValues(tier).Inc()
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by the matched chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
		m.httpDurations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
