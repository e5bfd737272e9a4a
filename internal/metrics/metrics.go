// Package metrics exposes Prometheus collectors for the capture service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	capturesTotal              *prometheus.CounterVec
	captureDurationSeconds     *prometheus.HistogramVec
	captureAttemptsTotal       *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	sessionDurationSeconds     *prometheus.HistogramVec
	activeSessions             prometheus.Gauge
	admissionDeniedTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesnap_captures_total",
				Help: "Total number of capture requests, labeled by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		captureDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagesnap_capture_duration_seconds",
				Help:    "Histogram of end-to-end capture latencies, labeled by mode.",
				Buckets: []float64{0.01, 0.5, 1, 2, 5, 10, 20, 40},
			},
			[]string{"mode"},
		)

		captureAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesnap_capture_attempts_total",
				Help: "Total number of backend attempts, labeled by classification.",
			},
			[]string{"class"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesnap_cache_lookups_total",
				Help: "Total number of cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		sessionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagesnap_session_duration_seconds",
				Help:    "Histogram of backend session lifetimes, labeled by mode.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
			},
			[]string{"mode"},
		)

		activeSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagesnap_active_sessions",
				Help: "Number of backend sessions currently checked out.",
			},
		)

		admissionDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesnap_admission_denied_total",
				Help: "Total number of captures refused by the admission limiter, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCapture records one finished capture request.
func ObserveCapture(mode, outcome string, duration time.Duration) {
	Init()
	capturesTotal.WithLabelValues(mode, outcome).Inc()
	captureDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveAttempt records one backend attempt and how it was classified.
func ObserveAttempt(class string) {
	Init()
	captureAttemptsTotal.WithLabelValues(class).Inc()
}

// ObserveCacheLookup records a cache gate lookup result (hit, miss, stale, error).
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveSession records how long a backend session was held.
func ObserveSession(mode string, duration time.Duration) {
	Init()
	sessionDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// IncActiveSessions increments the active sessions gauge.
func IncActiveSessions() {
	Init()
	activeSessions.Inc()
}

// DecActiveSessions decrements the active sessions gauge.
func DecActiveSessions() {
	Init()
	activeSessions.Dec()
}

// ObserveAdmissionDenied counts a capture refused by the admission limiter.
func ObserveAdmissionDenied(site string) {
	Init()
	admissionDeniedTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
