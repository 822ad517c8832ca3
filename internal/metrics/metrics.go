// Package metrics exposes Prometheus collectors for the pipeweave service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fragmentFetchTotal    *prometheus.CounterVec
	fragmentFallbackTotal *prometheus.CounterVec
	fragmentTimeoutTotal  *prometheus.CounterVec
	primaryStatusTotal    *prometheus.CounterVec
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors. It is safe to call
// this function multiple times.
func Init() {
	once.Do(func() {
		fragmentFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeweave_fragment_fetch_total",
				Help: "Total fragment fetch attempts, labeled by outcome (success, http_error, network_error).",
			},
			[]string{"outcome"},
		)

		fragmentFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeweave_fragment_fallback_total",
				Help: "Total fragment fetches that used their fallback-src, labeled by whether the fallback itself succeeded.",
			},
			[]string{"outcome"},
		)

		fragmentTimeoutTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeweave_fragment_timeout_total",
				Help: "Total fragment fetches that exceeded their timeout, labeled by whether they were the primary fragment.",
			},
			[]string{"primary"},
		)

		primaryStatusTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeweave_primary_status_total",
				Help: "Total outer responses, labeled by the primary fragment's status class (2xx, 3xx, 4xx, 5xx, none).",
			},
			[]string{"class"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFragmentFetch records the outcome of one fragment fetch attempt.
// outcome is one of "success", "http_error", "network_error".
func ObserveFragmentFetch(outcome string) {
	fragmentFetchTotal.WithLabelValues(outcome).Inc()
}

// ObserveFragmentFallback records whether a fragment's fallback-src attempt
// succeeded after its primary src failed.
func ObserveFragmentFallback(succeeded bool) {
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	fragmentFallbackTotal.WithLabelValues(outcome).Inc()
}

// ObserveFragmentTimeout records a fragment fetch that exceeded its
// configured timeout.
func ObserveFragmentTimeout(primary bool) {
	fragmentTimeoutTotal.WithLabelValues(strconv.FormatBool(primary)).Inc()
}

// ObservePrimaryStatus records the outer response's status class, or
// "none" when the document had no primary fragment.
func ObservePrimaryStatus(statusCode int) {
	primaryStatusTotal.WithLabelValues(statusClass(statusCode)).Inc()
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "none"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
