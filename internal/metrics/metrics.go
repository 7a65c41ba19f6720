// Package metrics exposes Prometheus collectors for the monitor service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	upstreamRequestsTotal      *prometheus.CounterVec
	upstreamBytesTotal         *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	storeOperationsTotal       *prometheus.CounterVec
	activeRegionWorkers        prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pncp_upstream_requests_total",
				Help: "Upstream API requests, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		upstreamBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pncp_upstream_bytes_total",
				Help: "Response bytes read from the upstream API, labeled by host.",
			},
			[]string{"host"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pncp_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		storeOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pncp_store_operations_total",
				Help: "Record store operations, labeled by operation and result.",
			},
			[]string{"op", "result"},
		)

		activeRegionWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pncp_active_region_workers",
				Help: "Number of workers currently crawling a region.",
			},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveUpstream records one upstream request. outcome is a status class
// such as "2xx" or "error".
func ObserveUpstream(rawURL, outcome string, bytesRead int) {
	if upstreamRequestsTotal == nil {
		return
	}
	host := SanitizeHost(rawURL)
	upstreamRequestsTotal.WithLabelValues(host, outcome).Inc()
	if bytesRead > 0 {
		upstreamBytesTotal.WithLabelValues(host).Add(float64(bytesRead))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveStoreOp counts a store operation.
func ObserveStoreOp(op string, err error) {
	if storeOperationsTotal == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	storeOperationsTotal.WithLabelValues(op, result).Inc()
}

// IncActiveWorkers increments the active region workers gauge.
func IncActiveWorkers() {
	if activeRegionWorkers != nil {
		activeRegionWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active region workers gauge.
func DecActiveWorkers() {
	if activeRegionWorkers != nil {
		activeRegionWorkers.Dec()
	}
}
