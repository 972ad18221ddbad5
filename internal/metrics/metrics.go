// Package metrics exposes Prometheus collectors for the ingestwatch HTTP
// surfaces: the display API and the calls made to the ingestion backend.
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
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	backendRequestsTotal          *prometheus.CounterVec
	backendRequestDurationSeconds *prometheus.HistogramVec
	uploadsTotal                  *prometheus.CounterVec

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

		backendRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_backend_requests_total",
				Help: "Requests sent to the ingestion backend, labeled by host, endpoint and code.",
			},
			[]string{"host", "endpoint", "code"},
		)

		backendRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_backend_request_duration_seconds",
				Help:    "Latency of ingestion backend requests, labeled by endpoint.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
			},
			[]string{"endpoint"},
		)

		uploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_uploads_total",
				Help: "Upload attempts, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL for use as a label.
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

// ObserveBackendRequest records one backend exchange. A code of 0 marks a
// transport failure.
func ObserveBackendRequest(rawURL, endpoint string, code int, duration time.Duration) {
	if backendRequestsTotal == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	backendRequestsTotal.WithLabelValues(SanitizeHost(rawURL), endpoint, label).Inc()
	backendRequestDurationSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveUpload counts an upload attempt by result ("accepted" or "failed").
func ObserveUpload(result string) {
	if uploadsTotal == nil {
		return
	}
	uploadsTotal.WithLabelValues(result).Inc()
}
