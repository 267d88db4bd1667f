// Package metrics exposes Prometheus collectors for the migrator.
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
	accurateRequestsTotal          *prometheus.CounterVec
	accurateRequestDurationSeconds *prometheus.HistogramVec
	migrationPagesTotal            *prometheus.CounterVec
	migrationRecordsTotal          *prometheus.CounterVec
	mappingLookupsTotal            *prometheus.CounterVec
	mappingWritesTotal             *prometheus.CounterVec
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec
	rateLimitDelaySeconds          *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		accurateRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accurate_requests_total",
				Help: "Total number of Accurate API calls, labeled by method and outcome.",
			},
			[]string{"method", "outcome"},
		)

		accurateRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accurate_request_duration_seconds",
				Help:    "Histogram of Accurate API call latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 60, 300},
			},
			[]string{"method"},
		)

		migrationPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migration_pages_total",
				Help: "Total number of list pages fetched, labeled by module.",
			},
			[]string{"module"},
		)

		migrationRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migration_records_total",
				Help: "Total number of records submitted, labeled by module, strategy and outcome.",
			},
			[]string{"module", "strategy", "outcome"},
		)

		mappingLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mapping_lookups_total",
				Help: "Total number of number-mapping lookups, labeled by module and result.",
			},
			[]string{"module", "result"},
		)

		mappingWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mapping_writes_total",
				Help: "Total number of number mappings written, labeled by module.",
			},
			[]string{"module"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accurate_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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
	Init()
	return promhttp.Handler()
}

// ObserveAccurateRequest records one call to the Accurate API.
func ObserveAccurateRequest(method, outcome string, duration time.Duration) {
	Init()
	accurateRequestsTotal.WithLabelValues(method, outcome).Inc()
	accurateRequestDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
}

// ObservePage counts one fetched list page.
func ObservePage(module string) {
	Init()
	migrationPagesTotal.WithLabelValues(module).Inc()
}

// ObserveRecords adds n records with the given save outcome.
func ObserveRecords(module, strategy, outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	migrationRecordsTotal.WithLabelValues(module, strategy, outcome).Add(float64(n))
}

// ObserveMappingLookup counts a mapping lookup; result is hit, miss or error.
func ObserveMappingLookup(module, result string) {
	Init()
	mappingLookupsTotal.WithLabelValues(module, result).Inc()
}

// ObserveMappingWrite counts a stored mapping.
func ObserveMappingWrite(module string) {
	Init()
	mappingWritesTotal.WithLabelValues(module).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}
