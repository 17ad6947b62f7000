// Package metrics exposes Prometheus collectors for the monitoring engine.
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
	fetchesTotal               *prometheus.CounterVec
	fetchCacheHitsTotal        *prometheus.CounterVec
	originWaitSeconds          *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	robotsFallbackTotal        *prometheus.CounterVec
	checksTotal                *prometheus.CounterVec
	statusChangesTotal         *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	cycleDurationSeconds       prometheus.Histogram
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// more than once; the Observe helpers call it themselves.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "practicewatch_fetches_total",
				Help: "Network fetches through the polite fetch layer, labeled by origin and outcome.",
			},
			[]string{"origin", "outcome"},
		)

		fetchCacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "practicewatch_fetch_cache_hits_total",
				Help: "Fetches served from the response cache, labeled by origin.",
			},
			[]string{"origin"},
		)

		originWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "practicewatch_origin_wait_seconds",
				Help:    "Time spent waiting at a per-origin gate before sending.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"origin"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "practicewatch_rate_limit_delay_seconds",
				Help:    "Time spent blocked on the per-origin requests-per-second ceiling.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"origin"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "practicewatch_robots_fallback_total",
				Help: "robots.txt probes that failed transiently and fell back to allow-all.",
			},
			[]string{"site"},
		)

		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "practicewatch_checks_total",
				Help: "Target checks, labeled by resulting status, source page, and ok.",
			},
			[]string{"status", "source", "ok"},
		)

		statusChangesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "practicewatch_status_changes_total",
				Help: "Successful checks whose status differs from the previous one, labeled by from and to.",
			},
			[]string{"from", "to"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "practicewatch_notifications_total",
				Help: "Notification decisions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "practicewatch_cycle_duration_seconds",
				Help:    "Wall time of a scan cycle.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "practicewatch_active_workers",
				Help: "Number of workers currently checking a target.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "practicewatch_http_requests_total",
				Help: "Ops API requests, labeled by method, route pattern and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "practicewatch_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL or origin.
// It returns "unknown" if the input cannot be parsed.
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

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch counts a network fetch for origin with outcome "ok" or "error".
func ObserveFetch(origin, outcome string) {
	Init()
	fetchesTotal.WithLabelValues(SanitizeSite(origin), outcome).Inc()
}

// ObserveCacheHit counts a fetch answered from the cache.
func ObserveCacheHit(origin string) {
	Init()
	fetchCacheHitsTotal.WithLabelValues(SanitizeSite(origin)).Inc()
}

// ObserveOriginWait records time spent queued at an origin gate.
func ObserveOriginWait(origin string, d time.Duration) {
	Init()
	originWaitSeconds.WithLabelValues(SanitizeSite(origin)).Observe(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limiter wait.
func ObserveRateLimitDelay(origin string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(origin)).Observe(d.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback(site string) {
	Init()
	robotsFallbackTotal.WithLabelValues(site).Inc()
}

// ObserveCheck counts a persisted target check.
func ObserveCheck(status, source string, ok bool) {
	Init()
	checksTotal.WithLabelValues(status, source, strconv.FormatBool(ok)).Inc()
}

// ObserveStatusChange counts a target moving between statuses.
func ObserveStatusChange(from, to string) {
	Init()
	statusChangesTotal.WithLabelValues(from, to).Inc()
}

// ObserveNotification counts a notification decision ("sent", "cooldown", "error").
func ObserveNotification(outcome string) {
	Init()
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCycle records the duration of a completed cycle.
func ObserveCycle(d time.Duration) {
	Init()
	cycleDurationSeconds.Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest records an ops API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
