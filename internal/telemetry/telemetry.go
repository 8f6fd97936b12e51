// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics for the ingest service.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest outcomes.
const (
	OutcomeCreated  = "created"
	OutcomeSkipped  = "skipped"
	OutcomeRejected = "rejected"
)

// Reprocess outcomes.
const (
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

// Scrape job outcomes that are not provider states. Jobs that reach a provider
// state are labelled with that state.
const (
	ScrapeStartError  = "start_error"
	ScrapeStatusError = "status_error"
	ScrapeCanceled    = "canceled"
)

var (
	ingestItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_items_total",
			Help: "Total number of scraped items handled by the ingest pipeline, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	scrapeJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_jobs_total",
			Help: "Total number of scrape jobs, labeled by final status.",
		},
		[]string{"status"},
	)

	scrapeJobDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scrape_job_duration_seconds",
			Help:    "Histogram of scrape job wall time from start to results.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	reprocessPostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reprocess_posts_total",
			Help: "Total number of posts visited by reprocessing, labeled by outcome.",
		},
		[]string{"outcome"},
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

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_rate_limit_delay_seconds",
			Help:    "Histogram of time spent waiting on the provider rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
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

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveIngest adds n items to the given ingest outcome.
func ObserveIngest(outcome string, n int) {
	if n <= 0 {
		return
	}
	ingestItemsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveScrapeJob records a finished scrape job.
func ObserveScrapeJob(status string, duration time.Duration) {
	scrapeJobsTotal.WithLabelValues(status).Inc()
	scrapeJobDurationSeconds.Observe(duration.Seconds())
}

// ObserveReprocess records the outcome for one reprocessed post.
func ObserveReprocess(outcome string) {
	reprocessPostsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}
