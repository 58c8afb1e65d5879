// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo carries the build version labels, set once at startup.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quarry_build_info",
		Help: "Build information",
	}, []string{"version", "commit", "date"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_http_requests_total",
		Help: "HTTP requests by method, path and status",
	}, []string{"method", "path", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	anthropicRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_anthropic_requests_total",
		Help: "Anthropic API requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	anthropicDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_anthropic_request_duration_seconds",
		Help:    "Anthropic API request latency",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"endpoint"})

	anthropicTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_anthropic_tokens_total",
		Help: "Anthropic token usage by direction",
	}, []string{"direction"})

	postgresQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_postgres_queries_total",
		Help: "Target database statements by outcome",
	}, []string{"outcome"})

	postgresDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarry_postgres_query_duration_seconds",
		Help:    "Target database statement latency",
		Buckets: prometheus.DefBuckets,
	})

	embeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_embedding_requests_total",
		Help: "Embedding provider requests by outcome",
	}, []string{"outcome"})

	turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_turns_total",
		Help: "Processed turns by workflow type and outcome",
	}, []string{"workflow", "outcome"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_query_cache_lookups_total",
		Help: "Query cache lookups by result",
	}, []string{"result"})
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordAnthropicRequest records one Anthropic API call.
func RecordAnthropicRequest(endpoint string, duration time.Duration, err error) {
	anthropicRequests.WithLabelValues(endpoint, outcome(err)).Inc()
	anthropicDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordAnthropicTokens records token usage for one Anthropic API call.
func RecordAnthropicTokens(input, output int64) {
	anthropicTokens.WithLabelValues("input").Add(float64(input))
	anthropicTokens.WithLabelValues("output").Add(float64(output))
}

// RecordPostgresQuery records one statement against the target database.
func RecordPostgresQuery(duration time.Duration, err error) {
	postgresQueries.WithLabelValues(outcome(err)).Inc()
	postgresDuration.Observe(duration.Seconds())
}

// RecordEmbeddingRequest records one embedding provider call.
func RecordEmbeddingRequest(err error) {
	embeddingRequests.WithLabelValues(outcome(err)).Inc()
}

// RecordTurn records one processed turn.
func RecordTurn(workflow string, success bool) {
	o := "ok"
	if !success {
		o = "error"
	}
	turns.WithLabelValues(workflow, o).Inc()
}

// RecordCacheLookup records a query cache hit or miss.
func RecordCacheLookup(hit bool) {
	r := "miss"
	if hit {
		r = "hit"
	}
	cacheLookups.WithLabelValues(r).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency per route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
