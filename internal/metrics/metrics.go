// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hospital_gateway"

var (
	// Registry holds the gateway's collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graphql",
			Name:      "operations_total",
			Help:      "GraphQL operations by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	complexityScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graphql",
			Name:      "complexity_score",
			Help:      "Computed complexity score of operations.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 1500, 2000},
		},
		[]string{"role"},
	)

	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"class"},
	)

	rateLimitStoreErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "store_errors_total",
			Help:      "Rate-limit store failures that were allowed through.",
		},
	)

	loaderBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "batch_size",
			Help:      "Keys per upstream batch.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"loader"},
	)

	loaderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "batch_failures_total",
			Help:      "Batches that resolved every key to empty after a failure.",
		},
		[]string{"loader"},
	)

	upstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "calls_total",
			Help:      "Upstream service calls by outcome.",
		},
		[]string{"service", "outcome"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "call_duration_seconds",
			Help:      "Duration of upstream service calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 11),
		},
		[]string{"service"},
	)

	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Currently active GraphQL subscriptions.",
		},
	)

	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "events_total",
			Help:      "Webhook events received by topic and result.",
		},
		[]string{"topic", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		operations,
		complexityScore,
		rateLimitRejections,
		rateLimitStoreErrors,
		loaderBatchSize,
		loaderFailures,
		upstreamCalls,
		upstreamDuration,
		activeSubscriptions,
		webhookEvents,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		httpRequests.WithLabelValues(strings.ToUpper(r.Method), path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(strings.ToUpper(r.Method), path).Observe(time.Since(start).Seconds())
	})
}

// RecordOperation counts a finished GraphQL operation.
func RecordOperation(opType, outcome string) {
	operations.WithLabelValues(opType, outcome).Inc()
}

// ObserveComplexity records a computed score.
func ObserveComplexity(role string, score int) {
	complexityScore.WithLabelValues(role).Observe(float64(score))
}

// RecordRateLimitRejection counts a rejected request.
func RecordRateLimitRejection(class string) {
	rateLimitRejections.WithLabelValues(class).Inc()
}

// RecordRateLimitStoreError counts a fail-open store error.
func RecordRateLimitStoreError() {
	rateLimitStoreErrors.Inc()
}

// ObserveBatch records the size of an upstream batch and whether it failed.
func ObserveBatch(loader string, size int, failed bool) {
	loaderBatchSize.WithLabelValues(loader).Observe(float64(size))
	if failed {
		loaderFailures.WithLabelValues(loader).Inc()
	}
}

// ObserveUpstream records an upstream call.
func ObserveUpstream(service, outcome string, d time.Duration) {
	upstreamCalls.WithLabelValues(service, outcome).Inc()
	upstreamDuration.WithLabelValues(service).Observe(d.Seconds())
}

// SubscriptionStarted and SubscriptionEnded track active subscriptions.
func SubscriptionStarted() { activeSubscriptions.Inc() }

func SubscriptionEnded() { activeSubscriptions.Dec() }

// RecordWebhook counts a webhook delivery.
func RecordWebhook(topic, result string) {
	webhookEvents.WithLabelValues(topic, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// canonicalPath keeps label cardinality bounded.
func canonicalPath(path string) string {
	switch {
	case path == "/graphql", path == "/health", path == "/ready":
		return path
	case strings.HasPrefix(path, "/webhooks/"):
		return path
	default:
		return "other"
	}
}
