package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_messages_enqueued_total",
			Help: "Total messages fanned out into the queue by channel and priority",
		},
		[]string{"channel", "priority"},
	)

	claimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_claims_total",
			Help: "Total successful queue claims by channel",
		},
		[]string{"channel"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Total delivery outcomes by channel and result",
		},
		[]string{"channel", "outcome"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_latency_seconds",
			Help:    "Time from enqueue to delivered",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_retries_total",
			Help: "Total messages requeued for retry by channel",
		},
		[]string{"channel"},
	)

	providerFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_provider_failovers_total",
			Help: "Total mid-dispatch switches to a fallback provider",
		},
		[]string{"channel"},
	)

	staleReclaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_stale_reclaims_total",
			Help: "Messages reclaimed after their processing lease expired",
		},
	)

	requestsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_requests_finalized_total",
			Help: "Notification requests reaching a terminal status",
		},
		[]string{"status"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Submissions served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Submissions rejected by the per-application rate limiter",
		},
		[]string{"application_id"},
	)

	breakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_breaker_rejections_total",
			Help: "Sends rejected fast by an open provider circuit breaker",
		},
		[]string{"provider_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEnqueued records a fanned-out message entering the queue.
func RecordEnqueued(channel string, priority int) {
	messagesEnqueued.WithLabelValues(channel, strconv.Itoa(priority)).Inc()
}

// RecordClaim records a successful queue claim.
func RecordClaim(channel string) {
	claimsTotal.WithLabelValues(channel).Inc()
}

// RecordDelivery records a delivery outcome.
func RecordDelivery(channel, outcome string) {
	deliveriesTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordDeliveryLatency records end-to-end enqueue-to-delivered time.
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordRetry records a message requeued for retry.
func RecordRetry(channel string) {
	retriesTotal.WithLabelValues(channel).Inc()
}

// RecordProviderFailover records a switch to a fallback provider.
func RecordProviderFailover(channel string) {
	providerFailovers.WithLabelValues(channel).Inc()
}

// RecordStaleReclaims records messages returned by the stale-claim sweep.
func RecordStaleReclaims(count int) {
	staleReclaims.Add(float64(count))
}

// RecordRequestFinalized records a request reaching a terminal status.
func RecordRequestFinalized(status string) {
	requestsFinalized.WithLabelValues(status).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(applicationID string) {
	rateLimitRejections.WithLabelValues(applicationID).Inc()
}

// RecordBreakerRejection records a fast-fail from an open circuit breaker.
func RecordBreakerRejection(providerID string) {
	breakerRejections.WithLabelValues(providerID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
