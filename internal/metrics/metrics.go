package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecall_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatecall_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecall_events_received_total",
			Help: "Notification events received by type and source",
		},
		[]string{"type", "source"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecall_notifications_processed_total",
			Help: "Channel delivery attempts by outcome and channel",
		},
		[]string{"status", "channel"},
	)

	notificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecall_notifications_suppressed_total",
			Help: "Recipients suppressed or excluded by preference policy",
		},
		[]string{"reason"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatecall_delivery_latency_seconds",
			Help:    "Time spent in one channel transport call",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	dispatchBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatecall_dispatch_batch_recipients",
			Help:    "Recipients per dispatched event",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	retriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecall_retries_processed_total",
			Help: "Retry sweeper outcomes",
		},
		[]string{"outcome"},
	)

	boardingTiersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecall_boarding_tiers_fired_total",
			Help: "Boarding-call tiers fired by tier kind",
		},
		[]string{"tier"},
	)

	boardingRaceLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatecall_boarding_marker_race_lost_total",
			Help: "Tier windows skipped because the marker was already held",
		},
	)

	markersCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatecall_boarding_markers_cleaned_total",
			Help: "Boarding markers removed by housekeeping",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatecall_sqs_messages_in_flight",
			Help: "Flight event messages currently being processed",
		},
	)

	throttleRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecall_throttle_rejections_total",
			Help: "Sends rejected by the provider throttle",
		},
		[]string{"channel"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatecall_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
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

// RecordEventReceived counts an incoming notification event
func RecordEventReceived(typ, source string) {
	eventsReceived.WithLabelValues(typ, source).Inc()
}

// RecordNotificationProcessed records one channel attempt outcome
func RecordNotificationProcessed(status, channel string) {
	notificationsProcessed.WithLabelValues(status, channel).Inc()
}

// RecordSuppressed records a policy suppression or exclusion
func RecordSuppressed(reason string) {
	notificationsSuppressed.WithLabelValues(reason).Inc()
}

// RecordDeliveryLatency records the duration of one transport call
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordDispatchBatch records the number of recipients of one event
func RecordDispatchBatch(recipients int) {
	dispatchBatchSize.Observe(float64(recipients))
}

// RecordRetry records a retry sweeper outcome: sent, failed, exhausted or error
func RecordRetry(outcome string) {
	retriesProcessed.WithLabelValues(outcome).Inc()
}

// RecordBoardingTier records a fired boarding tier (advance, final, last, checkin)
func RecordBoardingTier(tier string) {
	boardingTiersFired.WithLabelValues(tier).Inc()
}

// RecordBoardingRaceLost records a tier skipped because its marker was held
func RecordBoardingRaceLost() {
	boardingRaceLost.Inc()
}

// RecordMarkersCleaned adds to the cleaned marker count
func RecordMarkersCleaned(n int) {
	markersCleaned.Add(float64(n))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordThrottleRejection records a throttled send
func RecordThrottleRejection(channel string) {
	throttleRejections.WithLabelValues(channel).Inc()
}

// SetBreakerState publishes a circuit breaker state
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
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

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by chi route pattern so path parameters don't explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
