package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Call Lifecycle Metrics
	callsInitiatedTotal *prometheus.CounterVec
	callsEndedTotal     *prometheus.CounterVec
	callsActive         prometheus.Gauge
	callDurationSeconds prometheus.Histogram

	// Optimistic Concurrency Metrics
	versionConflictsTotal *prometheus.CounterVec
	contentionTotal       *prometheus.CounterVec
	saveAttempts          *prometheus.HistogramVec

	// Fan-out Metrics
	fanoutEventsTotal    *prometheus.CounterVec
	fanoutDeliveredTotal prometheus.Counter
	fanoutMissedTotal    prometheus.Counter

	// Push Notification Metrics
	pushNotificationsTotal *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	constLabels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: registry,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: constLabels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: constLabels,
			},
		),

		callsInitiatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_initiated_total",
				Help:        "Total number of call sessions created",
				ConstLabels: constLabels,
			},
			[]string{"call_type"},
		),
		callsEndedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_ended_total",
				Help:        "Total number of call sessions terminated",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of non-terminal call sessions owned by this instance",
				ConstLabels: constLabels,
			},
		),
		callDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Duration of ended calls in seconds",
				ConstLabels: constLabels,
				Buckets:     []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
			},
		),

		versionConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "session_version_conflicts_total",
				Help:        "Total number of conditional-write version conflicts",
				ConstLabels: constLabels,
			},
			[]string{"operation"},
		),
		contentionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "session_contention_total",
				Help:        "Total number of operations that exhausted the retry budget",
				ConstLabels: constLabels,
			},
			[]string{"operation"},
		),
		saveAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "session_save_attempts",
				Help:        "Conditional-write attempts needed per operation",
				ConstLabels: constLabels,
				Buckets:     []float64{1, 2, 3, 4, 5},
			},
			[]string{"operation"},
		),

		fanoutEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "fanout_events_total",
				Help:        "Total number of session events published to the fan-out channel",
				ConstLabels: constLabels,
			},
			[]string{"event"},
		),
		fanoutDeliveredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "fanout_recipients_delivered_total",
				Help:        "Recipients confirmed reachable during fan-out",
				ConstLabels: constLabels,
			},
		),
		fanoutMissedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "fanout_recipients_missed_total",
				Help:        "Recipients not reachable during fan-out",
				ConstLabels: constLabels,
			},
		),

		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: constLabels,
			},
			[]string{"kind", "status"},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of open websocket event-stream connections",
				ConstLabels: constLabels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of websocket messages by direction",
				ConstLabels: constLabels,
			},
			[]string{"direction"},
		),
	}
}

// GetRegistry returns the private registry for the metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// RecordCallInitiated records a newly created session
func (m *Metrics) RecordCallInitiated(callType string) {
	m.callsInitiatedTotal.WithLabelValues(callType).Inc()
	m.callsActive.Inc()
}

// RecordCallEnded records a terminated session with its duration
func (m *Metrics) RecordCallEnded(reason string, durationSeconds int) {
	m.callsEndedTotal.WithLabelValues(reason).Inc()
	m.callsActive.Dec()
	m.callDurationSeconds.Observe(float64(durationSeconds))
}

// RecordVersionConflict records one conditional-write conflict
func (m *Metrics) RecordVersionConflict(operation string) {
	m.versionConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordContention records one retry-budget exhaustion
func (m *Metrics) RecordContention(operation string) {
	m.contentionTotal.WithLabelValues(operation).Inc()
}

// RecordSaveAttempts records how many attempts one operation needed
func (m *Metrics) RecordSaveAttempts(operation string, attempts int) {
	m.saveAttempts.WithLabelValues(operation).Observe(float64(attempts))
}

// RecordFanout records one published event and its delivery split
func (m *Metrics) RecordFanout(event string, delivered, missed int) {
	m.fanoutEventsTotal.WithLabelValues(event).Inc()
	m.fanoutDeliveredTotal.Add(float64(delivered))
	m.fanoutMissedTotal.Add(float64(missed))
}

// RecordPushNotification records one push send result
func (m *Metrics) RecordPushNotification(kind string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.pushNotificationsTotal.WithLabelValues(kind, status).Inc()
}

// IncrementWebsocketConnections increments the websocket gauge
func (m *Metrics) IncrementWebsocketConnections() {
	m.websocketConnections.Inc()
}

// DecrementWebsocketConnections decrements the websocket gauge
func (m *Metrics) DecrementWebsocketConnections() {
	m.websocketConnections.Dec()
}

// RecordWebsocketMessage records one websocket message
func (m *Metrics) RecordWebsocketMessage(direction string) {
	m.websocketMessagesTotal.WithLabelValues(direction).Inc()
}
