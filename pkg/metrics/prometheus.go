package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Relay Metrics
	signalsTotal          *prometheus.CounterVec
	fanoutRecipients      *prometheus.HistogramVec
	framesDroppedTotal    *prometheus.CounterVec
	subscriptionsDenied   *prometheus.CounterVec
	orphanedSubscriptions prometheus.Counter

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec

	// Rate Limiting Metrics
	rateLimitBlockedTotal *prometheus.CounterVec

	// Redis Metrics
	redisDegraded     prometheus.Gauge
	redisHealthChecks *prometheus.CounterVec

	// Circuit Breaker Metrics
	breakerState    *prometheus.GaugeVec
	breakerRequests *prometheus.CounterVec
}

// NewMetrics creates all metrics on a fresh registry labelled with serviceName
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	labels := prometheus.Labels{"service": serviceName}
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections_active",
				Help:        "Number of registered WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket frames",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),

		callsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Call lifecycle transitions",
				ConstLabels: labels,
			},
			[]string{"call_type", "status"},
		),
		callsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls in calling or ongoing state",
				ConstLabels: labels,
			},
		),
		callsDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Duration of answered calls",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"call_type"},
		),
		callsFailedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Call operations rejected by the state machine",
				ConstLabels: labels,
			},
			[]string{"operation", "reason"},
		),

		signalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_relayed_total",
				Help:        "Signaling messages by kind and outcome",
				ConstLabels: labels,
			},
			[]string{"kind", "outcome"},
		),
		fanoutRecipients: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "fanout_recipients",
				Help:        "Connections reached per publish",
				ConstLabels: labels,
				Buckets:     []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
			[]string{"namespace"},
		),
		framesDroppedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "frames_dropped_total",
				Help:        "Frames dropped because a connection queue was full",
				ConstLabels: labels,
			},
			[]string{"path"},
		),
		subscriptionsDenied: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "subscriptions_denied_total",
				Help:        "Channel subscriptions refused by the authorization gate",
				ConstLabels: labels,
			},
			[]string{"namespace"},
		),
		orphanedSubscriptions: f.NewCounter(
			prometheus.CounterOpts{
				Name:        "subscriptions_orphaned_total",
				Help:        "Subscriptions removed by the audit because the channel had no backing record",
				ConstLabels: labels,
			},
		),

		pushNotificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: labels,
			},
			[]string{"type", "platform"},
		),
		pushNotificationsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of failed push notifications",
				ConstLabels: labels,
			},
			[]string{"type", "platform", "reason"},
		),

		rateLimitBlockedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "rate_limit_blocked_total",
				Help:        "Total number of requests blocked by rate limiting",
				ConstLabels: labels,
			},
			[]string{"endpoint"},
		),

		redisDegraded: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_degraded_mode",
				Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
				ConstLabels: labels,
			},
		),
		redisHealthChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_health_check_total",
				Help:        "Total number of Redis health checks",
				ConstLabels: labels,
			},
			[]string{"result"},
		),

		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "circuit_breaker_state",
				Help:        "State of a circuit breaker (0=closed, 1=half_open, 2=open)",
				ConstLabels: labels,
			},
			[]string{"breaker"},
		),
		breakerRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "circuit_breaker_requests_total",
				Help:        "Operations run through a circuit breaker by outcome",
				ConstLabels: labels,
			},
			[]string{"breaker", "operation", "outcome"},
		),
	}

	return m
}

// GetRegistry returns the registry backing these metrics
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// WebSocket Metrics Methods

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	if m == nil {
		return
	}
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a WebSocket frame; direction is "in" or "out"
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(err string) {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// Call Metrics Methods

// RecordCall records a call transition
func (m *Metrics) RecordCall(callType, status string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

// SetActiveCalls sets the number of active calls
func (m *Metrics) SetActiveCalls(count int) {
	if m == nil {
		return
	}
	m.callsActive.Set(float64(count))
}

// RecordCallDuration records the duration of a call
func (m *Metrics) RecordCallDuration(callType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordCallFailure records a rejected call operation
func (m *Metrics) RecordCallFailure(operation, reason string) {
	if m == nil {
		return
	}
	m.callsFailedTotal.WithLabelValues(operation, reason).Inc()
}

// Relay Metrics Methods

// RecordSignal records a relay attempt; outcome is delivered, unreachable or rejected
func (m *Metrics) RecordSignal(kind, outcome string) {
	if m == nil {
		return
	}
	m.signalsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordFanout records how many connections a publish reached and how many were dropped
func (m *Metrics) RecordFanout(namespace string, delivered, dropped int) {
	if m == nil {
		return
	}
	m.fanoutRecipients.WithLabelValues(namespace).Observe(float64(delivered))
	if dropped > 0 {
		m.framesDroppedTotal.WithLabelValues(namespace).Add(float64(dropped))
	}
}

// RecordSubscriptionDenied records a refused subscription
func (m *Metrics) RecordSubscriptionDenied(namespace string) {
	if m == nil {
		return
	}
	m.subscriptionsDenied.WithLabelValues(namespace).Inc()
}

// RecordOrphanedSubscriptions records subscriptions dropped by the audit
func (m *Metrics) RecordOrphanedSubscriptions(count int) {
	if m == nil || count == 0 {
		return
	}
	m.orphanedSubscriptions.Add(float64(count))
}

// Push Notification Metrics Methods

// RecordPushNotification records a sent push notification
func (m *Metrics) RecordPushNotification(notifType, platform string) {
	if m == nil {
		return
	}
	m.pushNotificationsTotal.WithLabelValues(notifType, platform).Inc()
}

// RecordPushNotificationFailure records a failed push notification
func (m *Metrics) RecordPushNotificationFailure(notifType, platform, reason string) {
	if m == nil {
		return
	}
	m.pushNotificationsFailed.WithLabelValues(notifType, platform, reason).Inc()
}

// Rate Limiting Metrics Methods

// RecordRateLimitBlocked records a blocked request
func (m *Metrics) RecordRateLimitBlocked(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitBlockedTotal.WithLabelValues(endpoint).Inc()
}

// Redis Metrics Methods

// SetRedisDegraded flags whether the Redis client is running degraded
func (m *Metrics) SetRedisDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.redisDegraded.Set(1)
		return
	}
	m.redisDegraded.Set(0)
}

// RecordRedisHealthCheck records a health check result, "ok" or "failed"
func (m *Metrics) RecordRedisHealthCheck(result string) {
	if m == nil {
		return
	}
	m.redisHealthChecks.WithLabelValues(result).Inc()
}

// Circuit Breaker Metrics Methods

// SetCircuitBreakerState records the numeric state of a named breaker
func (m *Metrics) SetCircuitBreakerState(breaker string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordCircuitBreakerRequest records one operation outcome of a named breaker
func (m *Metrics) RecordCircuitBreakerRequest(breaker, operation, outcome string) {
	if m == nil {
		return
	}
	m.breakerRequests.WithLabelValues(breaker, operation, outcome).Inc()
}
