package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_active_requests",
			Help: "Current number of active HTTP requests",
		},
	)

	// Database Metrics
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Duration of database operations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "collection"},
	)

	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_operations_total",
			Help: "Cache lookups by cache name and outcome",
		},
		[]string{"cache", "result"}, // hit, miss
	)

	// Verification Metrics
	VerificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_attempts_total",
			Help: "Verification attempts by method and result",
		},
		[]string{"method", "result"}, // success, invalid, rate_limited
	)

	StepUpDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "step_up_decisions_total",
			Help: "Step-up policy outcomes by action class",
		},
		[]string{"action", "decision"}, // allowed, required, no_methods
	)

	TrustDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_trust_decisions_total",
			Help: "Device sessions created by confidence tier and auth method",
		},
		[]string{"tier", "auth_method"},
	)

	AccountEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "account_events_total",
			Help: "Account events recorded by type and write result",
		},
		[]string{"event_type", "result"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Outbound notifications by template and result",
		},
		[]string{"template", "result"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors by type",
		},
		[]string{"type", "reason"}, // database, cache, auth, ...
	)
)

// TrackDBOperation tracks database operation duration
func TrackDBOperation(operation, collection string) *prometheus.Timer {
	return prometheus.NewTimer(DBOperationDuration.WithLabelValues(operation, collection))
}

func TrackCacheOperation(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheOperations.WithLabelValues(cache, result).Inc()
}

func TrackVerification(method, result string) {
	VerificationAttempts.WithLabelValues(method, result).Inc()
}

func TrackStepUp(action, decision string) {
	StepUpDecisions.WithLabelValues(action, decision).Inc()
}

func TrackTrustDecision(tier, authMethod string) {
	TrustDecisions.WithLabelValues(tier, authMethod).Inc()
}

func TrackAccountEvent(eventType string, ok bool) {
	result := "stored"
	if !ok {
		result = "failed"
	}
	AccountEvents.WithLabelValues(eventType, result).Inc()
}

func TrackNotification(template string, ok bool) {
	result := "sent"
	if !ok {
		result = "failed"
	}
	Notifications.WithLabelValues(template, result).Inc()
}

// TrackError increments the error counter by type
func TrackError(errorType, reason string) {
	ErrorsTotal.WithLabelValues(errorType, reason).Inc()
}
