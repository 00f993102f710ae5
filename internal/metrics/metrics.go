// Package metrics exposes Prometheus instrumentation for the authentication
// and request-protection paths.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Authentication
	Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spigot_logins_total",
			Help: "Login attempts by result",
		},
		[]string{"result"}, // "success", "invalid", "locked", "error"
	)

	Refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spigot_token_refreshes_total",
			Help: "Refresh token rotations by result",
		},
		[]string{"result"}, // "success", "invalid", "expired", "replayed", "error"
	)

	LockoutsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spigot_lockouts_triggered_total",
			Help: "Lockouts started after reaching the failure threshold",
		},
		[]string{"kind"}, // "identity", "origin"
	)

	SessionsRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spigot_sessions_revoked_total",
			Help: "Sessions removed by logout, revocation or sweeping",
		},
	)

	// Request protection
	GatekeeperRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spigot_gatekeeper_rejections_total",
			Help: "Requests rejected by bearer token validation",
		},
		[]string{"reason"}, // "missing", "malformed", "expired", "revoked"
	)

	CSRFRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spigot_csrf_rejections_total",
			Help: "Mutating requests rejected for a missing or mismatched CSRF token",
		},
	)

	RateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spigot_ratelimit_exceeded_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"policy"},
	)

	RateBucketsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spigot_ratelimit_buckets_swept_total",
			Help: "Stale rate-limit buckets removed",
		},
	)

	// HTTP
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spigot_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordAPIRequest observes one completed HTTP request.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
