// Package metrics provides Prometheus metrics for the portal security engine
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalguard",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portalguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portalguard",
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// Security engine metrics
var (
	loginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalguard",
			Name:      "login_attempts_total",
			Help:      "Total number of portal login attempts",
		},
		[]string{"outcome"}, // outcome: success, challenge, failure, rate_limited
	)

	challengesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalguard",
			Name:      "challenges_total",
			Help:      "Total number of suspicious login challenge resolutions",
		},
		[]string{"resolution"}, // resolution: approved, denied, expired
	)

	securityViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalguard",
			Name:      "security_violations_total",
			Help:      "Total number of detected security violations",
		},
		[]string{"kind"}, // kind: ip_restriction, time_restriction, ip_churn
	)

	riskScoreHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portalguard",
			Name:      "login_risk_score",
			Help:      "Risk score distribution for login evaluations",
			Buckets:   []float64{0, 10, 25, 50, 75, 90, 100},
		},
		[]string{"decision"}, // decision: allow, challenge
	)

	// ActiveSessionsGauge tracks active portal sessions
	ActiveSessionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portalguard",
			Name:      "active_sessions",
			Help:      "Number of active portal sessions",
		},
	)

	geoipLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalguard",
			Name:      "geoip_lookups_total",
			Help:      "Total number of geo-IP lookups",
		},
		[]string{"outcome"}, // outcome: hit, miss, degraded
	)
)

// Middleware returns a Gin middleware that records HTTP metrics
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		// Skip the metrics endpoint itself
		if path == "/metrics" {
			c.Next()
			return
		}

		httpRequestsInFlight.Inc()
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(duration)
		httpRequestsInFlight.Dec()
	}
}

// Handler serves the Prometheus scrape endpoint. Register it on /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLoginAttempt records a login attempt outcome
func RecordLoginAttempt(outcome string) {
	loginAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordChallengeResolution records a challenge reaching a terminal state
func RecordChallengeResolution(resolution string) {
	challengesTotal.WithLabelValues(resolution).Inc()
}

// RecordSecurityViolation records a detected violation
func RecordSecurityViolation(kind string) {
	securityViolationsTotal.WithLabelValues(kind).Inc()
}

// RecordRiskScore records a login risk evaluation
func RecordRiskScore(decision string, score int) {
	riskScoreHistogram.WithLabelValues(decision).Observe(float64(score))
}

// RecordGeoIPLookup records a geo-IP lookup outcome
func RecordGeoIPLookup(outcome string) {
	geoipLookupsTotal.WithLabelValues(outcome).Inc()
}
