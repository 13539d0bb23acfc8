package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	router.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "portalguard_http_requests_total")
	assert.Contains(t, body, "portalguard_http_request_duration_seconds")
}

func TestSecurityRecorders(t *testing.T) {
	gin.SetMode(gin.TestMode)

	RecordLoginAttempt("challenge")
	RecordChallengeResolution("denied")
	RecordSecurityViolation("ip_churn")
	RecordRiskScore("challenge", 30)
	RecordGeoIPLookup("hit")
	ActiveSessionsGauge.Set(3)

	router := gin.New()
	router.GET("/metrics", Handler())
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	body := w.Body.String()
	assert.Contains(t, body, `portalguard_login_attempts_total{outcome="challenge"}`)
	assert.Contains(t, body, `portalguard_challenges_total{resolution="denied"}`)
	assert.Contains(t, body, `portalguard_security_violations_total{kind="ip_churn"}`)
	assert.Contains(t, body, "portalguard_active_sessions 3")
}
