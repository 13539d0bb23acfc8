package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/lumera/portalguard/internal/common/errors"
	"github.com/lumera/portalguard/internal/metrics"
	"github.com/lumera/portalguard/internal/ratelimit"
)

// LoginRateLimit throttles unauthenticated login attempts per source IP
func LoginRateLimit(limiter *ratelimit.Limiter, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ratelimit.LoginKey(c.ClientIP())
		if err := limiter.Allow(c.Request.Context(), key, limit, window); err != nil {
			metrics.RecordLoginAttempt("rate_limited")
			apperrors.Respond(c, err)
			return
		}
		c.Next()
	}
}
