package errors

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrNotFound, CodeOf(NotFound("session")))
	assert.Equal(t, ErrExpired, CodeOf(Expired("session")))
	assert.Equal(t, ErrInternal, CodeOf(fmt.Errorf("plain error")))

	wrapped := fmt.Errorf("outer: %w", ConcurrentLimit(3))
	assert.Equal(t, ErrConcurrentLimit, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, ErrConcurrentLimit))
}

func TestUnauthorizedIsGeneric(t *testing.T) {
	// Credential failures and security violations must be indistinguishable
	// to the client to prevent enumeration.
	assert.Equal(t, Unauthorized().Message, SecurityViolation("ip drift").Message)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 42, RetryAfter(RateLimited(42)))
	assert.Equal(t, 0, RetryAfter(NotFound("session")))
	assert.Equal(t, 0, RetryAfter(fmt.Errorf("plain")))
}

func TestRespond(t *testing.T) {
	t.Run("rate limit sets Retry-After header", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)

		Respond(c, RateLimited(30))

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "30", w.Header().Get("Retry-After"))
		assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
	})

	t.Run("plain errors are masked as internal", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)

		Respond(c, fmt.Errorf("pgx: connection refused"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "pgx")
	})

	t.Run("security violation detail is not exposed", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)

		Respond(c, SecurityViolation("6 distinct ips in window"))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NotContains(t, w.Body.String(), "distinct ips")
	})
}
