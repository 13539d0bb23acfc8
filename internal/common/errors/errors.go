// Package errors provides structured error handling for the portal security engine
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// General errors
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrBadRequest   ErrorCode = "BAD_REQUEST"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrRateLimit    ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Session lifecycle errors
	ErrExpired         ErrorCode = "EXPIRED"
	ErrConcurrentLimit ErrorCode = "CONCURRENT_LIMIT_EXCEEDED"
	ErrSecurity        ErrorCode = "SECURITY_VIOLATION"

	// Challenge errors
	ErrAlreadyResolved ErrorCode = "ALREADY_RESOLVED"

	// External collaborator errors
	ErrUpstream ErrorCode = "UPSTREAM_UNAVAILABLE"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// CodeOf extracts the ErrorCode from any error, falling back to ErrInternal
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given application error code
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Predefined errors

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return &AppError{
		Code:       ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// Unauthorized creates an unauthorized error. The message is intentionally
// generic so callers never reveal which credential or access check failed.
func Unauthorized() *AppError {
	return &AppError{
		Code:       ErrUnauthorized,
		Message:    "invalid credentials or session",
		StatusCode: http.StatusUnauthorized,
	}
}

// Expired creates a session/token expiry error
func Expired(resource string) *AppError {
	return &AppError{
		Code:       ErrExpired,
		Message:    fmt.Sprintf("%s has expired", resource),
		StatusCode: http.StatusUnauthorized,
	}
}

// RateLimited creates a rate limit error with a retry-after hint in seconds
func RateLimited(retryAfterSeconds int) *AppError {
	e := &AppError{
		Code:       ErrRateLimit,
		Message:    "too many requests",
		StatusCode: http.StatusTooManyRequests,
	}
	return e.WithMetadata("retry_after", retryAfterSeconds)
}

// RetryAfter returns the retry-after hint carried by a rate limit error, or 0
func RetryAfter(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Code != ErrRateLimit {
		return 0
	}
	if v, ok := appErr.Metadata["retry_after"].(int); ok {
		return v
	}
	return 0
}

// ConcurrentLimit creates a concurrent session limit error
func ConcurrentLimit(limit int) *AppError {
	e := &AppError{
		Code:       ErrConcurrentLimit,
		Message:    "concurrent session limit exceeded",
		StatusCode: http.StatusConflict,
	}
	return e.WithMetadata("limit", limit)
}

// SecurityViolation creates a security violation error. The detail is kept in
// metadata for the audit trail; the client-facing message stays generic.
func SecurityViolation(detail string) *AppError {
	e := &AppError{
		Code:       ErrSecurity,
		Message:    "invalid credentials or session",
		StatusCode: http.StatusUnauthorized,
	}
	return e.WithMetadata("detail", detail)
}

// AlreadyResolved creates a challenge token reuse error
func AlreadyResolved() *AppError {
	return &AppError{
		Code:       ErrAlreadyResolved,
		Message:    "challenge has already been resolved",
		StatusCode: http.StatusConflict,
	}
}

// Upstream creates an upstream provider failure error
func Upstream(provider string, err error) *AppError {
	return &AppError{
		Code:       ErrUpstream,
		Message:    fmt.Sprintf("%s is unavailable", provider),
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Respond writes an error response to the Gin context. Non-AppError values
// are masked as internal errors so raw failures never leak to clients.
func Respond(c *gin.Context, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = Internal("internal server error", err)
	}

	if appErr.Code == ErrRateLimit {
		if v, ok := appErr.Metadata["retry_after"].(int); ok {
			c.Header("Retry-After", fmt.Sprintf("%d", v))
		}
	}

	body := gin.H{"error": gin.H{"code": appErr.Code, "message": appErr.Message}}
	if len(appErr.Metadata) > 0 && appErr.Code == ErrRateLimit {
		body["error"].(gin.H)["retry_after"] = appErr.Metadata["retry_after"]
	}

	c.AbortWithStatusJSON(appErr.StatusCode, body)
}
