// Package session owns the portal session entity: creation under the
// concurrent-session cap, validation, activity-based extension, risk-score
// adjustment, and invalidation with reason codes.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/lumera/portalguard/internal/geoip"
	"github.com/lumera/portalguard/internal/risk"
)

var (
	// ErrNotFound is returned when no session matches the query
	ErrNotFound = errors.New("session not found")

	// ErrVersionConflict is returned when an optimistic update lost the race
	// against a concurrent write to the same session row
	ErrVersionConflict = errors.New("session version conflict")
)

// EndReason explains why a session stopped being active
type EndReason string

const (
	EndReasonTimeout           EndReason = "timeout"
	EndReasonPrincipalInactive EndReason = "principal_inactive"
	EndReasonAccessDisabled    EndReason = "access_disabled"
	EndReasonSecurityViolation EndReason = "security_violation"
	EndReasonManual            EndReason = "manual"
)

// Session is an active portal session bound to a principal, an IP, and a
// device fingerprint
type Session struct {
	ID              string           `json:"id"`
	PrincipalID     string           `json:"principal_id"`
	ClientID        string           `json:"client_id"`
	IPAddress       string           `json:"ip_address"`
	UserAgent       string           `json:"user_agent"`
	Fingerprint     risk.Fingerprint `json:"fingerprint"`
	Location        geoip.Location   `json:"location"`
	RiskScore       int              `json:"risk_score"`
	TrustedDeviceID string           `json:"trusted_device_id,omitempty"`
	RequestCount    int64            `json:"request_count"`
	PageViewCount   int64            `json:"page_view_count"`
	CurrentPage     string           `json:"current_page,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	LastActivityAt  time.Time        `json:"last_activity_at"`
	LastExtendedAt  time.Time        `json:"last_extended_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	IsActive        bool             `json:"is_active"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	EndReason       EndReason        `json:"end_reason,omitempty"`

	// Version guards read-modify-write cycles; every successful update
	// increments it
	Version int64 `json:"-"`
}

// Expired reports whether the session's expiry has passed
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// RequestContext carries the per-request facts the manager needs. Operations
// read time from here rather than the clock so behavior is reproducible.
type RequestContext struct {
	IP        string
	UserAgent string
	Path      string
	Now       time.Time
}

// Repository persists sessions
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	CountActiveByPrincipal(ctx context.Context, principalID string) (int, error)
	ListActiveByPrincipal(ctx context.Context, principalID string) ([]*Session, error)

	// UpdateActivity writes the mutable activity fields using an optimistic
	// version check. Returns ErrVersionConflict when the stored version no
	// longer matches.
	UpdateActivity(ctx context.Context, s *Session) error

	// Invalidate ends a session; already-ended sessions are left untouched
	Invalidate(ctx context.Context, id string, reason EndReason, endedAt time.Time) error

	// DistinctRecentIPs counts distinct source IPs across the principal's
	// sessions created since the given time
	DistinctRecentIPs(ctx context.Context, principalID string, since time.Time) (int, error)

	// RecentLoginHistory returns the locations of the principal's most recent
	// session creations, newest first
	RecentLoginHistory(ctx context.Context, principalID string, limit int) ([]risk.LoginRecord, error)

	// DeleteInactiveBefore purges ended sessions whose last activity predates
	// the cutoff, returning the number of rows removed
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
