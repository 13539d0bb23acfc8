// Package challenge implements the suspicious login workflow: a risky login
// produces a pending attempt with a single-use verification token the
// principal resolves out of band.
package challenge

import (
	"context"
	"errors"
	"time"

	"github.com/lumera/portalguard/internal/geoip"
	"github.com/lumera/portalguard/internal/risk"
)

// ErrNotFound is returned when no attempt matches the token
var ErrNotFound = errors.New("login attempt not found")

// Status of a suspicious login attempt. Pending is the only state with
// outgoing transitions.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status admits no further transitions
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Decision is the principal's answer to a challenge
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Attempt is one suspicious login awaiting out-of-band verification
type Attempt struct {
	ID                string                 `json:"id"`
	PrincipalID       string                 `json:"principal_id"`
	ClientID          string                 `json:"client_id"`
	Email             string                 `json:"email"`
	VerificationToken string                 `json:"-"`
	IPAddress         string                 `json:"ip_address"`
	UserAgent         string                 `json:"user_agent"`
	Fingerprint       risk.Fingerprint       `json:"fingerprint"`
	Location          geoip.Location         `json:"location"`
	Reasons           []risk.DetectionReason `json:"reasons"`
	RiskScore         int                    `json:"risk_score"`
	Status            Status                 `json:"status"`
	CreatedAt         time.Time              `json:"created_at"`
	ExpiresAt         time.Time              `json:"expires_at"`
	ResolvedAt        *time.Time             `json:"resolved_at,omitempty"`
	ResolutionIP      string                 `json:"resolution_ip,omitempty"`
	ResolutionAgent   string                 `json:"resolution_agent,omitempty"`
}

// Expired reports whether the token's lifetime has passed
func (a *Attempt) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Repository persists suspicious login attempts
type Repository interface {
	Create(ctx context.Context, a *Attempt) error
	GetByToken(ctx context.Context, token string) (*Attempt, error)
	ListPendingByPrincipal(ctx context.Context, principalID string) ([]*Attempt, error)

	// Resolve transitions a pending attempt to a terminal status. It reports
	// false when the attempt was no longer pending, which is how concurrent
	// resolutions of the same token are decided: exactly one caller wins.
	Resolve(ctx context.Context, token string, to Status, resolvedAt time.Time, ip, userAgent string) (bool, error)

	// ExpireStale moves pending attempts whose TTL has passed to expired
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// Notifier dispatches out-of-band messages for the workflow. Delivery is
// fire-and-forget from the workflow's perspective.
type Notifier interface {
	// SendChallenge delivers the approve/deny links for a pending attempt
	SendChallenge(ctx context.Context, a *Attempt) error

	// SendDenialAlert warns the principal that an attempt was denied
	SendDenialAlert(ctx context.Context, a *Attempt) error
}

// NopNotifier discards notifications; used in tests
type NopNotifier struct{}

func (NopNotifier) SendChallenge(ctx context.Context, a *Attempt) error   { return nil }
func (NopNotifier) SendDenialAlert(ctx context.Context, a *Attempt) error { return nil }
