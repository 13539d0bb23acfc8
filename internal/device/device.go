// Package device manages long-lived trusted-device associations between a
// principal and recognized client devices.
package device

import (
	"context"
	"time"

	"github.com/lumera/portalguard/internal/geoip"
	"github.com/lumera/portalguard/internal/risk"
)

// VerificationMethod records how a device earned its trust
type VerificationMethod string

const (
	VerificationEmail                   VerificationMethod = "email"
	VerificationSMS                     VerificationMethod = "sms"
	VerificationManual                  VerificationMethod = "manual"
	VerificationSuspiciousLoginApproval VerificationMethod = "suspicious_login_approval"
)

// Trust tier boundaries on the 0-100 trust level scale
const (
	TrustLevelLow    = 25
	TrustLevelMedium = 50
	TrustLevelHigh   = 75
	TrustLevelFull   = 100
)

// TrustTier names the tier a numeric trust level falls into
func TrustTier(level int) string {
	switch {
	case level >= TrustLevelFull:
		return "full"
	case level >= TrustLevelHigh:
		return "high"
	case level >= TrustLevelMedium:
		return "medium"
	case level >= TrustLevelLow:
		return "low"
	default:
		return "none"
	}
}

// TrustedDevice is a recognized device for a principal
type TrustedDevice struct {
	ID                         string             `json:"id"`
	PrincipalID                string             `json:"principal_id"`
	Fingerprint                risk.Fingerprint   `json:"fingerprint"`
	DeviceName                 string             `json:"device_name,omitempty"`
	IPAddress                  string             `json:"ip_address"`
	Location                   geoip.Location     `json:"location"`
	TrustLevel                 int                `json:"trust_level"`
	VerificationMethod         VerificationMethod `json:"verification_method"`
	LastUsedAt                 time.Time          `json:"last_used_at"`
	ExpiresAt                  *time.Time         `json:"expires_at,omitempty"`
	IsActive                   bool               `json:"is_active"`
	CreatedFromSuspiciousLogin bool               `json:"created_from_suspicious_login"`
	CreatedAt                  time.Time          `json:"created_at"`
}

// Trusted reports whether the device can vouch for a login: it must be
// active, unexpired, and at medium trust or above.
func (d *TrustedDevice) Trusted(now time.Time) bool {
	if !d.IsActive {
		return false
	}
	if d.ExpiresAt != nil && now.After(*d.ExpiresAt) {
		return false
	}
	return d.TrustLevel >= TrustLevelMedium
}

// Repository persists trusted devices
type Repository interface {
	Create(ctx context.Context, d *TrustedDevice) error
	Get(ctx context.Context, id string) (*TrustedDevice, error)
	ListActiveByPrincipal(ctx context.Context, principalID string) ([]*TrustedDevice, error)
	ListByPrincipal(ctx context.Context, principalID string) ([]*TrustedDevice, error)

	// Touch refreshes last_used_at and pushes out the expiry after a
	// successful matching login
	Touch(ctx context.Context, id string, usedAt, expiresAt time.Time) error

	// Revoke deactivates a device; idempotent
	Revoke(ctx context.Context, id string) error

	// RaiseTrust lifts the trust level of an existing device, never lowering it
	RaiseTrust(ctx context.Context, id string, level int, method VerificationMethod) error
}
