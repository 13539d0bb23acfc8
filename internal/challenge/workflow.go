package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumera/portalguard/internal/audit"
	apperrors "github.com/lumera/portalguard/internal/common/errors"
	"github.com/lumera/portalguard/internal/device"
	"github.com/lumera/portalguard/internal/risk"
)

// WorkflowConfig holds the challenge tunables
type WorkflowConfig struct {
	// TokenTTL bounds how long a verification token stays usable
	TokenTTL time.Duration

	// ApprovalTrustLevel is the trust granted to a device on approval
	ApprovalTrustLevel int

	// DeviceTrustDuration sets the expiry of a device trusted via approval
	DeviceTrustDuration time.Duration
}

// ResolveContext carries the facts of the approve/deny request
type ResolveContext struct {
	IP        string
	UserAgent string
	Now       time.Time
}

// Workflow drives suspicious login attempts from pending to a terminal state
type Workflow struct {
	repo     Repository
	devices  device.Repository
	matcher  *risk.Matcher
	notifier Notifier
	trail    audit.Recorder
	cfg      WorkflowConfig
	logger   *zap.Logger
}

// NewWorkflow creates a suspicious login workflow
func NewWorkflow(repo Repository, devices device.Repository, matcher *risk.Matcher, notifier Notifier, trail audit.Recorder, cfg WorkflowConfig, logger *zap.Logger) *Workflow {
	return &Workflow{
		repo:     repo,
		devices:  devices,
		matcher:  matcher,
		notifier: notifier,
		trail:    trail,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "challenge_workflow")),
	}
}

// Create records a pending attempt with a fresh single-use token and kicks
// off the out-of-band notification. Notification failures are logged, never
// surfaced: the attempt exists whether or not the message arrives.
func (w *Workflow) Create(ctx context.Context, a *Attempt, now time.Time) error {
	token, err := newToken()
	if err != nil {
		return err
	}

	a.ID = uuid.New().String()
	a.VerificationToken = token
	a.Status = StatusPending
	a.CreatedAt = now
	a.ExpiresAt = now.Add(w.cfg.TokenTTL)

	event := audit.NewEvent(audit.ActionLoginChallenge, audit.OutcomeSuccess).
		WithPrincipal(a.PrincipalID).
		WithRequest(a.IPAddress, a.UserAgent).
		WithResource(a.ID).
		WithMetadata("risk_score", a.RiskScore).
		WithMetadata("reasons", a.Reasons)
	if err := w.trail.Record(ctx, event); err != nil {
		return err
	}

	if err := w.repo.Create(ctx, a); err != nil {
		return err
	}

	w.dispatch(a, func(ctx context.Context) error {
		return w.notifier.SendChallenge(ctx, a)
	})

	return nil
}

// Resolve consumes a verification token. Unknown tokens fail with NotFound,
// terminal ones with AlreadyResolved, overdue ones with Expired (moving the
// attempt to expired as a side effect). Under concurrent clicks on both
// links, the guarded transition lets exactly one decision through.
func (w *Workflow) Resolve(ctx context.Context, token string, decision Decision, rc ResolveContext) (*Attempt, error) {
	a, err := w.repo.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.NotFound("login attempt")
		}
		return nil, err
	}

	if a.Status.Terminal() {
		return nil, apperrors.AlreadyResolved()
	}

	if a.Expired(rc.Now) {
		if _, err := w.repo.Resolve(ctx, token, StatusExpired, rc.Now, rc.IP, rc.UserAgent); err != nil {
			w.logger.Error("failed to expire login attempt",
				zap.String("attempt_id", a.ID),
				zap.Error(err),
			)
		}
		w.audit(ctx, a, audit.ActionChallengeExpire, audit.OutcomeFailure, rc)
		return nil, apperrors.Expired("verification token")
	}

	to := StatusDenied
	if decision == DecisionApprove {
		to = StatusApproved
	}

	won, err := w.repo.Resolve(ctx, token, to, rc.Now, rc.IP, rc.UserAgent)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, apperrors.AlreadyResolved()
	}

	a.Status = to
	resolvedAt := rc.Now
	a.ResolvedAt = &resolvedAt
	a.ResolutionIP = rc.IP
	a.ResolutionAgent = rc.UserAgent

	if decision == DecisionApprove {
		w.audit(ctx, a, audit.ActionChallengeApprove, audit.OutcomeSuccess, rc)
		if err := w.grantDeviceTrust(ctx, a, rc.Now); err != nil {
			// The approval stands; trust can be granted again on a later login
			w.logger.Error("failed to grant device trust after approval",
				zap.String("attempt_id", a.ID),
				zap.Error(err),
			)
		}
		return a, nil
	}

	w.audit(ctx, a, audit.ActionChallengeDeny, audit.OutcomeDenied, rc)
	w.dispatch(a, func(ctx context.Context) error {
		return w.notifier.SendDenialAlert(ctx, a)
	})

	return a, nil
}

// ExpireStale sweeps overdue pending attempts into the expired state
func (w *Workflow) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	return w.repo.ExpireStale(ctx, now)
}

// grantDeviceTrust creates a trusted device for the approved attempt, or
// raises trust on an existing device with a matching fingerprint
func (w *Workflow) grantDeviceTrust(ctx context.Context, a *Attempt, now time.Time) error {
	existing, err := w.devices.ListActiveByPrincipal(ctx, a.PrincipalID)
	if err != nil {
		return err
	}

	expiresAt := now.Add(w.cfg.DeviceTrustDuration)

	for _, d := range existing {
		if w.matcher.MatchesDevice(d.Fingerprint, a.Fingerprint) {
			if err := w.devices.RaiseTrust(ctx, d.ID, w.cfg.ApprovalTrustLevel, device.VerificationSuspiciousLoginApproval); err != nil {
				return err
			}
			return w.devices.Touch(ctx, d.ID, now, expiresAt)
		}
	}

	d := &device.TrustedDevice{
		ID:                         uuid.New().String(),
		PrincipalID:                a.PrincipalID,
		Fingerprint:                a.Fingerprint,
		IPAddress:                  a.IPAddress,
		Location:                   a.Location,
		TrustLevel:                 w.cfg.ApprovalTrustLevel,
		VerificationMethod:         device.VerificationSuspiciousLoginApproval,
		LastUsedAt:                 now,
		ExpiresAt:                  &expiresAt,
		IsActive:                   true,
		CreatedFromSuspiciousLogin: true,
		CreatedAt:                  now,
	}

	if err := w.devices.Create(ctx, d); err != nil {
		return err
	}

	event := audit.NewEvent(audit.ActionDeviceTrust, audit.OutcomeSuccess).
		WithPrincipal(a.PrincipalID).
		WithResource(d.ID).
		WithMetadata("verification_method", string(d.VerificationMethod)).
		WithMetadata("trust_level", d.TrustLevel)
	if err := w.trail.Record(ctx, event); err != nil {
		w.logger.Error("failed to audit device trust grant", zap.Error(err))
	}

	return nil
}

func (w *Workflow) audit(ctx context.Context, a *Attempt, action string, outcome audit.Outcome, rc ResolveContext) {
	event := audit.NewEvent(action, outcome).
		WithPrincipal(a.PrincipalID).
		WithRequest(rc.IP, rc.UserAgent).
		WithResource(a.ID)
	if err := w.trail.Record(ctx, event); err != nil {
		w.logger.Error("failed to record challenge audit event",
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// dispatch sends a notification off the request path with its own timeout
func (w *Workflow) dispatch(a *Attempt, send func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := send(ctx); err != nil {
			w.logger.Error("challenge notification failed",
				zap.String("attempt_id", a.ID),
				zap.String("principal_id", a.PrincipalID),
				zap.Error(err),
			)
		}
	}()
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
