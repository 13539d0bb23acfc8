// Package engine exposes the portal session security facade: every login,
// request validation, challenge resolution, and device operation enters
// through here.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lumera/portalguard/internal/audit"
	"github.com/lumera/portalguard/internal/challenge"
	apperrors "github.com/lumera/portalguard/internal/common/errors"
	"github.com/lumera/portalguard/internal/device"
	"github.com/lumera/portalguard/internal/geoip"
	"github.com/lumera/portalguard/internal/metrics"
	"github.com/lumera/portalguard/internal/principal"
	"github.com/lumera/portalguard/internal/ratelimit"
	"github.com/lumera/portalguard/internal/risk"
	"github.com/lumera/portalguard/internal/session"
)

// Config holds the engine-level thresholds
type Config struct {
	// ChallengeRiskThreshold is the risk score at which a login requires
	// out-of-band verification instead of producing a session
	ChallengeRiskThreshold int

	LoginRateLimit    int
	LoginRateWindow   time.Duration
	RequestRateLimit  int
	RequestRateWindow time.Duration

	// DeviceTrustDuration sets how far a trusted device's expiry slides on use
	DeviceTrustDuration time.Duration
}

// LoginRequest carries the credentials and client facts of a login
type LoginRequest struct {
	ClientID    string           `json:"client_id"`
	Email       string           `json:"email"`
	Password    string           `json:"password"`
	Fingerprint risk.Fingerprint `json:"fingerprint"`
}

// BeginResult is the outcome of BeginSession: either a session with its
// token, or a pending challenge the principal must resolve out of band
type BeginResult struct {
	Session           *session.Session       `json:"session,omitempty"`
	Token             string                 `json:"token,omitempty"`
	ChallengeRequired bool                   `json:"challenge_required"`
	RiskScore         int                    `json:"risk_score"`
	Reasons           []risk.DetectionReason `json:"reasons,omitempty"`
}

// Engine wires the security components into the operations the portal calls
type Engine struct {
	principals principal.Store
	geo        *geoip.Service
	evaluator  *risk.Evaluator
	matcher    *risk.Matcher
	devices    device.Repository
	sessions   *session.Manager
	challenges *challenge.Workflow
	limiter    *ratelimit.Limiter
	tokens     *TokenIssuer
	trail      audit.Recorder
	cfg        Config
	logger     *zap.Logger
}

// New creates the engine facade
func New(
	principals principal.Store,
	geo *geoip.Service,
	evaluator *risk.Evaluator,
	matcher *risk.Matcher,
	devices device.Repository,
	sessions *session.Manager,
	challenges *challenge.Workflow,
	limiter *ratelimit.Limiter,
	tokens *TokenIssuer,
	trail audit.Recorder,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		principals: principals,
		geo:        geo,
		evaluator:  evaluator,
		matcher:    matcher,
		devices:    devices,
		sessions:   sessions,
		challenges: challenges,
		limiter:    limiter,
		tokens:     tokens,
		trail:      trail,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "engine")),
	}
}

// BeginSession authenticates the principal and either starts a session or,
// when the login looks suspicious, opens a challenge instead. Credential and
// access failures all surface as the same generic unauthorized error.
func (e *Engine) BeginSession(ctx context.Context, req LoginRequest, rc session.RequestContext) (*BeginResult, error) {
	if err := e.limiter.Allow(ctx, ratelimit.LoginKey(rc.IP), e.cfg.LoginRateLimit, e.cfg.LoginRateWindow); err != nil {
		metrics.RecordLoginAttempt("rate_limited")
		e.recordAudit(ctx, audit.NewEvent(audit.ActionRateLimitExceeded, audit.OutcomeDenied).
			WithRequest(rc.IP, rc.UserAgent))
		return nil, err
	}

	access, err := e.principals.Authenticate(ctx, req.ClientID, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) || errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			metrics.RecordLoginAttempt("failure")
			e.recordAudit(ctx, audit.NewEvent(audit.ActionLoginAttempt, audit.OutcomeFailure).
				WithRequest(rc.IP, rc.UserAgent))
			return nil, apperrors.Unauthorized()
		}
		return nil, apperrors.Internal("authentication failed", err)
	}

	if !access.Active || !access.PortalEnabled {
		metrics.RecordLoginAttempt("failure")
		e.recordAudit(ctx, audit.NewEvent(audit.ActionLoginAttempt, audit.OutcomeDenied).
			WithPrincipal(access.PrincipalID).
			WithRequest(rc.IP, rc.UserAgent).
			WithMetadata("reason", "access_disabled"))
		return nil, apperrors.Unauthorized()
	}

	if !access.IPAllowed(rc.IP) {
		return nil, e.loginViolation(ctx, access.PrincipalID, rc, "ip_restriction")
	}
	if !access.TimeAllowed(rc.Now) {
		return nil, e.loginViolation(ctx, access.PrincipalID, rc, "time_restriction")
	}

	lookup, healthy := e.geo.Lookup(ctx, rc.IP)
	if healthy {
		metrics.RecordGeoIPLookup("hit")
	} else {
		metrics.RecordGeoIPLookup("degraded")
	}

	matched, trusted := e.matchTrustedDevice(ctx, access.PrincipalID, req.Fingerprint, lookup, rc.Now)

	history, err := e.sessions.LoginHistory(ctx, access.PrincipalID)
	if err != nil {
		return nil, apperrors.Internal("failed to load login history", err)
	}

	assessment := e.evaluator.Evaluate(rc.Now, lookup, history)
	if matched == nil {
		assessment.Add(risk.ReasonNewDevice, 0)
	}

	if !trusted && assessment.Score >= e.cfg.ChallengeRiskThreshold {
		return e.openChallenge(ctx, access, req, rc, lookup, assessment)
	}

	s := &session.Session{
		PrincipalID: access.PrincipalID,
		ClientID:    access.ClientID,
		Fingerprint: req.Fingerprint,
		Location:    lookup.Location,
		RiskScore:   assessment.Score,
	}
	if matched != nil {
		s.TrustedDeviceID = matched.ID
	}

	if err := e.sessions.Create(ctx, s, rc); err != nil {
		return nil, err
	}

	if matched != nil {
		if err := e.devices.Touch(ctx, matched.ID, rc.Now, rc.Now.Add(e.cfg.DeviceTrustDuration)); err != nil {
			e.logger.Warn("failed to refresh trusted device",
				zap.String("device_id", matched.ID),
				zap.Error(err),
			)
		}
	}

	if err := e.limiter.Clear(ctx, ratelimit.LoginKey(rc.IP)); err != nil {
		e.logger.Debug("failed to clear login counter", zap.Error(err))
	}

	token, err := e.tokens.Issue(s)
	if err != nil {
		return nil, apperrors.Internal("failed to issue session token", err)
	}

	metrics.RecordLoginAttempt("success")
	metrics.RecordRiskScore("allow", assessment.Score)
	metrics.ActiveSessionsGauge.Inc()

	return &BeginResult{
		Session:   s,
		Token:     token,
		RiskScore: assessment.Score,
		Reasons:   assessment.Reasons,
	}, nil
}

// ValidateRequest authorizes one authenticated portal request: it resolves
// the token to a session, runs the lifecycle checks, throttles by principal
// and IP, and records the activity.
func (e *Engine) ValidateRequest(ctx context.Context, token string, rc session.RequestContext) (*session.Session, error) {
	sessionID, err := e.tokens.Parse(token)
	if err != nil {
		return nil, err
	}

	s, err := e.sessions.Validate(ctx, sessionID, rc)
	if err != nil {
		e.noteValidationFailure(err)
		return nil, err
	}

	key := ratelimit.RequestKey(s.PrincipalID, rc.IP)
	if err := e.limiter.Allow(ctx, key, e.cfg.RequestRateLimit, e.cfg.RequestRateWindow); err != nil {
		// Over-limit requests are rejected but the session survives
		return nil, err
	}

	if err := e.sessions.Touch(ctx, s, rc); err != nil {
		e.noteValidationFailure(err)
		return nil, err
	}

	return s, nil
}

// ResolveChallenge consumes a verification token with the principal's
// decision
func (e *Engine) ResolveChallenge(ctx context.Context, token string, decision challenge.Decision, rc challenge.ResolveContext) (*challenge.Attempt, error) {
	a, err := e.challenges.Resolve(ctx, token, decision, rc)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrExpired) {
			metrics.RecordChallengeResolution("expired")
		}
		return nil, err
	}

	metrics.RecordChallengeResolution(string(a.Status))
	return a, nil
}

// EndSession terminates a session on the principal's request
func (e *Engine) EndSession(ctx context.Context, sessionID string, rc session.RequestContext) error {
	if err := e.sessions.Invalidate(ctx, sessionID, session.EndReasonManual, rc); err != nil {
		return err
	}

	metrics.ActiveSessionsGauge.Dec()
	e.recordAudit(ctx, audit.NewEvent(audit.ActionSessionEnd, audit.OutcomeSuccess).
		WithRequest(rc.IP, rc.UserAgent).
		WithResource(sessionID))
	return nil
}

// ListTrustedDevices returns the principal's active trusted devices
func (e *Engine) ListTrustedDevices(ctx context.Context, principalID string) ([]*device.TrustedDevice, error) {
	return e.devices.ListActiveByPrincipal(ctx, principalID)
}

// ActiveSessions returns the principal's active sessions
func (e *Engine) ActiveSessions(ctx context.Context, principalID string) ([]*session.Session, error) {
	return e.sessions.ListActive(ctx, principalID)
}

// RevokeTrustedDevice deactivates a trusted device so it can no longer vouch
// for logins. Devices belonging to other principals are reported as missing.
func (e *Engine) RevokeTrustedDevice(ctx context.Context, deviceID, ownerID string, rc session.RequestContext) error {
	d, err := e.devices.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			return apperrors.NotFound("device")
		}
		return err
	}
	if ownerID != "" && d.PrincipalID != ownerID {
		return apperrors.NotFound("device")
	}

	if err := e.devices.Revoke(ctx, deviceID); err != nil {
		return err
	}

	e.recordAudit(ctx, audit.NewEvent(audit.ActionDeviceRevoke, audit.OutcomeSuccess).
		WithPrincipal(d.PrincipalID).
		WithRequest(rc.IP, rc.UserAgent).
		WithResource(deviceID))
	return nil
}

// matchTrustedDevice finds an active trusted device whose stored fingerprint
// matches the submitted one. The second return is true only when the device
// also carries enough trust and the login location lines up with the
// device's, which is what lets a login bypass the challenge.
func (e *Engine) matchTrustedDevice(ctx context.Context, principalID string, fp risk.Fingerprint, lookup *geoip.Result, now time.Time) (*device.TrustedDevice, bool) {
	if fp.IsZero() {
		return nil, false
	}

	candidates, err := e.devices.ListActiveByPrincipal(ctx, principalID)
	if err != nil {
		e.logger.Warn("failed to list trusted devices",
			zap.String("principal_id", principalID),
			zap.Error(err),
		)
		return nil, false
	}

	for _, d := range candidates {
		if !e.matcher.MatchesDevice(d.Fingerprint, fp) {
			continue
		}
		trusted := d.Trusted(now) && lookup != nil && e.matcher.MatchesLocation(d.Location, lookup.Location)
		return d, trusted
	}
	return nil, false
}

// openChallenge records a suspicious login attempt and reports it to the
// caller in place of a session
func (e *Engine) openChallenge(ctx context.Context, access *principal.Access, req LoginRequest, rc session.RequestContext, lookup *geoip.Result, assessment risk.Assessment) (*BeginResult, error) {
	a := &challenge.Attempt{
		PrincipalID: access.PrincipalID,
		ClientID:    access.ClientID,
		Email:       req.Email,
		IPAddress:   rc.IP,
		UserAgent:   rc.UserAgent,
		Fingerprint: req.Fingerprint,
		Location:    lookup.Location,
		Reasons:     assessment.Reasons,
		RiskScore:   assessment.Score,
	}

	if err := e.challenges.Create(ctx, a, rc.Now); err != nil {
		return nil, apperrors.Internal("failed to open login challenge", err)
	}

	metrics.RecordLoginAttempt("challenge")
	metrics.RecordRiskScore("challenge", assessment.Score)

	e.logger.Info("login challenged",
		zap.String("principal_id", access.PrincipalID),
		zap.String("ip", rc.IP),
		zap.Int("risk_score", assessment.Score),
		zap.Any("reasons", assessment.Reasons),
	)

	return &BeginResult{
		ChallengeRequired: true,
		RiskScore:         assessment.Score,
		Reasons:           assessment.Reasons,
	}, nil
}

func (e *Engine) loginViolation(ctx context.Context, principalID string, rc session.RequestContext, kind string) error {
	metrics.RecordSecurityViolation(kind)
	e.recordAudit(ctx, audit.NewEvent(audit.ActionSecurityViolation, audit.OutcomeDenied).
		WithPrincipal(principalID).
		WithRequest(rc.IP, rc.UserAgent).
		WithMetadata("kind", kind))
	return apperrors.SecurityViolation(kind)
}

func (e *Engine) noteValidationFailure(err error) {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrSecurity:
		metrics.RecordSecurityViolation("session")
		metrics.ActiveSessionsGauge.Dec()
	case apperrors.ErrExpired:
		metrics.ActiveSessionsGauge.Dec()
	}
}

func (e *Engine) recordAudit(ctx context.Context, event *audit.Event) {
	if err := e.trail.Record(ctx, event); err != nil {
		e.logger.Error("failed to record audit event",
			zap.String("action", event.Action),
			zap.Error(err),
		)
	}
}
