package session

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumera/portalguard/internal/audit"
	apperrors "github.com/lumera/portalguard/internal/common/errors"
	"github.com/lumera/portalguard/internal/principal"
	"github.com/lumera/portalguard/internal/risk"
)

const maxRiskScore = 100

// ManagerConfig holds the lifecycle tunables
type ManagerConfig struct {
	Timeout               time.Duration
	MaxConcurrent         int // 0 = unlimited
	ExtendDebounce        time.Duration
	DecayQuiescence       time.Duration
	IPDriftScore          int
	HijackDistinctIPLimit int
	HijackWindow          time.Duration
	Retention             time.Duration
	CleanupSampleRate     float64
	HistorySize           int
}

// Manager drives the session state machine. A session moves from active to
// ended exactly once; there is no resurrection.
type Manager struct {
	repo       Repository
	principals principal.Store
	trail      audit.Recorder
	cfg        ManagerConfig
	logger     *zap.Logger
}

// NewManager creates a session lifecycle manager
func NewManager(repo Repository, principals principal.Store, trail audit.Recorder, cfg ManagerConfig, logger *zap.Logger) *Manager {
	return &Manager{
		repo:       repo,
		principals: principals,
		trail:      trail,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "session_manager")),
	}
}

// Create starts a new session for the principal, enforcing the concurrent
// session cap. The caller supplies identity and risk fields; timestamps and
// expiry come from the request context.
func (m *Manager) Create(ctx context.Context, s *Session, rc RequestContext) error {
	if m.cfg.MaxConcurrent > 0 {
		count, err := m.repo.CountActiveByPrincipal(ctx, s.PrincipalID)
		if err != nil {
			return err
		}
		if count >= m.cfg.MaxConcurrent {
			return apperrors.ConcurrentLimit(m.cfg.MaxConcurrent)
		}
	}

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.IPAddress = rc.IP
	s.UserAgent = rc.UserAgent
	s.CreatedAt = rc.Now
	s.LastActivityAt = rc.Now
	s.LastExtendedAt = rc.Now
	s.ExpiresAt = rc.Now.Add(m.cfg.Timeout)
	s.IsActive = true
	s.Version = 1

	event := audit.NewEvent(audit.ActionSessionCreate, audit.OutcomeSuccess).
		WithPrincipal(s.PrincipalID).
		WithRequest(rc.IP, rc.UserAgent).
		WithResource(s.ID).
		WithMetadata("risk_score", s.RiskScore)
	if err := m.trail.Record(ctx, event); err != nil {
		return err
	}

	return m.repo.Create(ctx, s)
}

// Validate checks that a session is still usable. Every failure ends the
// session with a matching reason before the error is returned, so no other
// code path needs its own invalidation logic.
func (m *Manager) Validate(ctx context.Context, sessionID string, rc RequestContext) (*Session, error) {
	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.NotFound("session")
		}
		return nil, err
	}

	if !s.IsActive {
		return nil, apperrors.Unauthorized()
	}

	if s.Expired(rc.Now) {
		m.invalidate(ctx, s, EndReasonTimeout, rc)
		return nil, apperrors.Expired("session")
	}

	access, err := m.principals.Access(ctx, s.PrincipalID)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			m.invalidate(ctx, s, EndReasonPrincipalInactive, rc)
			return nil, apperrors.Unauthorized()
		}
		return nil, err
	}
	if !access.Active {
		m.invalidate(ctx, s, EndReasonPrincipalInactive, rc)
		return nil, apperrors.Unauthorized()
	}
	if !access.PortalEnabled {
		m.invalidate(ctx, s, EndReasonAccessDisabled, rc)
		return nil, apperrors.Unauthorized()
	}

	if !access.IPAllowed(rc.IP) {
		m.invalidate(ctx, s, EndReasonSecurityViolation, rc)
		return nil, apperrors.SecurityViolation("source ip outside allowed ranges")
	}
	if !access.TimeAllowed(rc.Now) {
		m.invalidate(ctx, s, EndReasonSecurityViolation, rc)
		return nil, apperrors.SecurityViolation("login outside allowed hours")
	}

	return s, nil
}

// Touch records request activity on a validated session: bumps the request
// and page-view counters, extends the expiry when the debounce window has
// elapsed, decays the risk score after quiescence, and scores IP drift. Drift combined with heavy recent IP churn
// across the principal's sessions is treated as hijacking and ends the
// session.
func (m *Manager) Touch(ctx context.Context, s *Session, rc RequestContext) error {
	if rc.IP != "" && rc.IP != s.IPAddress {
		since := rc.Now.Add(-m.cfg.HijackWindow)
		distinct, err := m.repo.DistinctRecentIPs(ctx, s.PrincipalID, since)
		if err != nil {
			return err
		}
		if distinct > m.cfg.HijackDistinctIPLimit {
			m.invalidate(ctx, s, EndReasonSecurityViolation, rc)
			return apperrors.SecurityViolation("excessive ip churn for principal")
		}

		m.logger.Warn("session ip drift",
			zap.String("session_id", s.ID),
			zap.String("bound_ip", s.IPAddress),
			zap.String("request_ip", rc.IP),
			zap.Int("distinct_recent_ips", distinct),
		)
		s.RiskScore += m.cfg.IPDriftScore
		if s.RiskScore > maxRiskScore {
			s.RiskScore = maxRiskScore
		}
		s.IPAddress = rc.IP
	} else if s.RiskScore > 0 && rc.Now.Sub(s.LastActivityAt) >= m.cfg.DecayQuiescence {
		s.RiskScore--
	}

	if rc.Now.Sub(s.LastExtendedAt) >= m.cfg.ExtendDebounce {
		s.ExpiresAt = rc.Now.Add(m.cfg.Timeout)
		s.LastExtendedAt = rc.Now
	}

	s.LastActivityAt = rc.Now
	s.RequestCount++
	if rc.Path != "" {
		s.PageViewCount++
		s.CurrentPage = rc.Path
	}

	if err := m.repo.UpdateActivity(ctx, s); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// An overlapping request from the same session won the write;
			// its activity update stands
			m.logger.Debug("concurrent session update lost race",
				zap.String("session_id", s.ID))
			return nil
		}
		return err
	}

	m.maybeCleanup(rc.Now)
	return nil
}

// Invalidate ends a session with the given reason. Ending an already-ended
// session is a no-op.
func (m *Manager) Invalidate(ctx context.Context, sessionID string, reason EndReason, rc RequestContext) error {
	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperrors.NotFound("session")
		}
		return err
	}
	if !s.IsActive {
		return nil
	}
	m.invalidate(ctx, s, reason, rc)
	return nil
}

func (m *Manager) invalidate(ctx context.Context, s *Session, reason EndReason, rc RequestContext) {
	event := audit.NewEvent(audit.ActionSessionInvalidate, audit.OutcomeSuccess).
		WithPrincipal(s.PrincipalID).
		WithRequest(rc.IP, rc.UserAgent).
		WithResource(s.ID).
		WithMetadata("reason", string(reason))
	if err := m.trail.Record(ctx, event); err != nil {
		m.logger.Error("failed to audit session invalidation",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}

	if err := m.repo.Invalidate(ctx, s.ID, reason, rc.Now); err != nil {
		m.logger.Error("failed to invalidate session",
			zap.String("session_id", s.ID),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		return
	}

	s.IsActive = false
	s.EndReason = reason
	endedAt := rc.Now
	s.EndedAt = &endedAt
}

// LoginHistory returns the principal's recent login locations, newest first
func (m *Manager) LoginHistory(ctx context.Context, principalID string) ([]risk.LoginRecord, error) {
	return m.repo.RecentLoginHistory(ctx, principalID, m.cfg.HistorySize)
}

// ListActive returns the principal's active sessions
func (m *Manager) ListActive(ctx context.Context, principalID string) ([]*Session, error) {
	return m.repo.ListActiveByPrincipal(ctx, principalID)
}

// Cleanup purges ended sessions past the retention window
func (m *Manager) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	return m.repo.DeleteInactiveBefore(ctx, now.Add(-m.cfg.Retention))
}

// RunCleanup runs Cleanup on the given interval until the context ends
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purged, err := m.Cleanup(ctx, now)
			if err != nil {
				m.logger.Error("session cleanup failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				m.logger.Info("purged expired sessions", zap.Int64("count", purged))
			}
		}
	}
}

// maybeCleanup occasionally kicks off a purge off the request path
func (m *Manager) maybeCleanup(now time.Time) {
	if m.cfg.CleanupSampleRate <= 0 || rand.Float64() >= m.cfg.CleanupSampleRate {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := m.Cleanup(ctx, now); err != nil {
			m.logger.Error("sampled session cleanup failed", zap.Error(err))
		}
	}()
}
