package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lumera/portalguard/internal/geoip"
	"github.com/lumera/portalguard/internal/risk"
)

// PostgresRepository implements Repository against the portal_sessions table
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a session repository
func NewPostgresRepository(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{
		pool:   pool,
		logger: logger.With(zap.String("component", "session_repository")),
	}
}

// Create inserts a new session
func (r *PostgresRepository) Create(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fingerprintJSON, err := json.Marshal(s.Fingerprint)
	if err != nil {
		return err
	}
	locationJSON, err := json.Marshal(s.Location)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO portal_sessions (
			id, principal_id, client_id, ip_address, user_agent, fingerprint,
			location, risk_score, trusted_device_id, request_count,
			page_view_count, current_page,
			created_at, last_activity_at, last_extended_at, expires_at,
			is_active, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = r.pool.Exec(ctx, query,
		s.ID, s.PrincipalID, s.ClientID, s.IPAddress, s.UserAgent,
		fingerprintJSON, locationJSON, s.RiskScore,
		nullableString(s.TrustedDeviceID), s.RequestCount,
		s.PageViewCount, s.CurrentPage,
		s.CreatedAt, s.LastActivityAt, s.LastExtendedAt, s.ExpiresAt,
		s.IsActive, s.Version,
	)
	if err != nil {
		r.logger.Error("failed to create session",
			zap.String("principal_id", s.PrincipalID),
			zap.Error(err),
		)
	}
	return err
}

// Get loads a session by ID
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := selectSession + ` WHERE id = $1`
	return scanSession(r.pool.QueryRow(ctx, query, id))
}

// CountActiveByPrincipal counts the principal's active sessions
func (r *PostgresRepository) CountActiveByPrincipal(ctx context.Context, principalID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var count int
	query := `SELECT COUNT(*) FROM portal_sessions WHERE principal_id = $1 AND is_active = true`
	err := r.pool.QueryRow(ctx, query, principalID).Scan(&count)
	return count, err
}

// ListActiveByPrincipal returns the principal's active sessions, newest first
func (r *PostgresRepository) ListActiveByPrincipal(ctx context.Context, principalID string) ([]*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := selectSession + ` WHERE principal_id = $1 AND is_active = true ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateActivity writes the activity fields guarded by the version column
func (r *PostgresRepository) UpdateActivity(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		UPDATE portal_sessions
		SET ip_address = $2, risk_score = $3, request_count = $4,
			page_view_count = $5, current_page = $6,
			last_activity_at = $7, last_extended_at = $8, expires_at = $9,
			version = version + 1
		WHERE id = $1 AND version = $10 AND is_active = true`

	tag, err := r.pool.Exec(ctx, query,
		s.ID, s.IPAddress, s.RiskScore, s.RequestCount,
		s.PageViewCount, s.CurrentPage,
		s.LastActivityAt, s.LastExtendedAt, s.ExpiresAt, s.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	s.Version++
	return nil
}

// Invalidate ends a session; a second call against the same session changes
// nothing
func (r *PostgresRepository) Invalidate(ctx context.Context, id string, reason EndReason, endedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		UPDATE portal_sessions
		SET is_active = false, ended_at = $2, end_reason = $3, version = version + 1
		WHERE id = $1 AND is_active = true`

	_, err := r.pool.Exec(ctx, query, id, endedAt, reason)
	return err
}

// DistinctRecentIPs counts distinct source IPs across sessions the principal
// created since the given time
func (r *PostgresRepository) DistinctRecentIPs(ctx context.Context, principalID string, since time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var count int
	query := `
		SELECT COUNT(DISTINCT ip_address)
		FROM portal_sessions
		WHERE principal_id = $1 AND created_at >= $2`
	err := r.pool.QueryRow(ctx, query, principalID, since).Scan(&count)
	return count, err
}

// RecentLoginHistory returns the locations of recent session creations,
// newest first
func (r *PostgresRepository) RecentLoginHistory(ctx context.Context, principalID string, limit int) ([]risk.LoginRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		SELECT location, created_at
		FROM portal_sessions
		WHERE principal_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, principalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []risk.LoginRecord
	for rows.Next() {
		var locationJSON []byte
		var rec risk.LoginRecord
		if err := rows.Scan(&locationJSON, &rec.At); err != nil {
			return nil, err
		}
		if len(locationJSON) > 0 {
			if err := json.Unmarshal(locationJSON, &rec.Location); err != nil {
				rec.Location = geoip.Location{}
			}
		}
		history = append(history, rec)
	}
	return history, rows.Err()
}

// DeleteInactiveBefore purges ended sessions past the retention window
func (r *PostgresRepository) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	query := `DELETE FROM portal_sessions WHERE is_active = false AND last_activity_at < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const selectSession = `
	SELECT id, principal_id, client_id, ip_address, user_agent, fingerprint,
		location, risk_score, trusted_device_id, request_count,
		page_view_count, current_page,
		created_at, last_activity_at, last_extended_at, expires_at,
		is_active, ended_at, end_reason, version
	FROM portal_sessions`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var fingerprintJSON, locationJSON []byte
	var trustedDeviceID, endReason *string

	err := row.Scan(
		&s.ID, &s.PrincipalID, &s.ClientID, &s.IPAddress, &s.UserAgent,
		&fingerprintJSON, &locationJSON, &s.RiskScore, &trustedDeviceID,
		&s.RequestCount, &s.PageViewCount, &s.CurrentPage,
		&s.CreatedAt, &s.LastActivityAt, &s.LastExtendedAt,
		&s.ExpiresAt, &s.IsActive, &s.EndedAt, &endReason, &s.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if trustedDeviceID != nil {
		s.TrustedDeviceID = *trustedDeviceID
	}
	if endReason != nil {
		s.EndReason = EndReason(*endReason)
	}
	if len(fingerprintJSON) > 0 {
		if err := json.Unmarshal(fingerprintJSON, &s.Fingerprint); err != nil {
			s.Fingerprint = risk.Fingerprint{}
		}
	}
	if len(locationJSON) > 0 {
		if err := json.Unmarshal(locationJSON, &s.Location); err != nil {
			s.Location = geoip.Location{}
		}
	}

	return &s, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
