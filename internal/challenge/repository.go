package challenge

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

// PostgresRepository implements Repository against the
// suspicious_login_attempts table
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a login attempt repository
func NewPostgresRepository(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{
		pool:   pool,
		logger: logger.With(zap.String("component", "challenge_repository")),
	}
}

// Create inserts a new pending attempt
func (r *PostgresRepository) Create(ctx context.Context, a *Attempt) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fingerprintJSON, err := json.Marshal(a.Fingerprint)
	if err != nil {
		return err
	}
	locationJSON, err := json.Marshal(a.Location)
	if err != nil {
		return err
	}
	reasonsJSON, err := json.Marshal(a.Reasons)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO suspicious_login_attempts (
			id, principal_id, client_id, email, verification_token,
			ip_address, user_agent, fingerprint, location, reasons,
			risk_score, status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = r.pool.Exec(ctx, query,
		a.ID, a.PrincipalID, a.ClientID, a.Email, a.VerificationToken,
		a.IPAddress, a.UserAgent, fingerprintJSON, locationJSON, reasonsJSON,
		a.RiskScore, a.Status, a.CreatedAt, a.ExpiresAt,
	)
	if err != nil {
		r.logger.Error("failed to create login attempt",
			zap.String("principal_id", a.PrincipalID),
			zap.Error(err),
		)
	}
	return err
}

// GetByToken loads an attempt by its verification token
func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (*Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := selectAttempt + ` WHERE verification_token = $1`
	return scanAttempt(r.pool.QueryRow(ctx, query, token))
}

// ListPendingByPrincipal returns the principal's unresolved attempts, newest
// first
func (r *PostgresRepository) ListPendingByPrincipal(ctx context.Context, principalID string) ([]*Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := selectAttempt + ` WHERE principal_id = $1 AND status = 'pending' ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Resolve performs the pending-to-terminal transition as a single guarded
// update so a token is consumed at most once
func (r *PostgresRepository) Resolve(ctx context.Context, token string, to Status, resolvedAt time.Time, ip, userAgent string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		UPDATE suspicious_login_attempts
		SET status = $2, resolved_at = $3, resolution_ip = $4, resolution_agent = $5
		WHERE verification_token = $1 AND status = 'pending'`

	tag, err := r.pool.Exec(ctx, query, token, to, resolvedAt, ip, userAgent)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireStale transitions overdue pending attempts to expired
func (r *PostgresRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	query := `
		UPDATE suspicious_login_attempts
		SET status = 'expired', resolved_at = $1
		WHERE status = 'pending' AND expires_at < $1`

	tag, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const selectAttempt = `
	SELECT id, principal_id, client_id, email, verification_token,
		ip_address, user_agent, fingerprint, location, reasons,
		risk_score, status, created_at, expires_at,
		resolved_at, resolution_ip, resolution_agent
	FROM suspicious_login_attempts`

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var a Attempt
	var fingerprintJSON, locationJSON, reasonsJSON []byte
	var resolutionIP, resolutionAgent *string

	err := row.Scan(
		&a.ID, &a.PrincipalID, &a.ClientID, &a.Email, &a.VerificationToken,
		&a.IPAddress, &a.UserAgent, &fingerprintJSON, &locationJSON,
		&reasonsJSON, &a.RiskScore, &a.Status, &a.CreatedAt, &a.ExpiresAt,
		&a.ResolvedAt, &resolutionIP, &resolutionAgent,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if resolutionIP != nil {
		a.ResolutionIP = *resolutionIP
	}
	if resolutionAgent != nil {
		a.ResolutionAgent = *resolutionAgent
	}
	if len(fingerprintJSON) > 0 {
		if err := json.Unmarshal(fingerprintJSON, &a.Fingerprint); err != nil {
			a.Fingerprint = risk.Fingerprint{}
		}
	}
	if len(locationJSON) > 0 {
		if err := json.Unmarshal(locationJSON, &a.Location); err != nil {
			a.Location = geoip.Location{}
		}
	}
	if len(reasonsJSON) > 0 {
		if err := json.Unmarshal(reasonsJSON, &a.Reasons); err != nil {
			a.Reasons = nil
		}
	}

	return &a, nil
}
