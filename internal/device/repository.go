package device

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

// ErrNotFound is returned when no device matches the query
var ErrNotFound = errors.New("trusted device not found")

// PostgresRepository implements Repository against the trusted_devices table
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a trusted device repository
func NewPostgresRepository(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{
		pool:   pool,
		logger: logger.With(zap.String("component", "device_repository")),
	}
}

// Create inserts a new trusted device
func (r *PostgresRepository) Create(ctx context.Context, d *TrustedDevice) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fingerprintJSON, err := json.Marshal(d.Fingerprint)
	if err != nil {
		return err
	}
	locationJSON, err := json.Marshal(d.Location)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO trusted_devices (
			id, principal_id, fingerprint, device_name, ip_address, location,
			trust_level, verification_method, last_used_at, expires_at,
			is_active, created_from_suspicious_login, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.pool.Exec(ctx, query,
		d.ID, d.PrincipalID, fingerprintJSON, d.DeviceName, d.IPAddress,
		locationJSON, d.TrustLevel, d.VerificationMethod, d.LastUsedAt,
		d.ExpiresAt, d.IsActive, d.CreatedFromSuspiciousLogin, d.CreatedAt,
	)
	if err != nil {
		r.logger.Error("failed to create trusted device",
			zap.String("principal_id", d.PrincipalID),
			zap.Error(err),
		)
	}
	return err
}

// Get loads a device by ID
func (r *PostgresRepository) Get(ctx context.Context, id string) (*TrustedDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := selectDevice + ` WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	return scanDevice(row)
}

// ListActiveByPrincipal returns the active devices for a principal, most
// recently used first
func (r *PostgresRepository) ListActiveByPrincipal(ctx context.Context, principalID string) ([]*TrustedDevice, error) {
	return r.list(ctx, principalID, true)
}

// ListByPrincipal returns every device for a principal including revoked ones
func (r *PostgresRepository) ListByPrincipal(ctx context.Context, principalID string) ([]*TrustedDevice, error) {
	return r.list(ctx, principalID, false)
}

func (r *PostgresRepository) list(ctx context.Context, principalID string, activeOnly bool) ([]*TrustedDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := selectDevice + ` WHERE principal_id = $1`
	if activeOnly {
		query += ` AND is_active = true`
	}
	query += ` ORDER BY last_used_at DESC`

	rows, err := r.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*TrustedDevice
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Touch refreshes last_used_at and the expiry window
func (r *PostgresRepository) Touch(ctx context.Context, id string, usedAt, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		UPDATE trusted_devices
		SET last_used_at = $2, expires_at = $3
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, usedAt, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke deactivates a device. Revoking an already-revoked or unknown device
// is not an error.
func (r *PostgresRepository) Revoke(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `UPDATE trusted_devices SET is_active = false WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// RaiseTrust lifts the trust level; the GREATEST guard keeps a concurrent
// higher grant from being clobbered
func (r *PostgresRepository) RaiseTrust(ctx context.Context, id string, level int, method VerificationMethod) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		UPDATE trusted_devices
		SET trust_level = GREATEST(trust_level, $2), verification_method = $3
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, level, method)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const selectDevice = `
	SELECT id, principal_id, fingerprint, device_name, ip_address, location,
		trust_level, verification_method, last_used_at, expires_at,
		is_active, created_from_suspicious_login, created_at
	FROM trusted_devices`

func scanDevice(row pgx.Row) (*TrustedDevice, error) {
	var d TrustedDevice
	var fingerprintJSON, locationJSON []byte

	err := row.Scan(
		&d.ID, &d.PrincipalID, &fingerprintJSON, &d.DeviceName, &d.IPAddress,
		&locationJSON, &d.TrustLevel, &d.VerificationMethod, &d.LastUsedAt,
		&d.ExpiresAt, &d.IsActive, &d.CreatedFromSuspiciousLogin, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if len(fingerprintJSON) > 0 {
		if err := json.Unmarshal(fingerprintJSON, &d.Fingerprint); err != nil {
			d.Fingerprint = risk.Fingerprint{}
		}
	}
	if len(locationJSON) > 0 {
		if err := json.Unmarshal(locationJSON, &d.Location); err != nil {
			d.Location = geoip.Location{}
		}
	}

	return &d, nil
}
