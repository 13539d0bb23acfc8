// Package principal provides read-only access to the portal principal store:
// credentials, portal access flags, and login restrictions. The engine
// consults this configuration but does not own it.
package principal

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// ErrNotFound is returned when no principal matches the query
var ErrNotFound = errors.New("principal not found")

// Access describes a principal's portal access policy
type Access struct {
	PrincipalID   string
	ClientID      string
	Active        bool
	PortalEnabled bool
	AllowedCIDRs  []string // empty means any IP
	// Allowed login hours in UTC, inclusive start, exclusive end.
	// Nil means any time of day.
	AllowedStartHour *int
	AllowedEndHour   *int
}

// IPAllowed reports whether the given IP satisfies the CIDR restrictions
func (a *Access) IPAllowed(ip string) bool {
	if len(a.AllowedCIDRs) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range a.AllowedCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}

// TimeAllowed reports whether the given time satisfies the hour-of-day window
func (a *Access) TimeAllowed(now time.Time) bool {
	if a.AllowedStartHour == nil || a.AllowedEndHour == nil {
		return true
	}
	hour := now.UTC().Hour()
	start, end := *a.AllowedStartHour, *a.AllowedEndHour
	if start <= end {
		return hour >= start && hour < end
	}
	// Window wraps midnight
	return hour >= start || hour < end
}

// Store reads principal records
type Store interface {
	// Authenticate verifies credentials and returns the principal's access
	// policy. Returns ErrNotFound for unknown principals and
	// bcrypt.ErrMismatchedHashAndPassword for bad passwords; callers must
	// collapse both into a generic unauthorized response.
	Authenticate(ctx context.Context, clientID, email, password string) (*Access, error)

	// Access returns the current access policy for a known principal
	Access(ctx context.Context, principalID string) (*Access, error)
}

// PostgresStore implements Store against the portal_principals table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a principal store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Authenticate verifies the password hash and loads the access policy
func (s *PostgresStore) Authenticate(ctx context.Context, clientID, email, password string) (*Access, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		SELECT id, client_id, password_hash, active, portal_enabled,
			allowed_cidrs, allowed_start_hour, allowed_end_hour
		FROM portal_principals
		WHERE client_id = $1 AND lower(email) = lower($2)`

	var access Access
	var passwordHash string
	err := s.pool.QueryRow(ctx, query, clientID, email).Scan(
		&access.PrincipalID, &access.ClientID, &passwordHash, &access.Active,
		&access.PortalEnabled, &access.AllowedCIDRs,
		&access.AllowedStartHour, &access.AllowedEndHour,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return nil, err
	}

	return &access, nil
}

// Access loads the current access policy for a principal
func (s *PostgresStore) Access(ctx context.Context, principalID string) (*Access, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		SELECT id, client_id, active, portal_enabled,
			allowed_cidrs, allowed_start_hour, allowed_end_hour
		FROM portal_principals
		WHERE id = $1`

	var access Access
	err := s.pool.QueryRow(ctx, query, principalID).Scan(
		&access.PrincipalID, &access.ClientID, &access.Active,
		&access.PortalEnabled, &access.AllowedCIDRs,
		&access.AllowedStartHour, &access.AllowedEndHour,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &access, nil
}
