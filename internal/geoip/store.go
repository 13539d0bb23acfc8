package geoip

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using the ip_lookup_log table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed lookup cache
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get returns the cached record for an IP, or nil when none exists
func (s *PostgresStore) Get(ctx context.Context, ip string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		SELECT ip_address, country, country_code, region, city, timezone,
			latitude, longitude, isp, is_vpn, is_proxy, is_tor, threat_level,
			looked_up_at, cached_until, lookup_count
		FROM ip_lookup_log
		WHERE ip_address = $1`

	var rec Record
	err := s.pool.QueryRow(ctx, query, ip).Scan(
		&rec.IPAddress, &rec.Location.Country, &rec.Location.CountryCode,
		&rec.Location.Region, &rec.Location.City, &rec.Location.Timezone,
		&rec.Location.Latitude, &rec.Location.Longitude, &rec.ISP,
		&rec.IsVPN, &rec.IsProxy, &rec.IsTor, &rec.ThreatLevel,
		&rec.LookedUpAt, &rec.CachedUntil, &rec.LookupCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &rec, nil
}

// Upsert writes a record, last-writer-wins on refresh
func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		INSERT INTO ip_lookup_log (
			ip_address, country, country_code, region, city, timezone,
			latitude, longitude, isp, is_vpn, is_proxy, is_tor, threat_level,
			looked_up_at, cached_until, lookup_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (ip_address) DO UPDATE SET
			country = EXCLUDED.country,
			country_code = EXCLUDED.country_code,
			region = EXCLUDED.region,
			city = EXCLUDED.city,
			timezone = EXCLUDED.timezone,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			isp = EXCLUDED.isp,
			is_vpn = EXCLUDED.is_vpn,
			is_proxy = EXCLUDED.is_proxy,
			is_tor = EXCLUDED.is_tor,
			threat_level = EXCLUDED.threat_level,
			looked_up_at = EXCLUDED.looked_up_at,
			cached_until = EXCLUDED.cached_until,
			lookup_count = EXCLUDED.lookup_count`

	_, err := s.pool.Exec(ctx, query,
		rec.IPAddress, rec.Location.Country, rec.Location.CountryCode,
		rec.Location.Region, rec.Location.City, rec.Location.Timezone,
		rec.Location.Latitude, rec.Location.Longitude, rec.ISP,
		rec.IsVPN, rec.IsProxy, rec.IsTor, rec.ThreatLevel,
		rec.LookedUpAt, rec.CachedUntil, rec.LookupCount,
	)
	return err
}
