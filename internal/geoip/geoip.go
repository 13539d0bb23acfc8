// Package geoip provides IP geolocation and threat lookups with a read-through
// cache backed by the ip_lookup_log table.
package geoip

import (
	"context"
	"time"
)

// ThreatLevel classifies how dangerous an IP looks according to the provider
type ThreatLevel string

const (
	ThreatLevelUnknown  ThreatLevel = ""
	ThreatLevelLow      ThreatLevel = "low"
	ThreatLevelMedium   ThreatLevel = "medium"
	ThreatLevelHigh     ThreatLevel = "high"
	ThreatLevelCritical ThreatLevel = "critical"
)

// Location holds geographic data for an IP or a login
type Location struct {
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	Timezone    string  `json:"timezone"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// HasCoordinates reports whether the location carries usable lat/long data
func (l Location) HasCoordinates() bool {
	return l.Latitude != 0 || l.Longitude != 0
}

// Result represents a geo/threat lookup for an IP address
type Result struct {
	IPAddress   string      `json:"ip_address"`
	Location    Location    `json:"location"`
	ISP         string      `json:"isp"`
	IsVPN       bool        `json:"is_vpn"`
	IsProxy     bool        `json:"is_proxy"`
	IsTor       bool        `json:"is_tor"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	LookedUpAt  time.Time   `json:"looked_up_at"`
}

// Record is a cached lookup as persisted in ip_lookup_log
type Record struct {
	Result
	CachedUntil time.Time `json:"cached_until"`
	LookupCount int       `json:"lookup_count"`
}

// Stale reports whether the cached record must not be trusted anymore
func (r *Record) Stale(now time.Time) bool {
	return now.After(r.CachedUntil)
}

// Provider is the external geo/threat intelligence collaborator
type Provider interface {
	Lookup(ctx context.Context, ip string) (*Result, error)
}

// Store persists cached lookups. Upserts are last-writer-wins; the data is
// advisory and concurrent refreshes of the same IP are harmless.
type Store interface {
	Get(ctx context.Context, ip string) (*Record, error)
	Upsert(ctx context.Context, rec *Record) error
}
