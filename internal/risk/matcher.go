// Package risk provides risk assessment for portal logins: device fingerprint
// matching, geographic signals, and anomaly scoring.
package risk

import (
	"math"

	"github.com/lumera/portalguard/internal/geoip"
)

// Fingerprint is a structured snapshot of client attributes used for device
// recognition. Empty fields mean the client did not report that attribute.
type Fingerprint struct {
	Browser          string `json:"browser"`
	BrowserVersion   string `json:"browser_version"`
	OS               string `json:"os"`
	OSVersion        string `json:"os_version"`
	ScreenResolution string `json:"screen_resolution"`
	Timezone         string `json:"timezone"`
}

// IsZero reports whether no fingerprint attributes were submitted
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// fields returns the comparable attributes in a fixed order
func (f Fingerprint) fields() [6]string {
	return [6]string{f.Browser, f.BrowserVersion, f.OS, f.OSVersion, f.ScreenResolution, f.Timezone}
}

// MatcherConfig holds thresholds for device and location matching
type MatcherConfig struct {
	SimilarityThreshold float64 // fingerprint field match ratio, default 0.8
	LocationThresholdKm float64 // great-circle distance, default 100
}

// DefaultMatcherConfig returns the default matcher thresholds
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		SimilarityThreshold: 0.8,
		LocationThresholdKm: 100,
	}
}

// Matcher compares submitted fingerprints and locations against trusted
// device records. All methods are pure comparisons; the caller decides what a
// non-match means.
type Matcher struct {
	cfg MatcherConfig
}

// NewMatcher creates a matcher with the given thresholds
func NewMatcher(cfg MatcherConfig) *Matcher {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.8
	}
	if cfg.LocationThresholdKm <= 0 {
		cfg.LocationThresholdKm = 100
	}
	return &Matcher{cfg: cfg}
}

// Similarity returns the ratio of matching fields over fields present in both
// fingerprints, along with the number of comparable fields.
func Similarity(stored, submitted Fingerprint) (float64, int) {
	a, b := stored.fields(), submitted.fields()

	comparable := 0
	matching := 0
	for i := range a {
		if a[i] == "" || b[i] == "" {
			continue
		}
		comparable++
		if a[i] == b[i] {
			matching++
		}
	}

	if comparable == 0 {
		return 0, 0
	}
	return float64(matching) / float64(comparable), comparable
}

// MatchesDevice reports whether a submitted fingerprint matches a stored one.
// With no comparable fields the answer is false: trust cannot be asserted
// from no data.
func (m *Matcher) MatchesDevice(stored, submitted Fingerprint) bool {
	ratio, comparable := Similarity(stored, submitted)
	if comparable < 1 {
		return false
	}
	return ratio >= m.cfg.SimilarityThreshold
}

// MatchesLocation reports whether a submitted location is near a stored one.
// With coordinates on both sides the test is great-circle distance against
// the configured threshold; otherwise it falls back to country code equality.
func (m *Matcher) MatchesLocation(stored, submitted geoip.Location) bool {
	if stored.HasCoordinates() && submitted.HasCoordinates() {
		d := HaversineKm(stored.Latitude, stored.Longitude, submitted.Latitude, submitted.Longitude)
		return d <= m.cfg.LocationThresholdKm+distanceEpsilonKm
	}
	if stored.CountryCode == "" || submitted.CountryCode == "" {
		return false
	}
	return stored.CountryCode == submitted.CountryCode
}

const (
	earthRadiusKm     = 6371
	distanceEpsilonKm = 1e-9
)

// HaversineKm computes the great-circle distance between two points in km
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Asin(math.Min(1, math.Sqrt(a)))

	return earthRadiusKm * c
}
