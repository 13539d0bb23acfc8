package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/lumera/portalguard/internal/geoip"
)

func usHistory(at time.Time) []LoginRecord {
	return []LoginRecord{
		{
			Location: geoip.Location{
				Country:     "United States",
				CountryCode: "US",
				Region:      "New York",
				Latitude:    40.7128,
				Longitude:   -74.0060,
			},
			At: at,
		},
	}
}

func TestEvaluateNewCountryWithVPN(t *testing.T) {
	e := NewEvaluator(DefaultEvaluatorConfig(), zap.NewNop())
	now := time.Now()

	lookup := &geoip.Result{
		IPAddress: "185.220.101.5",
		Location:  geoip.Location{Country: "Russia", CountryCode: "RU", Region: "Moscow"},
		IsVPN:     true,
	}

	a := e.Evaluate(now, lookup, usHistory(now.Add(-24*time.Hour)))

	assert.ElementsMatch(t, []DetectionReason{ReasonNewCountry, ReasonVPNDetected}, a.Reasons)
	assert.Equal(t, 30, a.Score, "score is exactly the VPN weight")
}

func TestEvaluateKnownCountryCleanLogin(t *testing.T) {
	e := NewEvaluator(DefaultEvaluatorConfig(), zap.NewNop())
	now := time.Now()

	lookup := &geoip.Result{
		IPAddress: "72.229.28.185",
		Location:  geoip.Location{CountryCode: "US", Region: "New York", Latitude: 40.73, Longitude: -73.99},
	}

	a := e.Evaluate(now, lookup, usHistory(now.Add(-8*time.Hour)))

	assert.Empty(t, a.Reasons)
	assert.Equal(t, 0, a.Score)
}

func TestEvaluateNewRegion(t *testing.T) {
	e := NewEvaluator(DefaultEvaluatorConfig(), zap.NewNop())
	now := time.Now()

	lookup := &geoip.Result{
		IPAddress: "104.28.2.1",
		Location:  geoip.Location{CountryCode: "US", Region: "California"},
	}

	a := e.Evaluate(now, lookup, usHistory(now.Add(-24*time.Hour)))

	assert.ElementsMatch(t, []DetectionReason{ReasonNewRegion}, a.Reasons)
	assert.Equal(t, 0, a.Score, "region novelty is a signal, not a score")
}

func TestEvaluateImpossibleTravel(t *testing.T) {
	e := NewEvaluator(DefaultEvaluatorConfig(), zap.NewNop())
	now := time.Now()

	// NYC an hour ago, now London: ~5570 km in 1h is far beyond 900 km/h
	lookup := &geoip.Result{
		IPAddress: "81.2.69.142",
		Location:  geoip.Location{CountryCode: "GB", Region: "England", Latitude: 51.5074, Longitude: -0.1278},
	}

	a := e.Evaluate(now, lookup, usHistory(now.Add(-time.Hour)))

	assert.True(t, a.Has(ReasonImpossibleTravel))
	assert.True(t, a.Has(ReasonNewCountry))
	assert.Equal(t, 60, a.Score)
}

func TestEvaluatePlausibleTravelNotFlagged(t *testing.T) {
	e := NewEvaluator(DefaultEvaluatorConfig(), zap.NewNop())
	now := time.Now()

	// NYC to London in 8 hours is ordinary airline travel
	lookup := &geoip.Result{
		IPAddress: "81.2.69.142",
		Location:  geoip.Location{CountryCode: "GB", Latitude: 51.5074, Longitude: -0.1278},
	}

	a := e.Evaluate(now, lookup, usHistory(now.Add(-8*time.Hour)))

	assert.False(t, a.Has(ReasonImpossibleTravel))
}

func TestEvaluateShortHopsNeverFlagTravel(t *testing.T) {
	e := NewEvaluator(DefaultEvaluatorConfig(), zap.NewNop())
	now := time.Now()

	// 15 km in one minute exceeds 900 km/h but is below the distance floor
	history := []LoginRecord{{
		Location: geoip.Location{CountryCode: "US", Latitude: 37.7749, Longitude: -122.4194},
		At:       now.Add(-time.Minute),
	}}
	lookup := &geoip.Result{
		IPAddress: "4.2.2.2",
		Location:  geoip.Location{CountryCode: "US", Latitude: 37.8044, Longitude: -122.2711},
	}

	a := e.Evaluate(now, lookup, history)

	assert.False(t, a.Has(ReasonImpossibleTravel))
}

func TestEvaluateThreatLevels(t *testing.T) {
	e := NewEvaluator(DefaultEvaluatorConfig(), zap.NewNop())
	now := time.Now()

	tests := []struct {
		level geoip.ThreatLevel
		score int
	}{
		{geoip.ThreatLevelLow, 10},
		{geoip.ThreatLevelMedium, 40},
		{geoip.ThreatLevelHigh, 75},
		{geoip.ThreatLevelCritical, 100},
		{geoip.ThreatLevelUnknown, 0},
	}

	for _, tt := range tests {
		lookup := &geoip.Result{IPAddress: "1.2.3.4", ThreatLevel: tt.level}
		a := e.Evaluate(now, lookup, nil)
		assert.Equal(t, tt.score, a.Score, "threat level %q", tt.level)
	}
}

func TestEvaluateDenylists(t *testing.T) {
	cfg := DefaultEvaluatorConfig()
	cfg.SuspiciousISPs = []string{"ColoCrossing"}
	cfg.HighRiskCountries = []string{"KP"}
	e := NewEvaluator(cfg, zap.NewNop())
	now := time.Now()

	t.Run("suspicious isp", func(t *testing.T) {
		lookup := &geoip.Result{IPAddress: "1.2.3.4", ISP: "colocrossing hosting llc"}
		a := e.Evaluate(now, lookup, nil)
		assert.True(t, a.Has(ReasonSuspiciousISP))
		assert.Equal(t, 20, a.Score)
	})

	t.Run("high risk country", func(t *testing.T) {
		lookup := &geoip.Result{IPAddress: "1.2.3.4", Location: geoip.Location{CountryCode: "kp"}}
		a := e.Evaluate(now, lookup, nil)
		assert.True(t, a.Has(ReasonHighRiskCountry))
		assert.Equal(t, 35, a.Score)
	})
}

func TestEvaluateScoreCap(t *testing.T) {
	e := NewEvaluator(DefaultEvaluatorConfig(), zap.NewNop())
	now := time.Now()

	lookup := &geoip.Result{
		IPAddress:   "185.220.101.5",
		IsVPN:       true,
		IsProxy:     true,
		IsTor:       true,
		ThreatLevel: geoip.ThreatLevelCritical,
	}

	a := e.Evaluate(now, lookup, nil)
	assert.Equal(t, 100, a.Score)
}

func TestEvaluateNilLookup(t *testing.T) {
	e := NewEvaluator(DefaultEvaluatorConfig(), zap.NewNop())
	a := e.Evaluate(time.Now(), nil, usHistory(time.Now()))
	assert.Empty(t, a.Reasons)
	assert.Equal(t, 0, a.Score)
}

func TestAssessmentAdd(t *testing.T) {
	var a Assessment
	a.Add(ReasonNewDevice, 0)
	a.Add(ReasonNewDevice, 0)
	assert.Len(t, a.Reasons, 1, "duplicate reasons are ignored")

	a.Add(ReasonTorDetected, 50)
	a.Add(ReasonVPNDetected, 30)
	a.Add(ReasonProxyDetected, 25)
	assert.Equal(t, 100, a.Score, "score is capped")
}
