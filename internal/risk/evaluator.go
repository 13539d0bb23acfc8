package risk

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lumera/portalguard/internal/geoip"
)

// DetectionReason identifies an individual anomaly signal on a login
type DetectionReason string

const (
	ReasonNewCountry       DetectionReason = "new_country"
	ReasonNewRegion        DetectionReason = "new_region"
	ReasonVPNDetected      DetectionReason = "vpn_detected"
	ReasonProxyDetected    DetectionReason = "proxy_detected"
	ReasonTorDetected      DetectionReason = "tor_detected"
	ReasonSuspiciousISP    DetectionReason = "suspicious_isp"
	ReasonHighRiskCountry  DetectionReason = "high_risk_country"
	ReasonImpossibleTravel DetectionReason = "impossible_travel"
	ReasonNewDevice        DetectionReason = "new_device"
)

// Assessment is the outcome of evaluating a login's risk signals
type Assessment struct {
	Reasons []DetectionReason `json:"reasons"`
	Score   int               `json:"score"` // 0-100
}

// Has reports whether the assessment carries the given reason
func (a Assessment) Has(reason DetectionReason) bool {
	for _, r := range a.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// Add appends a reason and its weight, keeping the score capped at 100.
// Duplicate reasons are ignored.
func (a *Assessment) Add(reason DetectionReason, weight int) {
	if a.Has(reason) {
		return
	}
	a.Reasons = append(a.Reasons, reason)
	a.Score += weight
	if a.Score > 100 {
		a.Score = 100
	}
	if a.Score < 0 {
		a.Score = 0
	}
}

// LoginRecord is one entry of a principal's successful-login history, most
// recent first.
type LoginRecord struct {
	Location geoip.Location `json:"location"`
	At       time.Time      `json:"at"`
}

// Weights assigns a score contribution per detection reason. New-country,
// new-region, and new-device are recorded as reasons but contribute no score
// on their own; the anonymization and threat signals carry the weight.
type Weights struct {
	VPN              int
	Proxy            int
	Tor              int
	SuspiciousISP    int
	HighRiskCountry  int
	ImpossibleTravel int
	ThreatLow        int
	ThreatMedium     int
	ThreatHigh       int
	ThreatCritical   int
}

// DefaultWeights returns the standard scoring weights
func DefaultWeights() Weights {
	return Weights{
		VPN:              30,
		Proxy:            25,
		Tor:              50,
		SuspiciousISP:    20,
		HighRiskCountry:  35,
		ImpossibleTravel: 60,
		ThreatLow:        10,
		ThreatMedium:     40,
		ThreatHigh:       75,
		ThreatCritical:   100,
	}
}

// EvaluatorConfig holds the tunables for geographic risk evaluation
type EvaluatorConfig struct {
	Weights             Weights
	MaxTravelSpeedKmh   float64  // plausibility ceiling, default 900 (aircraft)
	MinTravelDistanceKm float64  // distances below this never flag travel, default 100
	HistorySize         int      // how many prior logins to consider for new-country/region
	SuspiciousISPs      []string // ISP denylist, case-insensitive substring match
	HighRiskCountries   []string // ISO country codes
}

// DefaultEvaluatorConfig returns the default evaluation configuration
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		Weights:             DefaultWeights(),
		MaxTravelSpeedKmh:   900,
		MinTravelDistanceKm: 100,
		HistorySize:         10,
	}
}

// Evaluator computes risk signals for a login given the IP lookup and the
// principal's login history. It has no side effects; callers fetch the lookup
// and history snapshot themselves.
type Evaluator struct {
	cfg    EvaluatorConfig
	logger *zap.Logger
}

// NewEvaluator creates an evaluator
func NewEvaluator(cfg EvaluatorConfig, logger *zap.Logger) *Evaluator {
	if cfg.MaxTravelSpeedKmh <= 0 {
		cfg.MaxTravelSpeedKmh = 900
	}
	if cfg.MinTravelDistanceKm <= 0 {
		cfg.MinTravelDistanceKm = 100
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 10
	}
	return &Evaluator{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "risk_evaluator")),
	}
}

// Evaluate scores a login attempt observed at the given time. The history
// slice must be ordered most recent first; only the configured number of
// entries is considered.
func (e *Evaluator) Evaluate(now time.Time, lookup *geoip.Result, history []LoginRecord) Assessment {
	var a Assessment

	if lookup == nil {
		return a
	}

	if len(history) > e.cfg.HistorySize {
		history = history[:e.cfg.HistorySize]
	}

	e.evaluateNovelty(&a, lookup.Location, history)
	e.evaluateAnonymization(&a, lookup)
	e.evaluateDenylists(&a, lookup)
	e.evaluateThreatLevel(&a, lookup.ThreatLevel)
	e.evaluateTravel(&a, now, lookup.Location, history)

	if len(a.Reasons) > 0 {
		e.logger.Debug("login risk signals",
			zap.String("ip", lookup.IPAddress),
			zap.Int("score", a.Score),
			zap.Any("reasons", a.Reasons),
		)
	}

	return a
}

func (e *Evaluator) evaluateNovelty(a *Assessment, loc geoip.Location, history []LoginRecord) {
	if loc.CountryCode == "" || len(history) == 0 {
		return
	}

	countrySeen := false
	regionSeen := false
	for _, rec := range history {
		if rec.Location.CountryCode == loc.CountryCode {
			countrySeen = true
			if loc.Region == "" || rec.Location.Region == loc.Region {
				regionSeen = true
			}
		}
	}

	if !countrySeen {
		a.Add(ReasonNewCountry, 0)
		return
	}
	if !regionSeen {
		a.Add(ReasonNewRegion, 0)
	}
}

func (e *Evaluator) evaluateAnonymization(a *Assessment, lookup *geoip.Result) {
	if lookup.IsVPN {
		a.Add(ReasonVPNDetected, e.cfg.Weights.VPN)
	}
	if lookup.IsProxy {
		a.Add(ReasonProxyDetected, e.cfg.Weights.Proxy)
	}
	if lookup.IsTor {
		a.Add(ReasonTorDetected, e.cfg.Weights.Tor)
	}
}

func (e *Evaluator) evaluateDenylists(a *Assessment, lookup *geoip.Result) {
	if lookup.ISP != "" {
		isp := strings.ToLower(lookup.ISP)
		for _, bad := range e.cfg.SuspiciousISPs {
			if bad != "" && strings.Contains(isp, strings.ToLower(bad)) {
				a.Add(ReasonSuspiciousISP, e.cfg.Weights.SuspiciousISP)
				break
			}
		}
	}

	if lookup.Location.CountryCode != "" {
		for _, cc := range e.cfg.HighRiskCountries {
			if strings.EqualFold(cc, lookup.Location.CountryCode) {
				a.Add(ReasonHighRiskCountry, e.cfg.Weights.HighRiskCountry)
				break
			}
		}
	}
}

func (e *Evaluator) evaluateThreatLevel(a *Assessment, level geoip.ThreatLevel) {
	switch level {
	case geoip.ThreatLevelLow:
		a.Score += e.cfg.Weights.ThreatLow
	case geoip.ThreatLevelMedium:
		a.Score += e.cfg.Weights.ThreatMedium
	case geoip.ThreatLevelHigh:
		a.Score += e.cfg.Weights.ThreatHigh
	case geoip.ThreatLevelCritical:
		a.Score += e.cfg.Weights.ThreatCritical
	}
	if a.Score > 100 {
		a.Score = 100
	}
}

func (e *Evaluator) evaluateTravel(a *Assessment, now time.Time, loc geoip.Location, history []LoginRecord) {
	if !loc.HasCoordinates() || len(history) == 0 {
		return
	}

	prev := history[0]
	if !prev.Location.HasCoordinates() {
		return
	}

	distance := HaversineKm(prev.Location.Latitude, prev.Location.Longitude, loc.Latitude, loc.Longitude)
	if distance < e.cfg.MinTravelDistanceKm {
		return
	}

	elapsed := now.Sub(prev.At)
	if elapsed <= 0 {
		return
	}

	speed := distance / elapsed.Hours()
	if speed > e.cfg.MaxTravelSpeedKmh {
		a.Add(ReasonImpossibleTravel, e.cfg.Weights.ImpossibleTravel)
		e.logger.Warn("impossible travel detected",
			zap.Float64("distance_km", distance),
			zap.Duration("elapsed", elapsed),
			zap.Float64("speed_kmh", speed),
		)
	}
}
