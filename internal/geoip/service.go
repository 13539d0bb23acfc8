package geoip

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// Service resolves IPs through the cache, falling back to the provider on a
// miss or stale entry. Provider failures degrade to a neutral result so the
// login path never blocks on threat intelligence.
type Service struct {
	store    Store
	provider Provider
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewService creates a geoip service
func NewService(store Store, provider Provider, cacheTTL time.Duration, logger *zap.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	return &Service{
		store:    store,
		provider: provider,
		cacheTTL: cacheTTL,
		logger:   logger.With(zap.String("component", "geoip")),
	}
}

// Lookup returns geo/threat data for an IP. The boolean reports whether the
// result is authoritative; false means the provider was unreachable and the
// caller received a neutral placeholder.
func (s *Service) Lookup(ctx context.Context, ip string) (*Result, bool) {
	now := time.Now().UTC()

	if parsed := net.ParseIP(ip); parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() {
		return neutralResult(ip, now), true
	}

	if rec, err := s.store.Get(ctx, ip); err == nil && rec != nil && !rec.Stale(now) {
		rec.LookupCount++
		if err := s.store.Upsert(ctx, rec); err != nil {
			s.logger.Warn("failed to bump lookup count", zap.String("ip", ip), zap.Error(err))
		}
		res := rec.Result
		return &res, true
	}

	res, err := s.provider.Lookup(ctx, ip)
	if err != nil {
		s.logger.Warn("geoip provider degraded, using neutral assessment",
			zap.String("ip", ip),
			zap.Error(err),
		)
		return neutralResult(ip, now), false
	}

	rec := &Record{
		Result:      *res,
		CachedUntil: now.Add(s.cacheTTL),
		LookupCount: 1,
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		s.logger.Warn("failed to cache geoip lookup", zap.String("ip", ip), zap.Error(err))
	}

	return res, true
}

func neutralResult(ip string, now time.Time) *Result {
	return &Result{
		IPAddress:   ip,
		ThreatLevel: ThreatLevelUnknown,
		LookedUpAt:  now,
	}
}
