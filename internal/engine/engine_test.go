package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lumera/portalguard/internal/audit"
	"github.com/lumera/portalguard/internal/challenge"
	apperrors "github.com/lumera/portalguard/internal/common/errors"
	"github.com/lumera/portalguard/internal/device"
	"github.com/lumera/portalguard/internal/geoip"
	"github.com/lumera/portalguard/internal/principal"
	"github.com/lumera/portalguard/internal/ratelimit"
	"github.com/lumera/portalguard/internal/risk"
	"github.com/lumera/portalguard/internal/session"
)

// In-memory collaborators

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func (r *memSessions) Create(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memSessions) Get(ctx context.Context, id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSessions) CountActiveByPrincipal(ctx context.Context, principalID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.PrincipalID == principalID && s.IsActive {
			n++
		}
	}
	return n, nil
}

func (r *memSessions) ListActiveByPrincipal(ctx context.Context, principalID string) ([]*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session.Session
	for _, s := range r.sessions {
		if s.PrincipalID == principalID && s.IsActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memSessions) UpdateActivity(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sessions[s.ID]
	if !ok || !stored.IsActive || stored.Version != s.Version {
		return session.ErrVersionConflict
	}
	cp := *s
	cp.Version++
	r.sessions[s.ID] = &cp
	s.Version++
	return nil
}

func (r *memSessions) Invalidate(ctx context.Context, id string, reason session.EndReason, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.IsActive {
		return nil
	}
	s.IsActive = false
	s.EndReason = reason
	t := endedAt
	s.EndedAt = &t
	return nil
}

func (r *memSessions) DistinctRecentIPs(ctx context.Context, principalID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ips := make(map[string]struct{})
	for _, s := range r.sessions {
		if s.PrincipalID == principalID && !s.CreatedAt.Before(since) {
			ips[s.IPAddress] = struct{}{}
		}
	}
	return len(ips), nil
}

func (r *memSessions) RecentLoginHistory(ctx context.Context, principalID string, limit int) ([]risk.LoginRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*session.Session
	for _, s := range r.sessions {
		if s.PrincipalID == principalID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	var out []risk.LoginRecord
	for _, s := range all {
		if len(out) == limit {
			break
		}
		out = append(out, risk.LoginRecord{Location: s.Location, At: s.CreatedAt})
	}
	return out, nil
}

func (r *memSessions) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type memDevices struct {
	mu      sync.Mutex
	devices map[string]*device.TrustedDevice
}

func (r *memDevices) Create(ctx context.Context, d *device.TrustedDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.devices[d.ID] = &cp
	return nil
}

func (r *memDevices) Get(ctx context.Context, id string) (*device.TrustedDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *memDevices) ListActiveByPrincipal(ctx context.Context, principalID string) ([]*device.TrustedDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*device.TrustedDevice
	for _, d := range r.devices {
		if d.PrincipalID == principalID && d.IsActive {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memDevices) ListByPrincipal(ctx context.Context, principalID string) ([]*device.TrustedDevice, error) {
	return r.ListActiveByPrincipal(ctx, principalID)
}

func (r *memDevices) Touch(ctx context.Context, id string, usedAt, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return device.ErrNotFound
	}
	d.LastUsedAt = usedAt
	t := expiresAt
	d.ExpiresAt = &t
	return nil
}

func (r *memDevices) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.IsActive = false
	}
	return nil
}

func (r *memDevices) RaiseTrust(ctx context.Context, id string, level int, method device.VerificationMethod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return device.ErrNotFound
	}
	if level > d.TrustLevel {
		d.TrustLevel = level
	}
	d.VerificationMethod = method
	return nil
}

type memAttempts struct {
	mu       sync.Mutex
	attempts map[string]*challenge.Attempt
}

func (r *memAttempts) Create(ctx context.Context, a *challenge.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.attempts[a.VerificationToken] = &cp
	return nil
}

func (r *memAttempts) GetByToken(ctx context.Context, token string) (*challenge.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[token]
	if !ok {
		return nil, challenge.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memAttempts) ListPendingByPrincipal(ctx context.Context, principalID string) ([]*challenge.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*challenge.Attempt
	for _, a := range r.attempts {
		if a.PrincipalID == principalID && a.Status == challenge.StatusPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memAttempts) Resolve(ctx context.Context, token string, to challenge.Status, resolvedAt time.Time, ip, userAgent string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[token]
	if !ok || a.Status != challenge.StatusPending {
		return false, nil
	}
	a.Status = to
	t := resolvedAt
	a.ResolvedAt = &t
	return true, nil
}

func (r *memAttempts) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

type memGeoStore struct {
	mu      sync.Mutex
	records map[string]*geoip.Record
}

func (s *memGeoStore) Get(ctx context.Context, ip string) (*geoip.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ip]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memGeoStore) Upsert(ctx context.Context, rec *geoip.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.Result.IPAddress] = &cp
	return nil
}

type stubGeoProvider struct {
	results map[string]*geoip.Result
}

func (p *stubGeoProvider) Lookup(ctx context.Context, ip string) (*geoip.Result, error) {
	if res, ok := p.results[ip]; ok {
		cp := *res
		cp.IPAddress = ip
		return &cp, nil
	}
	return &geoip.Result{IPAddress: ip}, nil
}

type stubPrincipals struct {
	access   map[string]*principal.Access
	password string
	email    string
}

func (s *stubPrincipals) Authenticate(ctx context.Context, clientID, email, password string) (*principal.Access, error) {
	if email != s.email {
		return nil, principal.ErrNotFound
	}
	if password != s.password {
		return nil, bcrypt.ErrMismatchedHashAndPassword
	}
	for _, a := range s.access {
		if a.ClientID == clientID {
			return a, nil
		}
	}
	return nil, principal.ErrNotFound
}

func (s *stubPrincipals) Access(ctx context.Context, principalID string) (*principal.Access, error) {
	a, ok := s.access[principalID]
	if !ok {
		return nil, principal.ErrNotFound
	}
	return a, nil
}

// Fixture

const (
	usIP  = "72.229.28.185"
	usIP2 = "100.36.10.5"
	ruIP  = "185.220.101.5"
)

type fixture struct {
	engine   *Engine
	sessions *memSessions
	devices  *memDevices
	attempts *memAttempts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zap.NewNop()
	sessions := &memSessions{sessions: make(map[string]*session.Session)}
	devices := &memDevices{devices: make(map[string]*device.TrustedDevice)}
	attempts := &memAttempts{attempts: make(map[string]*challenge.Attempt)}

	provider := &stubGeoProvider{results: map[string]*geoip.Result{
		usIP:  {Location: geoip.Location{Country: "United States", CountryCode: "US", Region: "New York"}},
		usIP2: {Location: geoip.Location{Country: "United States", CountryCode: "US", Region: "New York"}},
		ruIP:  {Location: geoip.Location{Country: "Russia", CountryCode: "RU", Region: "Moscow"}, IsVPN: true},
	}}
	geo := geoip.NewService(&memGeoStore{records: make(map[string]*geoip.Record)}, provider, time.Hour, logger)

	principals := &stubPrincipals{
		email:    "p1@example.com",
		password: "correct horse",
		access: map[string]*principal.Access{
			"p1": {PrincipalID: "p1", ClientID: "c1", Active: true, PortalEnabled: true},
		},
	}

	matcher := risk.NewMatcher(risk.DefaultMatcherConfig())
	evaluator := risk.NewEvaluator(risk.DefaultEvaluatorConfig(), logger)

	manager := session.NewManager(sessions, principals, audit.NopRecorder{}, session.ManagerConfig{
		Timeout:               30 * time.Minute,
		MaxConcurrent:         3,
		ExtendDebounce:        15 * time.Minute,
		DecayQuiescence:       5 * time.Minute,
		IPDriftScore:          5,
		HijackDistinctIPLimit: 5,
		HijackWindow:          time.Hour,
		Retention:             7 * 24 * time.Hour,
		HistorySize:           10,
	}, logger)

	workflow := challenge.NewWorkflow(attempts, devices, matcher, challenge.NopNotifier{},
		audit.NopRecorder{}, challenge.WorkflowConfig{
			TokenTTL:            time.Hour,
			ApprovalTrustLevel:  50,
			DeviceTrustDuration: 90 * 24 * time.Hour,
		}, logger)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := ratelimit.NewLimiter(client, logger)

	eng := New(principals, geo, evaluator, matcher, devices, manager, workflow, limiter,
		NewTokenIssuer("test-secret"), audit.NopRecorder{}, Config{
			ChallengeRiskThreshold: 25,
			LoginRateLimit:         5,
			LoginRateWindow:        time.Minute,
			RequestRateLimit:       100,
			RequestRateWindow:      time.Minute,
			DeviceTrustDuration:    90 * 24 * time.Hour,
		}, logger)

	return &fixture{engine: eng, sessions: sessions, devices: devices, attempts: attempts}
}

// seedHistory records an ended session so the principal has a login history
func (f *fixture) seedHistory(loc geoip.Location, at time.Time) {
	ended := at.Add(time.Hour)
	f.sessions.sessions["history-"+at.String()] = &session.Session{
		ID:          "history-" + at.String(),
		PrincipalID: "p1",
		IPAddress:   usIP,
		Location:    loc,
		CreatedAt:   at,
		IsActive:    false,
		EndedAt:     &ended,
		EndReason:   session.EndReasonManual,
	}
}

func usLocation() geoip.Location {
	return geoip.Location{Country: "United States", CountryCode: "US", Region: "New York"}
}

func login(ip string) (LoginRequest, session.RequestContext) {
	req := LoginRequest{
		ClientID: "c1",
		Email:    "p1@example.com",
		Password: "correct horse",
		Fingerprint: risk.Fingerprint{
			Browser:          "Firefox",
			BrowserVersion:   "126.0",
			OS:               "Linux",
			OSVersion:        "6.8",
			ScreenResolution: "2560x1440",
			Timezone:         "America/New_York",
		},
	}
	rc := session.RequestContext{IP: ip, UserAgent: "test-agent", Now: time.Now().UTC()}
	return req, rc
}

// Tests

func TestBeginSessionCleanLogin(t *testing.T) {
	f := newFixture(t)
	f.seedHistory(usLocation(), time.Now().UTC().Add(-24*time.Hour))

	req, rc := login(usIP)
	result, err := f.engine.BeginSession(context.Background(), req, rc)
	require.NoError(t, err)

	assert.False(t, result.ChallengeRequired)
	require.NotNil(t, result.Session)
	assert.NotEmpty(t, result.Token)
	assert.True(t, result.Session.IsActive)

	// First login from this device still raises the new-device signal
	assert.Contains(t, result.Reasons, risk.ReasonNewDevice)
	assert.Equal(t, 0, result.RiskScore)
}

func TestBeginSessionWrongPassword(t *testing.T) {
	f := newFixture(t)
	req, rc := login(usIP)
	req.Password = "wrong"

	_, err := f.engine.BeginSession(context.Background(), req, rc)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrUnauthorized))
	assert.Equal(t, "[UNAUTHORIZED] invalid credentials or session", err.Error(),
		"failure reason is never revealed")
}

func TestBeginSessionLoginRateLimit(t *testing.T) {
	f := newFixture(t)
	req, rc := login(usIP)
	req.Password = "wrong"

	for i := 0; i < 5; i++ {
		_, err := f.engine.BeginSession(context.Background(), req, rc)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrUnauthorized))
	}

	// The sixth attempt is throttled even with correct credentials
	req.Password = "correct horse"
	_, err := f.engine.BeginSession(context.Background(), req, rc)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrRateLimit))
	assert.Greater(t, apperrors.RetryAfter(err), 0)
}

func TestSuspiciousLoginEndToEndDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedHistory(usLocation(), time.Now().UTC().Add(-24*time.Hour))

	// New attempt from a new country through a VPN
	req, rc := login(ruIP)
	result, err := f.engine.BeginSession(ctx, req, rc)
	require.NoError(t, err)

	assert.True(t, result.ChallengeRequired)
	assert.Nil(t, result.Session)
	assert.Equal(t, 30, result.RiskScore)
	assert.Contains(t, result.Reasons, risk.ReasonNewCountry)
	assert.Contains(t, result.Reasons, risk.ReasonVPNDetected)

	active, err := f.sessions.CountActiveByPrincipal(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, active, "no session exists while the challenge is pending")

	// The principal denies the attempt
	pending, err := f.attempts.ListPendingByPrincipal(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	resolved, err := f.engine.ResolveChallenge(ctx, pending[0].VerificationToken,
		challenge.DecisionDeny, challenge.ResolveContext{IP: usIP, Now: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusDenied, resolved.Status)

	active, _ = f.sessions.CountActiveByPrincipal(ctx, "p1")
	assert.Zero(t, active)
	granted, _ := f.devices.ListActiveByPrincipal(ctx, "p1")
	assert.Empty(t, granted, "a denied attempt grants nothing")
}

func TestSuspiciousLoginApproveThenTrustedLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedHistory(usLocation(), time.Now().UTC().Add(-24*time.Hour))

	req, rc := login(ruIP)
	result, err := f.engine.BeginSession(ctx, req, rc)
	require.NoError(t, err)
	require.True(t, result.ChallengeRequired)

	pending, err := f.attempts.ListPendingByPrincipal(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = f.engine.ResolveChallenge(ctx, pending[0].VerificationToken,
		challenge.DecisionApprove, challenge.ResolveContext{IP: ruIP, Now: time.Now().UTC()})
	require.NoError(t, err)

	granted, err := f.devices.ListActiveByPrincipal(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, granted, 1)
	assert.Equal(t, device.VerificationSuspiciousLoginApproval, granted[0].VerificationMethod)

	// The same device from the same place now logs in without a challenge
	result, err = f.engine.BeginSession(ctx, req, rc)
	require.NoError(t, err)
	assert.False(t, result.ChallengeRequired)
	require.NotNil(t, result.Session)
	assert.Equal(t, granted[0].ID, result.Session.TrustedDeviceID)
}

func TestTrustedDeviceReuseBypassesChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	f.seedHistory(usLocation(), now.Add(-24*time.Hour))

	req, rc := login(usIP)
	require.NoError(t, f.devices.Create(ctx, &device.TrustedDevice{
		ID:          "dev1",
		PrincipalID: "p1",
		Fingerprint: req.Fingerprint,
		Location:    usLocation(),
		TrustLevel:  75,
		IsActive:    true,
		LastUsedAt:  now.Add(-24 * time.Hour),
	}))

	// Fingerprint drifts in one of five comparable fields (0.8 similarity)
	// and the IP changed, but the device and country still match
	req.Fingerprint.BrowserVersion = "127.0"
	req.Fingerprint.OSVersion = ""
	rc.IP = usIP2

	result, err := f.engine.BeginSession(ctx, req, rc)
	require.NoError(t, err)
	assert.False(t, result.ChallengeRequired)
	require.NotNil(t, result.Session)
	assert.Equal(t, "dev1", result.Session.TrustedDeviceID)
}

func TestValidateRequestRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, rc := login(usIP)
	result, err := f.engine.BeginSession(ctx, req, rc)
	require.NoError(t, err)
	require.NotNil(t, result.Session)

	s, err := f.engine.ValidateRequest(ctx, result.Token, rc)
	require.NoError(t, err)
	assert.Equal(t, result.Session.ID, s.ID)
	assert.Equal(t, int64(1), s.RequestCount)

	// A tampered token is rejected outright
	_, err = f.engine.ValidateRequest(ctx, result.Token+"x", rc)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrUnauthorized))
}

func TestEndSessionLeavesNothingActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, rc := login(usIP)
	result, err := f.engine.BeginSession(ctx, req, rc)
	require.NoError(t, err)

	require.NoError(t, f.engine.EndSession(ctx, result.Session.ID, rc))

	active, _ := f.sessions.CountActiveByPrincipal(ctx, "p1")
	assert.Zero(t, active)

	_, err = f.engine.ValidateRequest(ctx, result.Token, rc)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrUnauthorized))
}

func TestRevokeTrustedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rc := session.RequestContext{IP: usIP, Now: time.Now().UTC()}

	require.NoError(t, f.devices.Create(ctx, &device.TrustedDevice{
		ID: "dev1", PrincipalID: "p1", TrustLevel: 75, IsActive: true,
	}))

	// A different principal cannot see the device
	err := f.engine.RevokeTrustedDevice(ctx, "dev1", "p2", rc)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrNotFound))

	require.NoError(t, f.engine.RevokeTrustedDevice(ctx, "dev1", "p1", rc))

	remaining, err := f.engine.ListTrustedDevices(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	d, err := f.devices.Get(ctx, "dev1")
	require.NoError(t, err)
	assert.False(t, d.IsActive)
}
