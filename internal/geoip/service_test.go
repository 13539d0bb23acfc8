package geoip

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*Record)}
}

func (m *memStore) Get(ctx context.Context, ip string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[ip]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) Upsert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.IPAddress] = &cp
	return nil
}

type stubProvider struct {
	result *Result
	err    error
	calls  int
}

func (p *stubProvider) Lookup(ctx context.Context, ip string) (*Result, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	res := *p.result
	res.IPAddress = ip
	return &res, nil
}

func berlinResult() *Result {
	return &Result{
		Location: Location{
			Country:     "Germany",
			CountryCode: "DE",
			Region:      "Berlin",
			City:        "Berlin",
			Latitude:    52.52,
			Longitude:   13.405,
		},
		ISP:         "Deutsche Telekom",
		ThreatLevel: ThreatLevelLow,
		LookedUpAt:  time.Now().UTC(),
	}
}

func TestLookupCachesProviderResult(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{result: berlinResult()}
	svc := NewService(store, provider, time.Hour, zap.NewNop())

	res, ok := svc.Lookup(context.Background(), "93.184.216.34")
	require.True(t, ok)
	assert.Equal(t, "DE", res.Location.CountryCode)
	assert.Equal(t, 1, provider.calls)

	// Second lookup hits the cache and bumps the counter
	res, ok = svc.Lookup(context.Background(), "93.184.216.34")
	require.True(t, ok)
	assert.Equal(t, "DE", res.Location.CountryCode)
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, 2, store.recs["93.184.216.34"].LookupCount)
}

func TestLookupStaleCacheRefetches(t *testing.T) {
	store := newMemStore()
	store.recs["93.184.216.34"] = &Record{
		Result:      Result{IPAddress: "93.184.216.34", Location: Location{CountryCode: "US"}},
		CachedUntil: time.Now().Add(-time.Minute),
		LookupCount: 5,
	}

	provider := &stubProvider{result: berlinResult()}
	svc := NewService(store, provider, time.Hour, zap.NewNop())

	res, ok := svc.Lookup(context.Background(), "93.184.216.34")
	require.True(t, ok)
	assert.Equal(t, "DE", res.Location.CountryCode, "stale entry must be refetched, not trusted")
	assert.Equal(t, 1, provider.calls)
}

func TestLookupProviderFailureIsNeutral(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{err: fmt.Errorf("connection refused")}
	svc := NewService(store, provider, time.Hour, zap.NewNop())

	res, ok := svc.Lookup(context.Background(), "93.184.216.34")
	assert.False(t, ok, "degraded lookup must be flagged")
	assert.Equal(t, ThreatLevelUnknown, res.ThreatLevel)
	assert.False(t, res.IsVPN)
	assert.False(t, res.Location.HasCoordinates())
}

func TestLookupPrivateIPShortCircuits(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{result: berlinResult()}
	svc := NewService(store, provider, time.Hour, zap.NewNop())

	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.10"} {
		res, ok := svc.Lookup(context.Background(), ip)
		require.True(t, ok)
		assert.Equal(t, ThreatLevelUnknown, res.ThreatLevel)
	}
	assert.Equal(t, 0, provider.calls)
}

func TestHTTPProviderLookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/8.8.8.8", r.URL.Path)
		fmt.Fprint(w, `{"status":"success","country":"United States","countryCode":"US",
			"regionName":"California","city":"Mountain View","timezone":"America/Los_Angeles",
			"lat":37.4056,"lon":-122.0775,"isp":"Google LLC","vpn":false,"proxy":true,
			"tor":false,"threatLevel":"medium"}`)
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, time.Second)
	res, err := provider.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)

	assert.Equal(t, "US", res.Location.CountryCode)
	assert.True(t, res.IsProxy)
	assert.False(t, res.IsVPN)
	assert.Equal(t, ThreatLevelMedium, res.ThreatLevel)
	assert.InDelta(t, 37.4056, res.Location.Latitude, 0.001)
}

func TestHTTPProviderTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, 50*time.Millisecond)
	_, err := provider.Lookup(context.Background(), "8.8.8.8")
	assert.Error(t, err)
}

func TestRecordStale(t *testing.T) {
	rec := &Record{CachedUntil: time.Now().Add(time.Minute)}
	assert.False(t, rec.Stale(time.Now()))
	assert.True(t, rec.Stale(time.Now().Add(2*time.Minute)))
}
