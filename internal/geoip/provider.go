package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPProvider queries an ip-api style JSON endpoint for geo/threat data
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a provider client. The timeout bounds every lookup
// so a slow provider can never stall the login path.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// providerResponse mirrors the wire format of the upstream service
type providerResponse struct {
	Status      string  `json:"status"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	Region      string  `json:"regionName"`
	City        string  `json:"city"`
	Timezone    string  `json:"timezone"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`
	VPN         bool    `json:"vpn"`
	Proxy       bool    `json:"proxy"`
	Tor         bool    `json:"tor"`
	ThreatLevel string  `json:"threatLevel"`
}

// Lookup fetches geo/threat data for the given IP
func (p *HTTPProvider) Lookup(ctx context.Context, ip string) (*Result, error) {
	u := fmt.Sprintf("%s/%s", p.baseURL, url.PathEscape(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build lookup request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geoip lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geoip provider returned status %d", resp.StatusCode)
	}

	var pr providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("failed to decode geoip response: %w", err)
	}
	if pr.Status != "" && pr.Status != "success" {
		return nil, fmt.Errorf("geoip provider returned status %q", pr.Status)
	}

	return &Result{
		IPAddress: ip,
		Location: Location{
			Country:     pr.Country,
			CountryCode: pr.CountryCode,
			Region:      pr.Region,
			City:        pr.City,
			Timezone:    pr.Timezone,
			Latitude:    pr.Lat,
			Longitude:   pr.Lon,
		},
		ISP:         pr.ISP,
		IsVPN:       pr.VPN,
		IsProxy:     pr.Proxy,
		IsTor:       pr.Tor,
		ThreatLevel: ThreatLevel(pr.ThreatLevel),
		LookedUpAt:  time.Now().UTC(),
	}, nil
}
