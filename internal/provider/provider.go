// Package provider wraps the upstream advertising metrics API. The call
// semantics are opaque to the rest of the engine: one market in, one metrics
// payload (micro-denominated money) or an error out.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alliedadvantage/research-engine/internal/model"
	"github.com/alliedadvantage/research-engine/internal/registry"
)

// ErrNoAccount is returned when a user has no linked upstream account or
// valid credentials.
var ErrNoAccount = errors.New("provider: no linked ad account for user")

// Credentials identifies a user's linked upstream account.
type Credentials struct {
	CustomerID   string `json:"customerId"`
	RefreshToken string `json:"refreshToken"`
}

// CredentialSource resolves the upstream credentials for a user namespace.
type CredentialSource interface {
	CredentialsFor(ctx context.Context, userID string) (*Credentials, error)
}

// MetricsProvider fetches advertising metrics for one keyword/market pair.
type MetricsProvider interface {
	FetchMarketMetrics(ctx context.Context, keyword, matchType, device string, market registry.Market, creds *Credentials) (*model.MarketMetrics, error)
}

// HTTPProvider calls the metrics API over HTTP.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider creates a provider client for the given endpoint.
func NewHTTPProvider(endpoint, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type metricsRequest struct {
	Keyword      string `json:"keyword"`
	MatchType    string `json:"matchType"`
	Device       string `json:"device"`
	GeoTargetID  int64  `json:"geoTargetId"`
	LanguageID   int64  `json:"languageId"`
	CurrencyCode string `json:"currencyCode"`
	CustomerID   string `json:"customerId"`
}

// FetchMarketMetrics requests keyword metrics for one resolved market.
func (p *HTTPProvider) FetchMarketMetrics(ctx context.Context, keyword, matchType, device string, market registry.Market, creds *Credentials) (*model.MarketMetrics, error) {
	if creds == nil {
		return nil, ErrNoAccount
	}

	body, err := json.Marshal(metricsRequest{
		Keyword:      keyword,
		MatchType:    matchType,
		Device:       device,
		GeoTargetID:  market.GeoTargetID,
		LanguageID:   market.LanguageID,
		CurrencyCode: market.CurrencyCode,
		CustomerID:   creds.CustomerID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metrics call for %s: %w", market.Code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("metrics call for %s: upstream status %d", market.Code, resp.StatusCode)
	}

	var metrics model.MarketMetrics
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		return nil, fmt.Errorf("decode metrics for %s: %w", market.Code, err)
	}
	return &metrics, nil
}

// StaticCredentialSource serves one fixed credential set for every user.
// Suitable for single-tenant deployments where one manager account owns all
// research traffic; multi-tenant deployments replace this with a lookup
// against the account-linking service.
type StaticCredentialSource struct {
	creds *Credentials
}

// NewStaticCredentialSource returns a source backed by fixed credentials.
func NewStaticCredentialSource(customerID, refreshToken string) *StaticCredentialSource {
	if customerID == "" {
		return &StaticCredentialSource{}
	}
	return &StaticCredentialSource{creds: &Credentials{
		CustomerID:   customerID,
		RefreshToken: refreshToken,
	}}
}

func (s *StaticCredentialSource) CredentialsFor(_ context.Context, _ string) (*Credentials, error) {
	if s.creds == nil {
		return nil, ErrNoAccount
	}
	return s.creds, nil
}
