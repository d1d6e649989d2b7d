// Package remotebroker is the credential source for deployments where token
// custody lives in a remote service. It lists tenants and fetches ready
// access tokens over HTTP instead of refreshing locally.
package remotebroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"qbmcp/internal/broker"
	"qbmcp/pkg/logging"
)

const defaultTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	// BaseURL is the broker root, e.g. https://broker.example.com/api.
	BaseURL string

	// Token is the bearer credential for the broker. Never logged.
	Token string

	HTTPClient *http.Client
	Now        func() time.Time
}

// Client talks to the remote custody service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time
}

// tokenPayload is the body of GET /tokens/{id}.
type tokenPayload struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ExpiresIn   int64     `json:"expiresIn,omitempty"`
	RealmID     string    `json:"realmId"`
	CompanyName string    `json:"companyName,omitempty"`
}

// NewClient validates cfg and creates a client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, broker.NewValidationError("broker_url", "remote broker URL is required")
	}
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, broker.NewValidationError("broker_url", fmt.Sprintf("invalid remote broker URL %q", base))
	}
	if cfg.Token == "" {
		return nil, broker.NewValidationError("broker_token", "remote broker token is required")
	}

	c := &Client{
		baseURL:    base,
		token:      cfg.Token,
		httpClient: cfg.HTTPClient,
		now:        cfg.Now,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// ListCompanies fetches the tenants the broker holds credentials for.
func (c *Client) ListCompanies(ctx context.Context) ([]broker.Company, error) {
	var companies []broker.Company
	if err := c.get(ctx, "/tokens", &companies); err != nil {
		return nil, err
	}
	if companies == nil {
		companies = []broker.Company{}
	}
	logging.Debug("RemoteBroker", "Broker returned %d companies", len(companies))
	return companies, nil
}

// GetAccessToken fetches a ready access token for the tenant id.
func (c *Client) GetAccessToken(ctx context.Context, id string) (broker.TokenRecord, error) {
	if strings.TrimSpace(id) == "" {
		return broker.TokenRecord{}, broker.NewValidationError("company", "company id is required")
	}

	var payload tokenPayload
	err := c.get(ctx, "/tokens/"+url.PathEscape(id), &payload)
	if err != nil {
		var be *broker.Error
		if errors.As(err, &be) && be.Kind == broker.KindBroker && be.Status == http.StatusNotFound {
			return broker.TokenRecord{}, broker.CompanyNotFound(id, nil)
		}
		return broker.TokenRecord{}, err
	}
	if payload.AccessToken == "" {
		return broker.TokenRecord{}, broker.NewError(broker.KindFatal, "remote broker returned an empty access token")
	}

	now := c.now()
	rec := broker.TokenRecord{
		RealmID:     payload.RealmID,
		CompanyName: payload.CompanyName,
		AccessToken: payload.AccessToken,
		ExpiresAt:   payload.ExpiresAt,
		UpdatedAt:   now,
	}
	if rec.RealmID == "" {
		rec.RealmID = id
	}
	if rec.ExpiresAt.IsZero() && payload.ExpiresIn > 0 {
		rec.ExpiresAt = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return rec, nil
}

// AccessToken lets the client stand in for the refresh coordinator as a
// token cache source.
func (c *Client) AccessToken(ctx context.Context, key string) (broker.TokenRecord, error) {
	return c.GetAccessToken(ctx, key)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return broker.Wrap(broker.KindFatal, err, "failed to create broker request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return broker.ClassifyError(fmt.Errorf("remote broker request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		logging.Warn("RemoteBroker", "GET %s returned %d", path, resp.StatusCode)
		return broker.BrokerError(resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return broker.Wrap(broker.KindFatal, err, "failed to decode broker response")
	}
	return nil
}
