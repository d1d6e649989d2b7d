package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second
)

// Config holds the OAuth application registration.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	Endpoints    Endpoints
}

// Client handles the Intuit OAuth 2.0 protocol: building the consent URL,
// exchanging codes, refreshing and revoking tokens.
type Client struct {
	cfg        Config
	oauth      oauth2.Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// ClientOption configures the OAuth client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock overrides the time source used to compute expiries.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a new OAuth client.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	if cfg.Endpoints == (Endpoints{}) {
		cfg.Endpoints = DefaultEndpoints()
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{ScopeAccounting}
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.oauth = oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.Endpoints.AuthURL,
			TokenURL:  cfg.Endpoints.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	return c
}

// AuthCodeURL constructs the consent URL the user opens in a browser.
func (c *Client) AuthCodeURL(state, redirectURI string) string {
	conf := c.oauth
	conf.RedirectURL = redirectURI
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode exchanges an authorization code for tokens. redirectURI must be
// the one used to build the consent URL.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*Token, error) {
	conf := c.oauth
	conf.RedirectURL = redirectURI

	tok, err := conf.Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		c.logger.Debug("Code exchange failed", "error", err)
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	return FromOAuth2Token(tok, c.now()), nil
}

// RefreshToken obtains a new access token using a refresh token. The returned
// token carries a rotated refresh token when the provider issued one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	src := c.oauth.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		c.logger.Debug("Token refresh failed", "error", err)
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	return FromOAuth2Token(tok, c.now()), nil
}

// RevokeError is returned when the revocation endpoint answers non-2xx.
type RevokeError struct {
	StatusCode int
	Body       string
}

func (e *RevokeError) Error() string {
	return fmt.Sprintf("revoke request failed with status %d", e.StatusCode)
}

// HTTPStatus returns the response status.
func (e *RevokeError) HTTPStatus() int {
	return e.StatusCode
}

// Revoke invalidates a refresh or access token at the provider.
func (c *Client) Revoke(ctx context.Context, token string) error {
	if c.cfg.Endpoints.RevokeURL == "" {
		return nil
	}

	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoints.RevokeURL, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Debug("Token revoke failed", "status", resp.StatusCode)
		return &RevokeError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return nil
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}
