// Package quickbooks is a thin client for the QuickBooks Online accounting
// API. A Client is bound to one realm and one access token; obtaining and
// refreshing that token is the broker's job.
package quickbooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// API hosts per environment.
const (
	SandboxBaseURL    = "https://sandbox-quickbooks.api.intuit.com"
	ProductionBaseURL = "https://quickbooks.api.intuit.com"

	// MinorVersion pins the response schema.
	MinorVersion = "75"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 8 << 10
)

// BaseURLFor returns the API host for environment. Anything other than
// "production" selects the sandbox.
func BaseURLFor(environment string) string {
	if strings.EqualFold(strings.TrimSpace(environment), "production") {
		return ProductionBaseURL
	}
	return SandboxBaseURL
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	RealmID     string
	AccessToken string
	HTTPClient  *http.Client
}

// Client issues requests against /v3/company/{realm}.
type Client struct {
	baseURL     string
	realmID     string
	accessToken string
	httpClient  *http.Client
}

// NewClient creates a client. BaseURL defaults to the sandbox.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		realmID:     cfg.RealmID,
		accessToken: cfg.AccessToken,
		httpClient:  cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = SandboxBaseURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return c
}

// RealmID returns the realm the client is bound to.
func (c *Client) RealmID() string {
	return c.realmID
}

// CompanyInfo is the subset of the CompanyInfo entity the broker uses.
type CompanyInfo struct {
	CompanyName string `json:"CompanyName"`
	LegalName   string `json:"LegalName,omitempty"`
	Country     string `json:"Country,omitempty"`
	Email       struct {
		Address string `json:"Address,omitempty"`
	} `json:"Email,omitempty"`
}

// APIError is a non-2xx response from the accounting API.
type APIError struct {
	StatusCode int
	Faults     []Fault
	Body       string
}

// Fault is one entry of the API's Fault.Error list.
type Fault struct {
	Message string `json:"Message"`
	Detail  string `json:"Detail"`
	Code    string `json:"code"`
}

func (e *APIError) Error() string {
	if len(e.Faults) > 0 {
		f := e.Faults[0]
		return fmt.Sprintf("quickbooks API error %d: %s (%s)", e.StatusCode, f.Message, f.Detail)
	}
	return fmt.Sprintf("quickbooks API error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPStatus exposes the status for broker.ClassifyError.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Query runs a QuickBooks query statement, e.g. "SELECT * FROM Invoice".
// The QueryResponse object is returned undecoded.
func (c *Client) Query(ctx context.Context, statement string) (json.RawMessage, error) {
	if strings.TrimSpace(statement) == "" {
		return nil, fmt.Errorf("query statement is empty")
	}
	var out struct {
		QueryResponse json.RawMessage `json:"QueryResponse"`
	}
	params := url.Values{"query": {statement}}
	if err := c.get(ctx, "query", params, &out); err != nil {
		return nil, err
	}
	return out.QueryResponse, nil
}

// CompanyInfo fetches the realm's CompanyInfo entity.
func (c *Client) CompanyInfo(ctx context.Context) (*CompanyInfo, error) {
	var out struct {
		CompanyInfo CompanyInfo `json:"CompanyInfo"`
	}
	if err := c.get(ctx, "companyinfo/"+url.PathEscape(c.realmID), nil, &out); err != nil {
		return nil, err
	}
	return &out.CompanyInfo, nil
}

// Get reads a single entity by id, e.g. Get(ctx, "invoice", "145").
func (c *Client) Get(ctx context.Context, entity, id string) (json.RawMessage, error) {
	var out json.RawMessage
	path := url.PathEscape(strings.ToLower(entity)) + "/" + url.PathEscape(id)
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("minorversion", MinorVersion)
	endpoint := fmt.Sprintf("%s/v3/company/%s/%s?%s", c.baseURL, url.PathEscape(c.realmID), path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("quickbooks request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode quickbooks response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}

	var envelope struct {
		Fault struct {
			Error []Fault `json:"Error"`
		} `json:"Fault"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Faults = envelope.Fault.Error
	}
	return apiErr
}

// NameResolver returns a lookup of a realm's company name, for filling in
// the name right after the authorization flow.
func NameResolver(baseURL string, httpClient *http.Client) func(ctx context.Context, realmID, accessToken string) (string, error) {
	return func(ctx context.Context, realmID, accessToken string) (string, error) {
		info, err := NewClient(Config{
			BaseURL:     baseURL,
			RealmID:     realmID,
			AccessToken: accessToken,
			HTTPClient:  httpClient,
		}).CompanyInfo(ctx)
		if err != nil {
			return "", err
		}
		return info.CompanyName, nil
	}
}
