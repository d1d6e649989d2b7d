package broker

import (
	"strings"
	"time"
)

// DefaultSkewMargin is subtracted from a token's expiry when judging whether it
// can still be handed to a caller. It covers clock skew and in-flight requests.
const DefaultSkewMargin = 60 * time.Second

// TokenRecord is the persisted credential set for one QuickBooks company (realm).
//
// SECURITY: AccessToken and RefreshToken are secrets. They must never be logged
// and never leave the broker except as a bearer header on provider calls.
type TokenRecord struct {
	// RealmID is the stable company identifier issued by Intuit. Unique key.
	RealmID string `json:"realm_id"`

	// CompanyName is a human label; it may be empty or generic.
	CompanyName string `json:"company_name,omitempty"`

	// AccessToken is the short-lived bearer credential. Empty if never fetched.
	AccessToken string `json:"access_token,omitempty"`

	// RefreshToken is the rotating credential used to mint new access tokens.
	RefreshToken string `json:"refresh_token"`

	// ExpiresAt is when AccessToken stops being accepted.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// RefreshTokenExpiresAt is when RefreshToken stops being accepted, if known.
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`

	// Environment is the Intuit environment (sandbox or production) the
	// credentials were minted against.
	Environment string `json:"environment,omitempty"`

	// CreatedAt is when the record was first written by a code exchange.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the last successful authenticate or refresh.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields every persisted record must carry.
func (r *TokenRecord) Validate() error {
	if strings.TrimSpace(r.RealmID) == "" {
		return NewValidationError("realm_id", "realm id is required")
	}
	if strings.TrimSpace(r.RefreshToken) == "" {
		return NewValidationError("refresh_token", "refresh token is required")
	}
	if r.AccessToken != "" && r.ExpiresAt.IsZero() {
		return NewValidationError("expires_at", "access token requires an expiry")
	}
	return nil
}

// AccessTokenValid reports whether the access token can be used at now without
// expiring within margin.
func (r *TokenRecord) AccessTokenValid(now time.Time, margin time.Duration) bool {
	if r == nil || r.AccessToken == "" || r.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(margin).Before(r.ExpiresAt)
}

// WithAccessToken returns a copy with the access token and its expiry replaced
// together. A non-empty refreshToken replaces the stored one (rotation).
func (r TokenRecord) WithAccessToken(accessToken string, expiresAt time.Time, refreshToken string, refreshExpiresAt time.Time, now time.Time) TokenRecord {
	r.AccessToken = accessToken
	r.ExpiresAt = expiresAt
	if refreshToken != "" {
		r.RefreshToken = refreshToken
	}
	if !refreshExpiresAt.IsZero() {
		r.RefreshTokenExpiresAt = refreshExpiresAt
	}
	r.UpdatedAt = now
	return r
}

// Company returns the secret-free listing projection of the record.
func (r *TokenRecord) Company() Company {
	return Company{
		ID:           r.RealmID,
		Name:         r.CompanyName,
		RealmID:      r.RealmID,
		CreatedAt:    r.CreatedAt,
		LastAccessed: timePtr(r.UpdatedAt),
	}
}

// Company is the read projection of a tenant used for listing and resolution.
type Company struct {
	// ID is the key used to fetch the tenant's token. It equals RealmID for
	// local storage; remote brokers may assign their own ids.
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	RealmID      string     `json:"realmId"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastAccessed *time.Time `json:"lastAccessed,omitempty"`
}

// DisplayName returns the company name, falling back to the realm id.
func (c Company) DisplayName() string {
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return "Company " + c.RealmID
}

// Metrics is a snapshot of token cache counters.
type Metrics struct {
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	Errors    int64     `json:"errors"`
	LastReset time.Time `json:"lastReset"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
