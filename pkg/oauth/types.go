package oauth

import (
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultAuthURL is Intuit's authorization endpoint.
	DefaultAuthURL = "https://appcenter.intuit.com/connect/oauth2"

	// DefaultTokenURL is Intuit's token endpoint, used for both code exchange
	// and refresh.
	DefaultTokenURL = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"

	// DefaultRevokeURL is Intuit's token revocation endpoint.
	DefaultRevokeURL = "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"

	// ScopeAccounting grants access to the QuickBooks Online accounting API.
	ScopeAccounting = "com.intuit.quickbooks.accounting"
)

// refreshExpiresInKey is the non-standard token response field carrying the
// refresh token lifetime in seconds.
const refreshExpiresInKey = "x_refresh_token_expires_in"

// Endpoints groups the provider URLs. Tests point these at httptest servers.
type Endpoints struct {
	AuthURL   string
	TokenURL  string
	RevokeURL string
}

// DefaultEndpoints returns the production Intuit endpoints. Sandbox and
// production companies share the same OAuth endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		AuthURL:   DefaultAuthURL,
		TokenURL:  DefaultTokenURL,
		RevokeURL: DefaultRevokeURL,
	}
}

// Token is the result of a code exchange or refresh.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`

	// RefreshTokenExpiresAt is derived from x_refresh_token_expires_in when the
	// provider sends it.
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`
}

// IsExpiredWithMargin checks if the token has expired or will expire within the margin.
func (t *Token) IsExpiredWithMargin(now time.Time, margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(margin).After(t.ExpiresAt)
}

// FromOAuth2Token converts an x/oauth2 token, extracting Intuit's refresh
// token lifetime from the raw response.
func FromOAuth2Token(tok *oauth2.Token, now time.Time) *Token {
	if tok == nil {
		return nil
	}

	t := &Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if t.ExpiresAt.IsZero() && tok.ExpiresIn > 0 {
		t.ExpiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	if secs := extraSeconds(tok.Extra(refreshExpiresInKey)); secs > 0 {
		t.RefreshTokenExpiresAt = now.Add(time.Duration(secs) * time.Second)
	}
	return t
}

func extraSeconds(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}
