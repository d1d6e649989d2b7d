// Package oauth wraps golang.org/x/oauth2 for the Intuit authorization server.
//
// # Core Components
//
//   - Client: consent URL, code exchange, refresh and revocation
//   - Token: exchange/refresh result including the refresh token lifetime
//     Intuit reports in x_refresh_token_expires_in
//   - GenerateState: CSRF state for the authorization request
//
// # Usage
//
//	client := oauth.NewClient(oauth.Config{
//	    ClientID:     id,
//	    ClientSecret: secret,
//	})
//
//	url := client.AuthCodeURL(state, "http://localhost:8765/callback")
//	tok, err := client.ExchangeCode(ctx, code, "http://localhost:8765/callback")
//	tok, err = client.RefreshToken(ctx, tok.RefreshToken)
//
// Errors from ExchangeCode and RefreshToken wrap *oauth2.RetrieveError so
// callers can inspect the provider status and error code.
package oauth
