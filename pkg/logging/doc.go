// Package logging provides subsystem-tagged structured logging for qbmcp,
// built on the standard slog package.
//
// # Usage
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Refresh", "Refreshed access token for realm %s", realmID)
//	logging.Error("CredStore", err, "Failed to persist tokens for realm %s", realmID)
//
// When serving MCP over stdio, use InitForMCP so nothing is written to stdout.
//
// # Audit Logging
//
// Credential lifecycle events (exchange, refresh, revoke, clear) are logged with
// Audit using a "SECURITY_AUDIT:" message prefix and an event attribute:
//
//	logging.Audit(logging.AuditEvent{
//	    Event:   "token_refreshed",
//	    Message: "OAuth token refreshed",
//	    Tenant:  realmID,
//	})
//
// Token values are never logged. Use RedactToken when a log line needs to show
// whether a secret was present.
package logging
