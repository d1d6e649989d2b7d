// Package app wires the qbmcp components together.
//
// NewApplication initializes logging, loads the configuration and calls
// InitializeServices, which picks one of two modes:
//
//   - local: a credential store (file or SQLite), the Intuit OAuth client,
//     the refresh coordinator, the interactive flow coordinator and an
//     optional watcher that invalidates the cache when another process
//     rewrites the credential files
//   - remote: a remote broker client supplying both the company list and
//     ready access tokens
//
// Both modes put the token cache in front of the token source and hand
// everything to a dispatcher, which is what the MCP server and CLI commands
// use. A per-process Prometheus registry exposes the cache counters and can
// be served with StartMetricsServer.
package app
