// Package config loads the qbmcp configuration.
//
// Configuration is resolved in three layers:
//   - built-in defaults (GetDefaultConfig)
//   - config.yaml in the configuration directory, ~/.config/qbmcp by default
//   - QBO_* environment variables
//
// The merged result is validated before use. Invalid values, such as a
// non-numeric or non-positive cache TTL or an inverted callback port range,
// fail with a broker validation error instead of being silently corrected.
//
// # File Format
//
//	clientId: ABc123
//	clientSecret: s3cr3t
//	environment: sandbox
//	cache:
//	  ttl: 1h
//	  skewMargin: 60s
//	auth:
//	  flowTimeout: 5m
//	  callbackPortStart: 8765
//	  callbackPortEnd: 8769
//	storage:
//	  driver: file
//	  dir: ~/.config/qbmcp/tokens
//
// Durations accept Go duration strings or whole seconds. Setting broker.url
// switches to remote mode, where client credentials and local storage are
// not used.
package config
