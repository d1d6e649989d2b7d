package app

import (
	"io"
	"net/http"

	"qbmcp/internal/config"
	"qbmcp/pkg/oauth"
)

// Config holds the application configuration
type Config struct {
	// Debug enables debug logging
	Debug bool

	// ConfigPath overrides the configuration directory (default ~/.config/qbmcp)
	ConfigPath string

	// MCPMode routes logs to stderr, since stdout carries the protocol
	MCPMode bool

	// LogOutput receives CLI logs; defaults to stderr
	LogOutput io.Writer

	// Watch enables the credential directory watcher (long-running commands)
	Watch bool

	// Version is reported by the build_info metric
	Version string

	// OpenBrowser overrides how the authorization URL is opened
	OpenBrowser func(url string) error

	// HTTPClient is used for every outbound call; nil means per-client defaults
	HTTPClient *http.Client

	// Endpoints overrides the Intuit OAuth endpoints
	Endpoints *oauth.Endpoints

	// APIBaseURL overrides the accounting API host chosen by environment
	APIBaseURL string

	// Settings is the loaded qbmcp configuration
	Settings *config.Config
}

// NewConfig creates a new application configuration
func NewConfig(debug bool, configPath string) *Config {
	return &Config{
		Debug:      debug,
		ConfigPath: configPath,
	}
}
