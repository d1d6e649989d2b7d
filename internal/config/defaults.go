package config

import "time"

const (
	// DefaultCacheTTL bounds how long a cached token is served.
	DefaultCacheTTL = time.Hour

	// DefaultSkewMargin is subtracted from token expiry when judging validity.
	DefaultSkewMargin = 60 * time.Second

	// DefaultRefreshTimeout bounds one refresh round-trip.
	DefaultRefreshTimeout = 30 * time.Second

	// DefaultFlowTimeout bounds an interactive authorization flow.
	DefaultFlowTimeout = 5 * time.Minute

	DefaultCallbackPortStart = 8765
	DefaultCallbackPortEnd   = 8769

	// DefaultScope grants access to the accounting API.
	DefaultScope = "com.intuit.quickbooks.accounting"
)

// GetDefaultConfig returns the configuration used before the file and the
// environment are applied.
func GetDefaultConfig() Config {
	return Config{
		Environment: EnvironmentSandbox,
		Scopes:      []string{DefaultScope},
		Cache: CacheConfig{
			TTL:        Duration(DefaultCacheTTL),
			SkewMargin: Duration(DefaultSkewMargin),
		},
		Refresh: RefreshConfig{
			Timeout: Duration(DefaultRefreshTimeout),
		},
		Auth: AuthConfig{
			FlowTimeout:       Duration(DefaultFlowTimeout),
			CallbackPortStart: DefaultCallbackPortStart,
			CallbackPortEnd:   DefaultCallbackPortEnd,
		},
		Storage: StorageConfig{
			Driver: StorageDriverFile,
		},
	}
}
