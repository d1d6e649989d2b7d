package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for qbmcp.
type Config struct {
	ClientID     string   `yaml:"clientId,omitempty"`
	ClientSecret string   `yaml:"clientSecret,omitempty"`
	Environment  string   `yaml:"environment,omitempty"` // sandbox or production
	Scopes       []string `yaml:"scopes,omitempty"`

	Cache   CacheConfig   `yaml:"cache,omitempty"`
	Refresh RefreshConfig `yaml:"refresh,omitempty"`
	Auth    AuthConfig    `yaml:"auth,omitempty"`
	OAuth   OAuthConfig   `yaml:"oauth,omitempty"`
	Storage StorageConfig `yaml:"storage,omitempty"`
	Broker  BrokerConfig  `yaml:"broker,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// CacheConfig controls the in-memory token cache.
type CacheConfig struct {
	TTL        Duration `yaml:"ttl,omitempty"`        // default: 1h
	SkewMargin Duration `yaml:"skewMargin,omitempty"` // default: 60s
}

// RefreshConfig controls token refresh against the provider.
type RefreshConfig struct {
	Timeout Duration `yaml:"timeout,omitempty"` // default: 30s
}

// AuthConfig controls the interactive authorization flow.
type AuthConfig struct {
	FlowTimeout       Duration `yaml:"flowTimeout,omitempty"`       // default: 5m
	CallbackPortStart int      `yaml:"callbackPortStart,omitempty"` // default: 8765
	CallbackPortEnd   int      `yaml:"callbackPortEnd,omitempty"`   // default: 8769
}

// OAuthConfig overrides individual Intuit OAuth endpoints. Empty fields keep
// the Intuit defaults.
type OAuthConfig struct {
	AuthURL   string `yaml:"authUrl,omitempty"`
	TokenURL  string `yaml:"tokenUrl,omitempty"`
	RevokeURL string `yaml:"revokeUrl,omitempty"`
}

// StorageConfig selects the credential store.
type StorageConfig struct {
	Driver string `yaml:"driver,omitempty"` // file or sqlite
	Dir    string `yaml:"dir,omitempty"`    // default: ~/.config/qbmcp/tokens
}

// BrokerConfig points at a remote custody service. Setting URL switches
// qbmcp to remote mode: no local storage and no interactive flow.
type BrokerConfig struct {
	URL   string `yaml:"url,omitempty"`
	Token string `yaml:"token,omitempty"`
}

// MetricsConfig exposes cache metrics over HTTP when Address is set.
type MetricsConfig struct {
	Address string `yaml:"address,omitempty"`
}

// Storage drivers.
const (
	StorageDriverFile   = "file"
	StorageDriverSQLite = "sqlite"
)

// Environments.
const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// RemoteMode reports whether tokens come from a remote broker.
func (c Config) RemoteMode() bool {
	return strings.TrimSpace(c.Broker.URL) != ""
}

// Duration accepts Go duration strings ("90s", "1h") or a bare number of
// seconds, in YAML and in environment variables.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// ParseDuration parses s as a duration string or whole seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
