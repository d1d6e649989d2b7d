package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"qbmcp/internal/broker"
	"qbmcp/pkg/logging"
)

const (
	userConfigDir  = ".config/qbmcp"
	configFileName = "config.yaml"
	tokensDirName  = "tokens"
)

// Environment variables that override the file.
const (
	EnvClientID      = "QBO_CLIENT_ID"
	EnvClientSecret  = "QBO_CLIENT_SECRET"
	EnvEnvironment   = "QBO_ENVIRONMENT"
	EnvCacheTTL      = "QBO_CACHE_TTL"
	EnvBrokerURL     = "QBO_BROKER_URL"
	EnvBrokerToken   = "QBO_BROKER_TOKEN"
	EnvStorageDir    = "QBO_STORAGE_DIR"
	EnvStorageDriver = "QBO_STORAGE_DRIVER"
)

// osUserHomeDir is replaced in tests.
var osUserHomeDir = os.UserHomeDir

// DefaultConfigDir returns ~/.config/qbmcp.
func DefaultConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// LoadConfig loads configPath/config.yaml over the defaults, applies
// environment overrides and validates the result. An empty configPath means
// DefaultConfigDir. A missing file is not an error.
func LoadConfig(configPath string) (Config, error) {
	if configPath == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return Config{}, err
		}
		configPath = dir
	}

	config := GetDefaultConfig()

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Debug("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
	case err != nil:
		return Config{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, broker.Wrap(broker.KindValidation, err,
				fmt.Sprintf("error loading config from %s: %v", configFilePath, err))
		}
		logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	}

	if err := applyEnv(&config, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if config.Storage.Dir == "" {
		config.Storage.Dir = filepath.Join(configPath, tokensDirName)
	}
	config.Storage.Dir, err = expandHome(config.Storage.Dir)
	if err != nil {
		return Config{}, err
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// applyEnv overlays the QBO_* variables.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str(EnvClientID, &c.ClientID)
	str(EnvClientSecret, &c.ClientSecret)
	str(EnvEnvironment, &c.Environment)
	str(EnvBrokerURL, &c.Broker.URL)
	str(EnvBrokerToken, &c.Broker.Token)
	str(EnvStorageDir, &c.Storage.Dir)
	str(EnvStorageDriver, &c.Storage.Driver)

	if v, ok := lookup(EnvCacheTTL); ok && strings.TrimSpace(v) != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return broker.NewValidationError("cache.ttl", fmt.Sprintf("%s: %v", EnvCacheTTL, err))
		}
		c.Cache.TTL = Duration(d)
	}

	c.Environment = strings.ToLower(c.Environment)
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := osUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
