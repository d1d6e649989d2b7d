package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"qbmcp/internal/config"
	"qbmcp/pkg/logging"
)

// Application bootstraps qbmcp: logging, configuration and the broker
// services that commands run against.
//
// Example usage:
//
//	application, err := app.NewApplication(ctx, app.NewConfig(false, ""))
//	if err != nil {
//	    return err
//	}
//	defer application.Close()
//	companies, err := application.Services().Dispatcher.ListCompanies(ctx)
type Application struct {
	config   *Config
	services *Services
}

// NewApplication configures logging, loads configuration (unless
// cfg.Settings is already set) and initializes all services.
func NewApplication(ctx context.Context, cfg *Config) (*Application, error) {
	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	if cfg.MCPMode {
		logging.InitForMCP(level, false)
	} else {
		var out io.Writer = os.Stderr
		if cfg.LogOutput != nil {
			out = cfg.LogOutput
		}
		logging.InitForCLI(level, out)
	}

	if cfg.Settings == nil {
		settings, err := config.LoadConfig(cfg.ConfigPath)
		if err != nil {
			logging.Error("Bootstrap", err, "Failed to load qbmcp configuration")
			return nil, fmt.Errorf("failed to load qbmcp configuration: %w", err)
		}
		cfg.Settings = &settings
	}

	services, err := InitializeServices(ctx, cfg)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{config: cfg, services: services}, nil
}

// Services returns the initialized services.
func (a *Application) Services() *Services {
	return a.services
}

// Close releases every service.
func (a *Application) Close() error {
	return a.services.Close()
}
