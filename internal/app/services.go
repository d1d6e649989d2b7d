package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"qbmcp/internal/authflow"
	"qbmcp/internal/broker"
	"qbmcp/internal/config"
	"qbmcp/internal/credstore"
	"qbmcp/internal/dispatcher"
	"qbmcp/internal/quickbooks"
	"qbmcp/internal/refresh"
	"qbmcp/internal/remotebroker"
	"qbmcp/internal/tokencache"
	"qbmcp/pkg/logging"
	"qbmcp/pkg/oauth"
)

// Services holds every initialized component.
//
// In local mode tokens live in Store and are refreshed by Refresher; Flows
// runs the interactive authorization. In remote mode Remote supplies both
// companies and tokens, and Store, Refresher and Flows are nil.
type Services struct {
	Settings config.Config

	Store     credstore.Store
	Locks     *broker.TenantLocks
	Watcher   *credstore.Watcher
	OAuth     *oauth.Client
	Refresher *refresh.Coordinator
	Flows     *authflow.Coordinator
	Remote    *remotebroker.Client

	Cache      *tokencache.Cache
	Dispatcher *dispatcher.Dispatcher
	Registry   *prometheus.Registry
}

// InitializeServices wires the broker from cfg.Settings.
func InitializeServices(ctx context.Context, cfg *Config) (*Services, error) {
	if cfg.Settings == nil {
		return nil, errors.New("settings not loaded")
	}
	s := &Services{Settings: *cfg.Settings}

	apiBase := cfg.APIBaseURL
	if apiBase == "" {
		apiBase = quickbooks.BaseURLFor(s.Settings.Environment)
	}

	var err error
	if s.Settings.RemoteMode() {
		err = s.initRemote(cfg)
	} else {
		err = s.initLocal(ctx, cfg, apiBase)
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.Dispatcher = dispatcher.New(dispatcher.Config{
		Cache:      s.Cache,
		Flows:      s.Flows,
		Store:      s.Store,
		Revoker:    revokerOf(s.OAuth),
		Locks:      s.Locks,
		APIBaseURL: apiBase,
		HTTPClient: cfg.HTTPClient,
	})

	s.Registry = NewRegistry(s.Cache, cfg.Version)
	return s, nil
}

func (s *Services) initRemote(cfg *Config) error {
	rb, err := remotebroker.NewClient(remotebroker.Config{
		BaseURL:    s.Settings.Broker.URL,
		Token:      s.Settings.Broker.Token,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return err
	}
	s.Remote = rb
	s.Cache = tokencache.New(tokencache.Config{
		Tokens:     rb,
		Companies:  rb,
		TTL:        s.Settings.Cache.TTL.Std(),
		SkewMargin: s.Settings.Cache.SkewMargin.Std(),
	})
	logging.Info("Bootstrap", "Using remote token broker at %s", s.Settings.Broker.URL)
	return nil
}

func (s *Services) initLocal(ctx context.Context, cfg *Config, apiBase string) error {
	store, err := openStore(ctx, s.Settings.Storage)
	if err != nil {
		return err
	}
	s.Store = store

	oauthCfg := oauth.Config{
		ClientID:     s.Settings.ClientID,
		ClientSecret: s.Settings.ClientSecret,
		Scopes:       s.Settings.Scopes,
		Endpoints:    endpointsFor(s.Settings.OAuth),
	}
	if cfg.Endpoints != nil {
		oauthCfg.Endpoints = *cfg.Endpoints
	}
	var opts []oauth.ClientOption
	if cfg.HTTPClient != nil {
		opts = append(opts, oauth.WithHTTPClient(cfg.HTTPClient))
	}
	s.OAuth = oauth.NewClient(oauthCfg, opts...)

	locks := broker.NewTenantLocks()
	s.Locks = locks
	skew := s.Settings.Cache.SkewMargin.Std()

	s.Refresher = refresh.NewCoordinator(refresh.Config{
		Store:      store,
		Provider:   s.OAuth,
		Locks:      locks,
		SkewMargin: skew,
		Timeout:    s.Settings.Refresh.Timeout.Std(),
	})

	s.Cache = tokencache.New(tokencache.Config{
		Tokens:     s.Refresher,
		Companies:  store,
		TTL:        s.Settings.Cache.TTL.Std(),
		SkewMargin: skew,
	})

	cache := s.Cache
	s.Flows = authflow.NewCoordinator(authflow.Config{
		Exchanger: s.OAuth,
		Store:     store,
		Locks:     locks,
		Ports: authflow.PortRange{
			Start: s.Settings.Auth.CallbackPortStart,
			End:   s.Settings.Auth.CallbackPortEnd,
		},
		Timeout:     s.Settings.Auth.FlowTimeout.Std(),
		Environment: s.Settings.Environment,
		OpenBrowser: cfg.OpenBrowser,
		ResolveName: quickbooks.NameResolver(apiBase, cfg.HTTPClient),
		OnAuthenticated: func(rec broker.TokenRecord) {
			cache.ForceRefreshToken(rec.RealmID)
			cache.ForceRefreshCompanies()
		},
	})

	if cfg.Watch && s.Settings.Storage.Driver == config.StorageDriverFile {
		watchCfg := credstore.WatcherConfig{
			Dir: s.Settings.Storage.Dir,
			OnChange: func() {
				logging.Debug("Bootstrap", "Credential files changed, invalidating cache")
				cache.Invalidate()
			},
		}
		// This process' own saves are already reflected in the cache.
		if fs, ok := store.(*credstore.FileStore); ok {
			watchCfg.Ignore = fs.OwnsChange
		}
		s.Watcher = credstore.NewWatcher(watchCfg)
		if err := s.Watcher.Start(); err != nil {
			// Another process' writes are then only seen after the cache TTL.
			logging.Warn("Bootstrap", "Credential watcher disabled: %v", err)
			s.Watcher = nil
		}
	}

	logging.Info("Bootstrap", "Using %s credential store in %s", s.Settings.Storage.Driver, s.Settings.Storage.Dir)
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (credstore.Store, error) {
	switch cfg.Driver {
	case config.StorageDriverSQLite:
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		return credstore.NewSQLStore(ctx, credstore.SQLStoreConfig{
			DSN: filepath.Join(cfg.Dir, credstore.DefaultSQLiteFile),
		})
	default:
		return credstore.NewFileStore(credstore.FileStoreConfig{Dir: cfg.Dir})
	}
}

func endpointsFor(o config.OAuthConfig) oauth.Endpoints {
	ep := oauth.DefaultEndpoints()
	if o.AuthURL != "" {
		ep.AuthURL = o.AuthURL
	}
	if o.TokenURL != "" {
		ep.TokenURL = o.TokenURL
	}
	if o.RevokeURL != "" {
		ep.RevokeURL = o.RevokeURL
	}
	return ep
}

// revokerOf avoids a typed-nil interface when there is no OAuth client.
func revokerOf(c *oauth.Client) dispatcher.Revoker {
	if c == nil {
		return nil
	}
	return c
}

// Close stops the watcher and releases the dispatcher, which owns the flows
// and the store.
func (s *Services) Close() error {
	var errs []error
	if s.Watcher != nil {
		errs = append(errs, s.Watcher.Stop())
	}
	if s.Dispatcher != nil {
		errs = append(errs, s.Dispatcher.Close())
	} else {
		if s.Flows != nil {
			errs = append(errs, s.Flows.Close())
		}
		if s.Store != nil {
			errs = append(errs, s.Store.Close())
		}
	}
	return errors.Join(errs...)
}
