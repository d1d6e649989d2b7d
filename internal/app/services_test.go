package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qbmcp/internal/broker"
	"qbmcp/internal/config"
	"qbmcp/internal/credstore"
	"qbmcp/pkg/oauth"
)

func localSettings(t *testing.T, driver string) *config.Config {
	t.Helper()
	s := config.GetDefaultConfig()
	s.ClientID = "client"
	s.ClientSecret = "secret"
	s.Storage.Driver = driver
	s.Storage.Dir = filepath.Join(t.TempDir(), "tokens")
	require.NoError(t, s.Validate())
	return &s
}

func TestInitializeServices_LocalModes(t *testing.T) {
	for _, driver := range []string{config.StorageDriverFile, config.StorageDriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			svc, err := InitializeServices(ctx, &Config{Settings: localSettings(t, driver), Watch: true})
			require.NoError(t, err)
			defer svc.Close()

			assert.NotNil(t, svc.Store)
			assert.NotNil(t, svc.Refresher)
			assert.NotNil(t, svc.Flows)
			assert.Nil(t, svc.Remote)
			if driver == config.StorageDriverFile {
				assert.NotNil(t, svc.Watcher)
			} else {
				assert.Nil(t, svc.Watcher)
			}

			_, err = svc.Dispatcher.ResolveClient(ctx, "")
			assert.True(t, errors.Is(err, broker.ErrNeedsAuth), "empty store needs authentication")
		})
	}
}

func TestInitializeServices_LocalRefreshThroughProvider(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"fresh","token_type":"bearer","expires_in":3600,"refresh_token":"rotated"}`)
	}))
	defer tokenSrv.Close()

	ctx := context.Background()
	settings := localSettings(t, config.StorageDriverFile)
	svc, err := InitializeServices(ctx, &Config{
		Settings:  settings,
		Endpoints: &oauth.Endpoints{AuthURL: tokenSrv.URL + "/auth", TokenURL: tokenSrv.URL + "/token"},
	})
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Store.Save(ctx, broker.TokenRecord{
		RealmID:      "555",
		CompanyName:  "Acme",
		RefreshToken: "original",
	}))

	h, err := svc.Dispatcher.ResolveClient(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "555", h.RealmID())

	rec, err := svc.Store.Load(ctx, "555")
	require.NoError(t, err)
	assert.Equal(t, "fresh", rec.AccessToken)
	assert.Equal(t, "rotated", rec.RefreshToken)
}

func TestInitializeServices_RemoteMode(t *testing.T) {
	brokerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tokens":
			_ = json.NewEncoder(w).Encode([]broker.Company{{ID: "c1", RealmID: "9", Name: "Remote Co"}})
		case "/tokens/c1":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"accessToken": "remote",
				"realmId":     "9",
				"expiresAt":   time.Now().Add(time.Hour),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer brokerSrv.Close()

	s := config.GetDefaultConfig()
	s.Broker = config.BrokerConfig{URL: brokerSrv.URL, Token: "bt"}
	require.NoError(t, s.Validate())

	ctx := context.Background()
	svc, err := InitializeServices(ctx, &Config{Settings: &s})
	require.NoError(t, err)
	defer svc.Close()

	assert.Nil(t, svc.Store)
	assert.Nil(t, svc.Flows)

	h, err := svc.Dispatcher.ResolveClient(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "c1", h.Company.ID)
	assert.Equal(t, "9", h.RealmID())

	_, err = svc.Dispatcher.Authenticate(ctx, false)
	assert.Error(t, err)
}

func TestMetricsServer_ServesRegistry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := InitializeServices(ctx, &Config{Settings: localSettings(t, config.StorageDriverFile), Version: "1.2.3"})
	require.NoError(t, err)
	defer svc.Close()

	m, err := StartMetricsServer(ctx, "127.0.0.1:0", svc.Registry)
	require.NoError(t, err)
	defer m.Stop()

	resp, err := http.Get("http://" + m.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `qbmcp_build_info{version="1.2.3"} 1`)
	assert.Contains(t, string(body), "qbmcp_token_cache_hits_total")
}

func TestInitializeServices_OwnSavesKeepOtherTenantsCached(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"fresh","token_type":"bearer","expires_in":3600,"refresh_token":"rotated"}`)
	}))
	defer tokenSrv.Close()

	ctx := context.Background()
	svc, err := InitializeServices(ctx, &Config{
		Settings:  localSettings(t, config.StorageDriverFile),
		Endpoints: &oauth.Endpoints{AuthURL: tokenSrv.URL + "/auth", TokenURL: tokenSrv.URL + "/token"},
		Watch:     true,
	})
	require.NoError(t, err)
	defer svc.Close()
	require.NotNil(t, svc.Watcher)

	require.NoError(t, svc.Store.Save(ctx, broker.TokenRecord{
		RealmID:      "111",
		CompanyName:  "Expired Co",
		RefreshToken: "rt-111",
	}))
	require.NoError(t, svc.Store.Save(ctx, broker.TokenRecord{
		RealmID:      "222",
		CompanyName:  "Valid Co",
		AccessToken:  "at-222",
		RefreshToken: "rt-222",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
	// Let the seeding events settle before filling the cache.
	time.Sleep(2 * credstore.DefaultDebounceInterval)

	_, err = svc.Cache.GetAccessToken(ctx, "222")
	require.NoError(t, err)

	// Refreshing 111 rewrites its file from this process.
	rec, err := svc.Cache.GetAccessToken(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, "fresh", rec.AccessToken)
	misses := svc.Cache.GetMetrics().Misses

	time.Sleep(2 * credstore.DefaultDebounceInterval)

	_, err = svc.Cache.GetAccessToken(ctx, "222")
	require.NoError(t, err)
	assert.Equal(t, misses, svc.Cache.GetMetrics().Misses, "222 must still be cached")
	assert.Equal(t, 2, svc.Cache.Len())
}
