package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qbmcp/internal/broker"
	"qbmcp/internal/credstore"
	"qbmcp/internal/refresh"
	"qbmcp/internal/tokencache"
	"qbmcp/pkg/oauth"
)

type fakeTokens struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeTokens) AccessToken(ctx context.Context, key string) (broker.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	return broker.TokenRecord{
		RealmID:      key,
		AccessToken:  "access-" + key,
		RefreshToken: "refresh-" + key,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeTokens) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type staticCompanies []broker.Company

func (s staticCompanies) ListCompanies(ctx context.Context) ([]broker.Company, error) {
	return s, nil
}

type fakeRevoker struct {
	mu      sync.Mutex
	revoked []string
	err     error
}

func (r *fakeRevoker) Revoke(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, token)
	return r.err
}

func newDispatcher(t *testing.T, companies []broker.Company, apiURL string) (*Dispatcher, *fakeTokens) {
	t.Helper()
	tokens := &fakeTokens{calls: map[string]int{}}
	cache := tokencache.New(tokencache.Config{Tokens: tokens, Companies: staticCompanies(companies)})
	return New(Config{Cache: cache, APIBaseURL: apiURL}), tokens
}

var twoCompanies = []broker.Company{
	{ID: "111", RealmID: "111", Name: "Acme"},
	{ID: "222", RealmID: "222", Name: "Globex"},
}

func TestResolveClient_TwoTenantsIsAmbiguous(t *testing.T) {
	d, tokens := newDispatcher(t, twoCompanies, "")

	_, err := d.ResolveClient(context.Background(), "")
	var be *broker.Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, broker.KindAmbiguousTenant, be.Kind)
	assert.Len(t, be.Candidates, 2)
	assert.Contains(t, be.Detail, "Acme (111)")
	assert.Zero(t, tokens.Calls("111"))
}

func TestResolveClient_SingleTenantIsUsed(t *testing.T) {
	d, tokens := newDispatcher(t, twoCompanies[:1], "")

	h, err := d.ResolveClient(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "111", h.Company.ID)
	assert.Equal(t, "111", h.RealmID())
	assert.Equal(t, 1, tokens.Calls("111"))
}

func TestResolveClient_NoTenantNeedsAuth(t *testing.T) {
	d, _ := newDispatcher(t, nil, "")

	_, err := d.ResolveClient(context.Background(), "")
	assert.True(t, errors.Is(err, broker.ErrNeedsAuth))
}

func TestResolveClient_ExplicitNameNormalizedToID(t *testing.T) {
	d, tokens := newDispatcher(t, twoCompanies, "")

	h, err := d.ResolveClient(context.Background(), "globex")
	require.NoError(t, err)
	assert.Equal(t, "222", h.Company.ID)
	assert.Equal(t, 1, tokens.Calls("222"))
}

func TestResolveClient_ExplicitUnknownIsCompanyNotFound(t *testing.T) {
	d, _ := newDispatcher(t, twoCompanies, "")

	_, err := d.ResolveClient(context.Background(), "999")
	var be *broker.Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, broker.KindCompanyNotFound, be.Kind)
	assert.Len(t, be.Candidates, 2)
}

func TestResolveClientFromContext(t *testing.T) {
	d, _ := newDispatcher(t, twoCompanies, "")
	ctx := context.Background()

	h, err := d.ResolveClientFromContext(ctx, "", "show Globex's open invoices")
	require.NoError(t, err)
	assert.Equal(t, "222", h.Company.ID)

	_, err = d.ResolveClientFromContext(ctx, "", "compare Acme with Globex")
	assert.True(t, errors.Is(err, broker.ErrAmbiguousTenant))

	h, err = d.ResolveClientFromContext(ctx, "111", "show Globex")
	require.NoError(t, err)
	assert.Equal(t, "111", h.Company.ID, "explicit id wins over context")
}

func TestHandle_UnauthorizedIsNeedsAuthWithoutRetry(t *testing.T) {
	var hits atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"Fault":{"Error":[{"Message":"AuthenticationFailed","code":"3200"}]}}`))
	}))
	defer api.Close()

	d, tokens := newDispatcher(t, twoCompanies[:1], api.URL)
	ctx := context.Background()

	h, err := d.ResolveClient(ctx, "")
	require.NoError(t, err)
	_, err = h.Query(ctx, "SELECT * FROM Invoice")

	var be *broker.Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, broker.KindNeedsAuth, be.Kind)
	assert.Equal(t, "111", be.Tenant)
	assert.Equal(t, int32(1), hits.Load())

	// The rejected token is dropped, so the next resolve goes back to the source.
	_, err = d.ResolveClient(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, tokens.Calls("111"))
}

func TestHandle_TooManyRequestsIsRateLimited(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer api.Close()

	d, tokens := newDispatcher(t, twoCompanies[:1], api.URL)
	ctx := context.Background()

	h, err := d.ResolveClient(ctx, "")
	require.NoError(t, err)
	_, err = h.CompanyInfo(ctx)
	assert.True(t, errors.Is(err, broker.ErrRateLimited))

	_, err = d.ResolveClient(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.Calls("111"), "rate limiting keeps the cached token")
}

func TestForceRefresh_Scopes(t *testing.T) {
	d, tokens := newDispatcher(t, twoCompanies, "")
	ctx := context.Background()

	_, err := d.ResolveClient(ctx, "111")
	require.NoError(t, err)
	_, err = d.ResolveClient(ctx, "222")
	require.NoError(t, err)

	require.NoError(t, d.ForceRefresh(ScopeToken, "111"))
	_, _ = d.ResolveClient(ctx, "111")
	_, _ = d.ResolveClient(ctx, "222")
	assert.Equal(t, 2, tokens.Calls("111"))
	assert.Equal(t, 1, tokens.Calls("222"))

	require.NoError(t, d.ForceRefresh(ScopeCompanies, ""))
	assert.Equal(t, 2, d.CacheStats().Entries)

	require.NoError(t, d.ForceRefresh(ScopeAll, ""))
	stats := d.CacheStats()
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.Hits)

	err = d.ForceRefresh(ScopeToken, "")
	assert.True(t, errors.Is(err, broker.ErrValidation))
	err = d.ForceRefresh(Scope("bogus"), "")
	assert.True(t, errors.Is(err, broker.ErrValidation))
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeAll, s)

	s, err = ParseScope("Companies")
	require.NoError(t, err)
	assert.Equal(t, ScopeCompanies, s)

	_, err = ParseScope("everything")
	assert.True(t, errors.Is(err, broker.ErrValidation))
}

func newStoreDispatcher(t *testing.T, revoker *fakeRevoker) (*Dispatcher, credstore.Store) {
	t.Helper()
	store, err := credstore.NewFileStore(credstore.FileStoreConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	for _, realm := range []string{"111", "222"} {
		require.NoError(t, store.Save(ctx, broker.TokenRecord{
			RealmID:      realm,
			RefreshToken: "refresh-" + realm,
		}))
	}

	tokens := &fakeTokens{calls: map[string]int{}}
	cache := tokencache.New(tokencache.Config{Tokens: tokens, Companies: store})
	return New(Config{Cache: cache, Store: store, Revoker: revoker}), store
}

func TestClearAuth_RevokesAndDeletesOneTenant(t *testing.T) {
	revoker := &fakeRevoker{}
	d, store := newStoreDispatcher(t, revoker)
	ctx := context.Background()

	companies, err := d.ListCompanies(ctx)
	require.NoError(t, err)
	require.Len(t, companies, 2)

	require.NoError(t, d.ClearAuth(ctx, "111"))
	assert.Equal(t, []string{"refresh-111"}, revoker.revoked)

	_, err = store.Load(ctx, "111")
	assert.True(t, errors.Is(err, broker.ErrNotFound))

	companies, err = d.ListCompanies(ctx)
	require.NoError(t, err)
	assert.Len(t, companies, 1, "company list is refetched after a clear")

	require.NoError(t, d.ClearAuth(ctx, "111"), "clearing twice is fine")
}

func TestClearAuth_AllSurvivesRevokeFailure(t *testing.T) {
	revoker := &fakeRevoker{err: errors.New("revoke endpoint down")}
	d, store := newStoreDispatcher(t, revoker)
	ctx := context.Background()

	require.NoError(t, d.ClearAuth(ctx, ""))
	assert.Len(t, revoker.revoked, 2)

	has, err := store.HasAny(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRemoteMode_RejectsLocalOperations(t *testing.T) {
	d, _ := newDispatcher(t, twoCompanies, "")

	_, err := d.Authenticate(context.Background(), false)
	assert.Error(t, err)
	assert.Error(t, d.ClearAuth(context.Background(), ""))
	assert.NoError(t, d.Close())
}

// gatedProvider blocks refreshes until release is closed.
type gatedProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p *gatedProvider) RefreshToken(ctx context.Context, rt string) (*oauth.Token, error) {
	p.entered <- struct{}{}
	<-p.release
	return &oauth.Token{
		AccessToken:  "access-rotated",
		RefreshToken: "refresh-rotated",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func TestClearAuth_WaitsForInFlightRefresh(t *testing.T) {
	store, err := credstore.NewFileStore(credstore.FileStoreConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, broker.TokenRecord{RealmID: "111", RefreshToken: "refresh-111"}))

	locks := broker.NewTenantLocks()
	provider := &gatedProvider{entered: make(chan struct{}, 1), release: make(chan struct{})}
	refresher := refresh.NewCoordinator(refresh.Config{Store: store, Provider: provider, Locks: locks})
	cache := tokencache.New(tokencache.Config{Tokens: refresher, Companies: store})
	revoker := &fakeRevoker{}
	d := New(Config{Cache: cache, Store: store, Locks: locks, Revoker: revoker})

	resolved := make(chan error, 1)
	go func() {
		_, err := d.ResolveClient(ctx, "111")
		resolved <- err
	}()
	<-provider.entered

	cleared := make(chan error, 1)
	go func() { cleared <- d.ClearAuth(ctx, "111") }()

	select {
	case <-cleared:
		t.Fatal("clear must wait for the refresh holding the tenant lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(provider.release)
	require.NoError(t, <-resolved)
	require.NoError(t, <-cleared)

	_, err = store.Load(ctx, "111")
	assert.True(t, errors.Is(err, broker.ErrNotFound), "refresh must not resurrect a cleared record")
	assert.Equal(t, []string{"refresh-rotated"}, revoker.revoked, "the rotated token is the one revoked")
	assert.Zero(t, cache.Len())

	_, err = d.ResolveClient(ctx, "")
	assert.True(t, errors.Is(err, broker.ErrNeedsAuth))
}

func TestClearAuth_AllTakesEveryTenantLock(t *testing.T) {
	revoker := &fakeRevoker{}
	store, err := credstore.NewFileStore(credstore.FileStoreConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()
	for _, realm := range []string{"111", "222"} {
		require.NoError(t, store.Save(ctx, broker.TokenRecord{RealmID: realm, RefreshToken: "refresh-" + realm}))
	}
	locks := broker.NewTenantLocks()
	tokens := &fakeTokens{calls: map[string]int{}}
	cache := tokencache.New(tokencache.Config{Tokens: tokens, Companies: store})
	d := New(Config{Cache: cache, Store: store, Locks: locks, Revoker: revoker})

	unlock := locks.Lock("222")
	cleared := make(chan error, 1)
	go func() { cleared <- d.ClearAuth(ctx, "") }()

	select {
	case <-cleared:
		t.Fatal("clear all must wait for a held tenant lock")
	case <-time.After(50 * time.Millisecond):
	}
	has, err := store.HasAny(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	unlock()
	require.NoError(t, <-cleared)
	has, err = store.HasAny(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}
