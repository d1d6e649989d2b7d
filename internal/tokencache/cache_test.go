package tokencache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qbmcp/internal/broker"
)

type fakeSource struct {
	mu           sync.Mutex
	tokenCalls   map[string]int
	companyCalls int
	expiresIn    time.Duration
	now          func() time.Time
	err          error
	companies    []broker.Company
	companyErr   error
}

func (f *fakeSource) AccessToken(ctx context.Context, key string) (broker.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls[key]++
	if f.err != nil {
		return broker.TokenRecord{}, f.err
	}
	return broker.TokenRecord{
		RealmID:      key,
		AccessToken:  "token-" + key,
		RefreshToken: "r",
		ExpiresAt:    f.now().Add(f.expiresIn),
	}, nil
}

func (f *fakeSource) ListCompanies(ctx context.Context) ([]broker.Company, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.companyCalls++
	if f.companyErr != nil {
		return nil, f.companyErr
	}
	return f.companies, nil
}

func (f *fakeSource) calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls[key]
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newCache(t *testing.T, expiresIn time.Duration) (*Cache, *fakeSource, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	src := &fakeSource{
		tokenCalls: make(map[string]int),
		expiresIn:  expiresIn,
		now:        clk.Now,
		companies:  []broker.Company{{ID: "1", RealmID: "1", Name: "Acme"}},
	}
	c := New(Config{Tokens: src, Companies: src, TTL: time.Hour, Now: clk.Now})
	return c, src, clk
}

func TestGetAccessToken_ServesFreshFromCache(t *testing.T) {
	c, src, clk := newCache(t, 5*time.Minute)
	ctx := context.Background()

	_, err := c.GetAccessToken(ctx, "1")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	rec, err := c.GetAccessToken(ctx, "1")
	require.NoError(t, err)

	assert.Equal(t, "token-1", rec.AccessToken)
	assert.Equal(t, 1, src.calls("1"))
	m := c.GetMetrics()
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(1), m.Misses)
}

func TestGetAccessToken_ExpiryWinsOverTTL(t *testing.T) {
	c, src, clk := newCache(t, 5*time.Minute)
	ctx := context.Background()

	_, err := c.GetAccessToken(ctx, "1")
	require.NoError(t, err)

	// 4m30s in: expiry minus 60s skew has passed, TTL has not.
	clk.Advance(4*time.Minute + 30*time.Second)
	_, err = c.GetAccessToken(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls("1"))
}

func TestGetAccessToken_TTLWinsOverExpiry(t *testing.T) {
	c, src, clk := newCache(t, 24*time.Hour)
	ctx := context.Background()

	_, err := c.GetAccessToken(ctx, "1")
	require.NoError(t, err)
	clk.Advance(61 * time.Minute)
	_, err = c.GetAccessToken(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls("1"))
}

func TestGetAccessToken_ErrorsCountedAndClassified(t *testing.T) {
	c, src, _ := newCache(t, time.Hour)
	src.err = broker.NeedsAuth("1", "gone")

	_, err := c.GetAccessToken(context.Background(), "1")
	assert.True(t, errors.Is(err, broker.ErrNeedsAuth))

	src.err = errors.New("boom")
	_, err = c.GetAccessToken(context.Background(), "1")
	assert.True(t, errors.Is(err, broker.ErrFatal))

	m := c.GetMetrics()
	assert.Equal(t, int64(2), m.Errors)
	assert.Equal(t, int64(2), m.Misses)
	assert.Equal(t, 0, c.Len(), "failures are not cached")
}

func TestForceRefreshToken_OnlyDropsThatTenant(t *testing.T) {
	c, src, _ := newCache(t, time.Hour)
	ctx := context.Background()
	_, _ = c.GetAccessToken(ctx, "1")
	_, _ = c.GetAccessToken(ctx, "2")
	_, _ = c.GetCompanies(ctx)

	c.ForceRefreshToken("1")
	_, _ = c.GetAccessToken(ctx, "1")
	_, _ = c.GetAccessToken(ctx, "2")
	_, _ = c.GetCompanies(ctx)

	assert.Equal(t, 2, src.calls("1"))
	assert.Equal(t, 1, src.calls("2"))
	assert.Equal(t, 1, src.companyCalls)
}

func TestForceRefreshCompanies_KeepsTokens(t *testing.T) {
	c, src, _ := newCache(t, time.Hour)
	ctx := context.Background()
	_, _ = c.GetAccessToken(ctx, "1")
	_, _ = c.GetCompanies(ctx)

	c.ForceRefreshCompanies()
	companies, err := c.GetCompanies(ctx)
	require.NoError(t, err)
	_, _ = c.GetAccessToken(ctx, "1")

	assert.Len(t, companies, 1)
	assert.Equal(t, 2, src.companyCalls)
	assert.Equal(t, 1, src.calls("1"))
}

func TestForceRefresh_ResetsEverything(t *testing.T) {
	c, src, clk := newCache(t, time.Hour)
	ctx := context.Background()
	_, _ = c.GetAccessToken(ctx, "1")
	_, _ = c.GetAccessToken(ctx, "1")
	_, _ = c.GetCompanies(ctx)
	before := c.GetMetrics().LastReset

	clk.Advance(time.Second)
	c.ForceRefresh()

	m := c.GetMetrics()
	assert.Zero(t, m.Hits)
	assert.Zero(t, m.Misses)
	assert.Zero(t, m.Errors)
	assert.True(t, m.LastReset.After(before))
	assert.Equal(t, 0, c.Len())

	_, _ = c.GetCompanies(ctx)
	assert.Equal(t, 2, src.companyCalls)
}

func TestInvalidate_KeepsMetrics(t *testing.T) {
	c, _, _ := newCache(t, time.Hour)
	ctx := context.Background()
	_, _ = c.GetAccessToken(ctx, "1")
	_, _ = c.GetAccessToken(ctx, "1")

	c.Invalidate()

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(1), c.GetMetrics().Hits)
}

func TestGetCompanies_CachesAndPropagatesErrors(t *testing.T) {
	c, src, clk := newCache(t, time.Hour)
	ctx := context.Background()

	_, err := c.GetCompanies(ctx)
	require.NoError(t, err)
	_, err = c.GetCompanies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, src.companyCalls)

	clk.Advance(2 * time.Hour)
	src.companyErr = broker.BrokerError(502, "Bad Gateway")
	_, err = c.GetCompanies(ctx)
	assert.True(t, errors.Is(err, broker.ErrBroker))
}

func TestGetCompanies_ReturnsCopy(t *testing.T) {
	c, _, _ := newCache(t, time.Hour)
	ctx := context.Background()

	list, err := c.GetCompanies(ctx)
	require.NoError(t, err)
	list[0].Name = "mutated"

	again, err := c.GetCompanies(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Acme", again[0].Name)
}

func TestCollector(t *testing.T) {
	c, _, _ := newCache(t, time.Hour)
	_, _ = c.GetAccessToken(context.Background(), "1")
	_, _ = c.GetAccessToken(context.Background(), "1")

	col := NewCollector(c)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(col))

	assert.Equal(t, 5, testutil.CollectAndCount(col))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				values[mf.GetName()] = m.GetCounter().GetValue()
			} else {
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), values["qbmcp_token_cache_hits_total"])
	assert.Equal(t, float64(1), values["qbmcp_token_cache_misses_total"])
	assert.Equal(t, float64(1), values["qbmcp_token_cache_entries"])
}

// gatedSource blocks each call until release is closed.
type gatedSource struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGatedSource() *gatedSource {
	return &gatedSource{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedSource) AccessToken(ctx context.Context, key string) (broker.TokenRecord, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	<-g.release
	return broker.TokenRecord{
		RealmID:      key,
		AccessToken:  "token-" + key,
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (g *gatedSource) ListCompanies(ctx context.Context) ([]broker.Company, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []broker.Company{{ID: "c1", RealmID: "1"}}, nil
}

func TestGetAccessToken_DropDuringFetchIsNotOverwritten(t *testing.T) {
	src := newGatedSource()
	c := New(Config{Tokens: src, Companies: src})

	done := make(chan error, 1)
	go func() {
		rec, err := c.GetAccessToken(context.Background(), "123")
		if err == nil && rec.AccessToken != "token-123" {
			err = errors.New("unexpected token " + rec.AccessToken)
		}
		done <- err
	}()

	<-src.entered
	c.ForceRefreshToken("123")
	close(src.release)
	require.NoError(t, <-done, "the caller still gets the fetched token")

	assert.Equal(t, 0, c.Len(), "fetch that raced a drop must not be cached")

	_, err := c.GetAccessToken(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestGetAccessToken_InvalidateDuringFetchIsNotOverwritten(t *testing.T) {
	src := newGatedSource()
	c := New(Config{Tokens: src, Companies: src})

	done := make(chan error, 1)
	go func() {
		_, err := c.GetAccessToken(context.Background(), "123")
		done <- err
	}()

	<-src.entered
	c.Invalidate()
	close(src.release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, c.Len())
}

func TestGetCompanies_SharedFetchSurvivesFirstCallerCancel(t *testing.T) {
	src := newGatedSource()
	c := New(Config{Tokens: src, Companies: src})

	firstCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.GetCompanies(firstCtx)
		first <- err
	}()
	<-src.entered

	second := make(chan []broker.Company, 1)
	go func() {
		list, err := c.GetCompanies(context.Background())
		assert.NoError(t, err)
		second <- list
	}()

	// Give the second caller time to join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(src.release)

	require.NoError(t, <-first)
	select {
	case list := <-second:
		require.Len(t, list, 1)
		assert.Equal(t, "c1", list[0].ID)
	case <-time.After(3 * time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int32(1), src.calls.Load())
}
