// Package tokencache keeps recently issued access tokens and the tenant list in
// memory so hot paths avoid the credential store and the provider.
package tokencache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"qbmcp/internal/broker"
	"qbmcp/pkg/logging"
)

const (
	// DefaultTTL bounds how long an entry is served without consulting the source.
	DefaultTTL = time.Hour

	companiesKey = "companies"
)

// TokenSource produces valid access tokens, e.g. the refresh coordinator or a
// remote broker.
type TokenSource interface {
	AccessToken(ctx context.Context, key string) (broker.TokenRecord, error)
}

// CompanySource lists the known tenants.
type CompanySource interface {
	ListCompanies(ctx context.Context) ([]broker.Company, error)
}

// Config configures a Cache.
type Config struct {
	Tokens    TokenSource
	Companies CompanySource

	// TTL defaults to DefaultTTL.
	TTL time.Duration

	// SkewMargin defaults to broker.DefaultSkewMargin.
	SkewMargin time.Duration

	Now func() time.Time
}

type entry struct {
	record   broker.TokenRecord
	cachedAt time.Time
}

// Cache is an in-memory TTL layer over a TokenSource and CompanySource.
// Token entries and the company list invalidate independently.
type Cache struct {
	tokens    TokenSource
	companies CompanySource
	ttl       time.Duration
	skew      time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	entries  map[string]entry
	tokenGen uint64

	companyMu       sync.RWMutex
	companyList     []broker.Company
	companyCachedAt time.Time
	companyGen      uint64
	companyGroup    singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	errors    atomic.Int64
	metricsMu sync.RWMutex
	lastReset time.Time
}

// New creates a cache.
func New(cfg Config) *Cache {
	c := &Cache{
		tokens:    cfg.Tokens,
		companies: cfg.Companies,
		ttl:       cfg.TTL,
		skew:      cfg.SkewMargin,
		now:       cfg.Now,
		entries:   make(map[string]entry),
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.skew <= 0 {
		c.skew = broker.DefaultSkewMargin
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.lastReset = c.now()
	return c
}

// GetAccessToken returns a cached token for key when fresh, otherwise asks the
// token source and caches the result. Failures are counted and not cached.
func (c *Cache) GetAccessToken(ctx context.Context, key string) (broker.TokenRecord, error) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	gen := c.tokenGen
	c.mu.RUnlock()
	if ok && c.fresh(e, now) {
		c.hits.Add(1)
		return e.record, nil
	}

	c.misses.Add(1)
	rec, err := c.tokens.AccessToken(ctx, key)
	if err != nil {
		c.errors.Add(1)
		if ok {
			c.dropToken(key)
		}
		return broker.TokenRecord{}, broker.ClassifyError(err)
	}

	c.mu.Lock()
	// A token dropped during the fetch stays dropped.
	stored := c.tokenGen == gen
	if stored {
		c.entries[key] = entry{record: rec, cachedAt: c.now()}
	}
	c.mu.Unlock()

	if stored {
		logging.Debug("TokenCache", "Cached access token for %s until %s", key, rec.ExpiresAt.Format(time.RFC3339))
	}
	return rec, nil
}

// fresh applies the sooner of the TTL and the token's own expiry minus skew.
func (c *Cache) fresh(e entry, now time.Time) bool {
	if !now.Before(e.cachedAt.Add(c.ttl)) {
		return false
	}
	if e.record.AccessToken == "" {
		return false
	}
	if e.record.ExpiresAt.IsZero() {
		return true
	}
	return e.record.AccessTokenValid(now, c.skew)
}

// GetCompanies returns the cached tenant list, refilling it when stale.
// Concurrent misses share one fetch. Company lookups are not counted in the
// token metrics.
func (c *Cache) GetCompanies(ctx context.Context) ([]broker.Company, error) {
	now := c.now()

	c.companyMu.RLock()
	if c.companyList != nil && now.Before(c.companyCachedAt.Add(c.ttl)) {
		list := cloneCompanies(c.companyList)
		c.companyMu.RUnlock()
		return list, nil
	}
	gen := c.companyGen
	c.companyMu.RUnlock()

	// The shared fetch must not fail for everyone when its first caller goes away.
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := c.companyGroup.Do(companiesKey, func() (interface{}, error) {
		return c.companies.ListCompanies(fetchCtx)
	})
	if err != nil {
		return nil, broker.ClassifyError(err)
	}
	list := v.([]broker.Company)

	c.companyMu.Lock()
	// An invalidation during the fetch wins over the fetched result.
	if c.companyGen == gen {
		c.companyList = cloneCompanies(list)
		if c.companyList == nil {
			c.companyList = []broker.Company{}
		}
		c.companyCachedAt = c.now()
	}
	c.companyMu.Unlock()

	return cloneCompanies(list), nil
}

// ForceRefresh drops every entry and resets the metrics.
func (c *Cache) ForceRefresh() {
	c.Invalidate()

	c.hits.Store(0)
	c.misses.Store(0)
	c.errors.Store(0)
	c.metricsMu.Lock()
	c.lastReset = c.now()
	c.metricsMu.Unlock()

	logging.Info("TokenCache", "Cache cleared and metrics reset")
}

// ForceRefreshCompanies drops only the company list.
func (c *Cache) ForceRefreshCompanies() {
	c.companyMu.Lock()
	c.companyList = nil
	c.companyCachedAt = time.Time{}
	c.companyGen++
	c.companyMu.Unlock()
	logging.Debug("TokenCache", "Company list invalidated")
}

// ForceRefreshToken drops the entry for tenant, matching either the cache key
// or the record's realm id.
func (c *Cache) ForceRefreshToken(tenant string) {
	c.dropToken(tenant)
	logging.Debug("TokenCache", "Token for %s invalidated", tenant)
}

// Invalidate drops every entry without touching the metrics. Used when the
// credential store changed underneath the cache.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.tokenGen++
	c.mu.Unlock()
	c.ForceRefreshCompanies()
}

// GetMetrics returns a snapshot of the counters.
func (c *Cache) GetMetrics() broker.Metrics {
	c.metricsMu.RLock()
	lastReset := c.lastReset
	c.metricsMu.RUnlock()

	return broker.Metrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Errors:    c.errors.Load(),
		LastReset: lastReset,
	}
}

// Len returns the number of cached token entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) dropToken(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenGen++
	for key, e := range c.entries {
		if key == tenant || e.record.RealmID == tenant {
			delete(c.entries, key)
		}
	}
}

func cloneCompanies(in []broker.Company) []broker.Company {
	if in == nil {
		return nil
	}
	out := make([]broker.Company, len(in))
	copy(out, in)
	return out
}
