// Package refresh turns stored refresh tokens into valid access tokens with
// per-realm single-flight deduplication.
package refresh

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"qbmcp/internal/broker"
	"qbmcp/internal/credstore"
	"qbmcp/pkg/logging"
	"qbmcp/pkg/oauth"
)

const (
	// DefaultTimeout bounds a single refresh exchange.
	DefaultTimeout = 30 * time.Second

	// defaultAccessTokenLifetime is assumed when the provider omits expires_in.
	defaultAccessTokenLifetime = time.Hour
)

// Provider exchanges a refresh token for a new access token.
type Provider interface {
	RefreshToken(ctx context.Context, refreshToken string) (*oauth.Token, error)
}

// Config configures a Coordinator.
type Config struct {
	Store    credstore.Store
	Provider Provider

	// Locks serializes writes per realm. Share it with the OAuth flow so a
	// completing login and a refresh never interleave.
	Locks *broker.TenantLocks

	// SkewMargin is subtracted from token expiry. Defaults to broker.DefaultSkewMargin.
	SkewMargin time.Duration

	// Timeout bounds each refresh attempt. Defaults to DefaultTimeout.
	Timeout time.Duration

	Now func() time.Time
}

// Coordinator produces valid access tokens, refreshing at most once per realm
// at a time no matter how many callers ask concurrently.
type Coordinator struct {
	store    credstore.Store
	provider Provider
	locks    *broker.TenantLocks
	skew     time.Duration
	timeout  time.Duration
	now      func() time.Time

	group singleflight.Group
}

// NewCoordinator creates a refresh coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		store:    cfg.Store,
		provider: cfg.Provider,
		locks:    cfg.Locks,
		skew:     cfg.SkewMargin,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
	}
	if c.locks == nil {
		c.locks = broker.NewTenantLocks()
	}
	if c.skew <= 0 {
		c.skew = broker.DefaultSkewMargin
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// AccessToken returns a record whose access token is valid beyond the skew
// margin, refreshing through the provider when needed.
//
// Concurrent callers for the same realm share one refresh and receive the same
// outcome. A caller whose ctx ends stops waiting; the refresh itself continues
// for the others until its own timeout.
func (c *Coordinator) AccessToken(ctx context.Context, key string) (broker.TokenRecord, error) {
	rec, err := c.load(ctx, key)
	if err != nil {
		return broker.TokenRecord{}, err
	}
	if rec.AccessTokenValid(c.now(), c.skew) {
		return rec, nil
	}

	realm := rec.RealmID
	ch := c.group.DoChan(realm, func() (interface{}, error) {
		leaderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.refresh(leaderCtx, realm)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return broker.TokenRecord{}, res.Err
		}
		return res.Val.(broker.TokenRecord), nil
	case <-ctx.Done():
		return broker.TokenRecord{}, broker.Wrap(broker.KindTransient, ctx.Err(), "stopped waiting for token refresh")
	}
}

// Skew returns the configured expiry margin.
func (c *Coordinator) Skew() time.Duration {
	return c.skew
}

func (c *Coordinator) load(ctx context.Context, key string) (broker.TokenRecord, error) {
	rec, err := c.store.Load(ctx, key)
	if broker.IsKind(err, broker.KindNotFound) {
		return broker.TokenRecord{}, broker.NeedsAuth(key, "no stored credentials, run authentication")
	}
	if err != nil {
		return broker.TokenRecord{}, broker.Wrap(broker.KindFatal, err, "failed to load credentials")
	}
	return rec, nil
}

// refresh runs as the single-flight leader for realm.
func (c *Coordinator) refresh(ctx context.Context, realm string) (broker.TokenRecord, error) {
	unlock := c.locks.Lock(realm)
	defer unlock()

	// Another writer may have replaced the record while we waited for the lock.
	rec, err := c.load(ctx, realm)
	if err != nil {
		return broker.TokenRecord{}, err
	}
	if rec.AccessTokenValid(c.now(), c.skew) {
		logging.Debug("Refresh", "Realm %s already refreshed by another writer", realm)
		return rec, nil
	}

	logging.Debug("Refresh", "Refreshing access token for realm %s", realm)
	tok, err := c.provider.RefreshToken(ctx, rec.RefreshToken)
	if err == nil && (tok == nil || tok.AccessToken == "") {
		err = errors.New("provider returned an empty access token")
	}
	if err != nil {
		classified := classify(ctx, err, realm)
		logging.Audit(logging.AuditEvent{
			Event:   "token_refresh_failed",
			Message: "OAuth token refresh failed",
			Tenant:  realm,
			Err:     classified,
		})
		return broker.TokenRecord{}, classified
	}

	now := c.now()
	expiresAt := tok.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultAccessTokenLifetime)
	}
	updated := rec.WithAccessToken(tok.AccessToken, expiresAt, tok.RefreshToken, tok.RefreshTokenExpiresAt, now)

	if err := c.store.Save(ctx, updated); err != nil {
		// The provider may already have rotated the refresh token; this is the
		// one failure that can strand a tenant.
		logging.Error("Refresh", err, "Failed to persist refreshed credentials for realm %s", realm)
		return broker.TokenRecord{}, &broker.Error{
			Kind:   broker.KindFatal,
			Tenant: realm,
			Detail: "refreshed credentials could not be persisted",
			Err:    err,
		}
	}

	logging.Audit(logging.AuditEvent{
		Event:   "token_refreshed",
		Message: "OAuth token refreshed",
		Tenant:  realm,
	})
	return updated, nil
}

func classify(ctx context.Context, err error, realm string) error {
	if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
		err = errors.Join(err, ctx.Err())
	}
	classified := broker.ClassifyError(err)

	var be *broker.Error
	if errors.As(classified, &be) && be.Tenant == "" {
		cp := *be
		cp.Tenant = realm
		return &cp
	}
	return classified
}
