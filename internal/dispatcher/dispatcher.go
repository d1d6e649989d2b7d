// Package dispatcher is the entry point the tool and CLI layers use: it
// resolves which tenant a request is for, hands out a QuickBooks client bound
// to a live token, and exposes the credential maintenance operations.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"qbmcp/internal/authflow"
	"qbmcp/internal/broker"
	"qbmcp/internal/credstore"
	"qbmcp/internal/quickbooks"
	"qbmcp/internal/remotebroker"
	"qbmcp/internal/tokencache"
	"qbmcp/pkg/logging"
)

// Scope selects what ForceRefresh drops.
type Scope string

const (
	ScopeAll       Scope = "all"
	ScopeCompanies Scope = "companies"
	ScopeToken     Scope = "token"
)

// ParseScope validates a scope name. Empty means ScopeAll.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeCompanies:
		return ScopeCompanies, nil
	case ScopeToken:
		return ScopeToken, nil
	default:
		return "", broker.NewValidationError("scope", fmt.Sprintf("unknown scope %q, expected all, companies or token", s))
	}
}

// Revoker revokes a refresh token at the provider.
type Revoker interface {
	Revoke(ctx context.Context, token string) error
}

// Config wires a Dispatcher. Flows, Store and Revoker are nil when tokens are
// held by a remote broker.
type Config struct {
	Cache   *tokencache.Cache
	Flows   *authflow.Coordinator
	Store   credstore.Store
	Revoker Revoker

	// Locks must be the per-realm table shared with the refresh and flow
	// coordinators so a clear never interleaves with their writes.
	Locks *broker.TenantLocks

	// APIBaseURL is the accounting API host; see quickbooks.BaseURLFor.
	APIBaseURL string
	HTTPClient *http.Client
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cache      *tokencache.Cache
	flows      *authflow.Coordinator
	store      credstore.Store
	revoker    Revoker
	locks      *broker.TenantLocks
	apiBaseURL string
	httpClient *http.Client
}

// CacheStats is the cache view reported to operators.
type CacheStats struct {
	broker.Metrics
	Entries int `json:"entries"`
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		cache:      cfg.Cache,
		flows:      cfg.Flows,
		store:      cfg.Store,
		revoker:    cfg.Revoker,
		locks:      cfg.Locks,
		apiBaseURL: cfg.APIBaseURL,
		httpClient: cfg.HTTPClient,
	}
}

// ResolveClient returns a handle for tenant. With an empty tenant the single
// connected company is used; none connected is NeedsAuth and several is
// AmbiguousTenant.
func (d *Dispatcher) ResolveClient(ctx context.Context, tenant string) (*Handle, error) {
	company, err := d.resolveCompany(ctx, tenant)
	if err != nil {
		return nil, err
	}

	key := company.ID
	if key == "" {
		key = company.RealmID
	}
	rec, err := d.cache.GetAccessToken(ctx, key)
	if err != nil {
		return nil, withTenant(err, key)
	}

	realm := rec.RealmID
	if realm == "" {
		realm = company.RealmID
	}
	if company.Name == "" {
		company.Name = rec.CompanyName
	}

	return &Handle{
		Company:   company,
		ExpiresAt: rec.ExpiresAt,
		key:       key,
		dispatch:  d,
		client: quickbooks.NewClient(quickbooks.Config{
			BaseURL:     d.apiBaseURL,
			RealmID:     realm,
			AccessToken: rec.AccessToken,
			HTTPClient:  d.httpClient,
		}),
	}, nil
}

// ResolveClientFromContext prefers an explicit tenant, then a company named
// unambiguously in text, then the rules of ResolveClient.
func (d *Dispatcher) ResolveClientFromContext(ctx context.Context, tenant, text string) (*Handle, error) {
	if strings.TrimSpace(tenant) != "" || strings.TrimSpace(text) == "" {
		return d.ResolveClient(ctx, tenant)
	}

	companies, err := d.cache.GetCompanies(ctx)
	if err != nil {
		return nil, err
	}
	if matches := remotebroker.MatchCompanies(text, companies); len(matches) == 1 {
		logging.Debug("Dispatcher", "Detected company %s from request context", matches[0].ID)
		return d.ResolveClient(ctx, matches[0].ID)
	}
	return d.ResolveClient(ctx, "")
}

func (d *Dispatcher) resolveCompany(ctx context.Context, tenant string) (broker.Company, error) {
	tenant = strings.TrimSpace(tenant)

	companies, err := d.cache.GetCompanies(ctx)
	if err != nil {
		if tenant != "" {
			// The listing is only needed to normalise the reference.
			logging.Warn("Dispatcher", "Company listing failed, using %q as given: %v", tenant, err)
			return broker.Company{ID: tenant, RealmID: tenant}, nil
		}
		return broker.Company{}, err
	}

	if tenant != "" {
		if c, ok := findCompany(companies, tenant); ok {
			return c, nil
		}
		return broker.Company{}, broker.CompanyNotFound(tenant, companies)
	}

	switch len(companies) {
	case 0:
		return broker.Company{}, broker.NeedsAuth("", "no QuickBooks company connected, run authentication")
	case 1:
		return companies[0], nil
	default:
		return broker.Company{}, broker.AmbiguousTenant(companies)
	}
}

// findCompany matches id, then realm id, then name ignoring case.
func findCompany(companies []broker.Company, ref string) (broker.Company, bool) {
	for _, c := range companies {
		if c.ID == ref || c.RealmID == ref {
			return c, true
		}
	}
	for _, c := range companies {
		if strings.EqualFold(strings.TrimSpace(c.Name), ref) {
			return c, true
		}
	}
	return broker.Company{}, false
}

// ListCompanies returns the connected companies, cached.
func (d *Dispatcher) ListCompanies(ctx context.Context) ([]broker.Company, error) {
	return d.cache.GetCompanies(ctx)
}

// Authenticate starts or joins the interactive authorization flow.
func (d *Dispatcher) Authenticate(ctx context.Context, force bool) (*authflow.Flow, error) {
	if d.flows == nil {
		return nil, broker.NewError(broker.KindFatal, "authentication is managed by the remote broker")
	}
	return d.flows.Authenticate(ctx, force)
}

// AuthStatus reports the interactive flow state.
func (d *Dispatcher) AuthStatus() authflow.Status {
	if d.flows == nil {
		return authflow.Status{State: authflow.StateIdle}
	}
	return d.flows.Status()
}

// ClearAuth deletes stored credentials for tenant, or for every tenant when
// tenant is empty. Refresh tokens are revoked first on a best-effort basis.
// Clearing an unknown tenant succeeds.
//
// Each realm is cleared under its tenant lock, so a refresh or login that is
// already writing finishes first and one that starts later finds no record.
func (d *Dispatcher) ClearAuth(ctx context.Context, tenant string) error {
	if d.store == nil {
		return broker.NewError(broker.KindFatal, "credentials are managed by the remote broker")
	}
	tenant = strings.TrimSpace(tenant)

	if tenant != "" {
		rec, err := d.store.Load(ctx, tenant)
		if broker.IsKind(err, broker.KindNotFound) {
			d.cache.ForceRefreshToken(tenant)
			return nil
		}
		if err != nil {
			return err
		}

		unlock := d.lockRealms([]string{rec.RealmID})
		defer unlock()
		d.revokeStored(ctx, rec.RealmID)
		if err := d.store.Clear(ctx, rec.RealmID); err != nil {
			return err
		}
		d.cache.ForceRefreshToken(rec.RealmID)
		d.cache.ForceRefreshCompanies()
		return nil
	}

	companies, err := d.store.ListCompanies(ctx)
	if err != nil {
		return err
	}
	realms := make([]string, 0, len(companies))
	for _, c := range companies {
		realms = append(realms, c.RealmID)
	}

	unlock := d.lockRealms(realms)
	defer unlock()
	for _, realm := range realms {
		d.revokeStored(ctx, realm)
	}
	if err := d.store.Clear(ctx, ""); err != nil {
		return err
	}
	d.cache.Invalidate()
	return nil
}

// lockRealms takes the tenant locks of realms in sorted order and returns a
// function releasing all of them.
func (d *Dispatcher) lockRealms(realms []string) func() {
	if d.locks == nil {
		return func() {}
	}
	sorted := append([]string(nil), realms...)
	sort.Strings(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for i, realm := range sorted {
		if i > 0 && realm == sorted[i-1] {
			continue
		}
		unlocks = append(unlocks, d.locks.Lock(realm))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// revokeStored revokes the refresh token of one realm. The caller holds the
// realm's tenant lock, so the token read is the one about to be deleted.
func (d *Dispatcher) revokeStored(ctx context.Context, realm string) {
	if d.revoker == nil {
		return
	}
	rec, err := d.store.Load(ctx, realm)
	if err != nil {
		return
	}
	if err := d.revoker.Revoke(ctx, rec.RefreshToken); err != nil {
		logging.Warn("Dispatcher", "Token revocation for realm %s failed: %v", rec.RealmID, err)
		return
	}
	logging.Audit(logging.AuditEvent{
		Event:   "token_revoked",
		Message: "Refresh token revoked at provider",
		Tenant:  rec.RealmID,
	})
}

// CacheStats returns the token cache counters.
func (d *Dispatcher) CacheStats() CacheStats {
	return CacheStats{Metrics: d.cache.GetMetrics(), Entries: d.cache.Len()}
}

// ForceRefresh drops cached state. ScopeToken requires a tenant.
func (d *Dispatcher) ForceRefresh(scope Scope, tenant string) error {
	switch scope {
	case ScopeAll, "":
		d.cache.ForceRefresh()
	case ScopeCompanies:
		d.cache.ForceRefreshCompanies()
	case ScopeToken:
		if strings.TrimSpace(tenant) == "" {
			return broker.NewValidationError("company", "scope token requires a company")
		}
		d.cache.ForceRefreshToken(strings.TrimSpace(tenant))
	default:
		return broker.NewValidationError("scope", fmt.Sprintf("unknown scope %q", scope))
	}
	return nil
}

// Close cancels any active flow and closes the store.
func (d *Dispatcher) Close() error {
	var errs []error
	if d.flows != nil {
		errs = append(errs, d.flows.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}

// classifyAPIError maps a data API failure and drops the cached token when
// the provider no longer accepts it.
func (d *Dispatcher) classifyAPIError(key string, err error) error {
	if err == nil {
		return nil
	}
	err = withTenant(broker.ClassifyError(err), key)
	if broker.IsKind(err, broker.KindNeedsAuth) {
		d.cache.ForceRefreshToken(key)
		logging.Audit(logging.AuditEvent{
			Event:   "token_rejected",
			Message: "Provider rejected access token",
			Tenant:  key,
			Err:     err,
		})
	}
	return err
}

// withTenant returns err tagged with tenant. Errors may be shared between
// single-flight callers, so the tag goes on a copy.
func withTenant(err error, tenant string) error {
	be, ok := err.(*broker.Error)
	if !ok || be.Tenant != "" || tenant == "" {
		return err
	}
	tagged := *be
	tagged.Tenant = tenant
	return &tagged
}
