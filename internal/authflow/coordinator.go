// Package authflow runs the interactive OAuth authorization-code grant: a
// local redirect listener, the browser hand-off, the code exchange and the
// first write of a tenant's credentials.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"qbmcp/internal/broker"
	"qbmcp/internal/credstore"
	"qbmcp/pkg/logging"
	"qbmcp/pkg/oauth"
)

const (
	// DefaultFlowTimeout is how long a flow waits for the provider redirect.
	DefaultFlowTimeout = 5 * time.Minute

	// exchangeTimeout bounds the code exchange and company lookup.
	exchangeTimeout = 30 * time.Second
)

// FlowState is the lifecycle position of an authorization flow.
type FlowState int

const (
	StateIdle FlowState = iota
	StateListenerStarted
	StateAwaitingCallback
	StateExchanging
	StateAuthenticated
	StateFailed
)

// String returns the string representation of the flow state.
func (s FlowState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListenerStarted:
		return "listener_started"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateExchanging:
		return "exchanging"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Exchanger is the provider side of the grant.
type Exchanger interface {
	AuthCodeURL(state, redirectURI string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.Token, error)
}

// CompanyNamer looks up a display name for a freshly connected realm.
type CompanyNamer func(ctx context.Context, realmID, accessToken string) (string, error)

// Config configures a Coordinator.
type Config struct {
	Exchanger Exchanger
	Store     credstore.Store

	// Locks must be the same table the refresh coordinator uses.
	Locks *broker.TenantLocks

	// Ports are the candidate callback ports; the zero value binds an
	// ephemeral port.
	Ports   PortRange
	Timeout time.Duration

	// Environment is recorded on new credentials (sandbox or production).
	Environment string

	// OpenBrowser defaults to OpenBrowser. Set to a no-op for headless use.
	OpenBrowser func(url string) error

	// ResolveName is optional; failures are logged and ignored.
	ResolveName CompanyNamer

	// OnAuthenticated runs after credentials were stored.
	OnAuthenticated func(rec broker.TokenRecord)

	Now func() time.Time
}

// Flow is one authorization attempt.
type Flow struct {
	ID          uuid.UUID
	AuthURL     string
	RedirectURI string
	StartedAt   time.Time

	state  string
	server *CallbackServer
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	flowState  FlowState
	result     broker.TokenRecord
	err        error
	browserErr error
}

// Wait blocks until the flow finishes or ctx ends. A ctx ending does not
// cancel the flow.
func (f *Flow) Wait(ctx context.Context) (broker.TokenRecord, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	case <-ctx.Done():
		return broker.TokenRecord{}, ctx.Err()
	}
}

// Done is closed when the flow reaches Authenticated or Failed.
func (f *Flow) Done() <-chan struct{} {
	return f.done
}

// State returns the current flow state.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flowState
}

// BrowserError returns the browser launch failure, if any. The flow still
// works when the user opens AuthURL manually.
func (f *Flow) BrowserError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.browserErr
}

func (f *Flow) setState(s FlowState) {
	f.mu.Lock()
	f.flowState = s
	f.mu.Unlock()
}

// finish records the outcome once. It returns false if the flow had already finished.
func (f *Flow) finish(rec broker.TokenRecord, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return false
	default:
	}
	f.result = rec
	f.err = err
	if err != nil {
		f.flowState = StateFailed
	} else {
		f.flowState = StateAuthenticated
	}
	close(f.done)
	f.cancel()
	return true
}

func (f *Flow) finished() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Status is a secret-free view of the coordinator for status reporting.
type Status struct {
	State     FlowState
	FlowID    string
	AuthURL   string
	StartedAt time.Time
}

// Coordinator allows at most one active flow.
type Coordinator struct {
	cfg Config

	mu     sync.Mutex
	active *Flow
}

// NewCoordinator creates a flow coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Locks == nil {
		cfg.Locks = broker.NewTenantLocks()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFlowTimeout
	}
	if cfg.OpenBrowser == nil {
		cfg.OpenBrowser = OpenBrowser
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{cfg: cfg}
}

// Authenticate starts a flow, or joins the active one unless force is set.
// With force the active flow is cancelled and its listener closed first.
// The returned flow runs in the background; use Wait for its outcome.
func (c *Coordinator) Authenticate(ctx context.Context, force bool) (*Flow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && !c.active.finished() {
		if !force {
			logging.Debug("AuthFlow", "Joining active flow %s", c.active.ID)
			return c.active, nil
		}
		logging.Info("AuthFlow", "Cancelling flow %s for a forced restart", c.active.ID)
		c.abortLocked(c.active, broker.NewError(broker.KindFatal, "authentication superseded by a new flow"))
	}

	flow, err := c.start()
	if err != nil {
		return nil, err
	}
	c.active = flow
	return flow, nil
}

func (c *Coordinator) start() (*Flow, error) {
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, broker.Wrap(broker.KindFatal, err, "failed to generate state")
	}

	flowCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	flow := &Flow{
		ID:        uuid.New(),
		StartedAt: c.cfg.Now(),
		state:     state,
		ctx:       flowCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		flowState: StateIdle,
	}

	flow.server = NewCallbackServer(c.cfg.Ports, func(_ context.Context, result *CallbackResult) (string, error) {
		return c.complete(flow, result)
	})
	redirectURI, err := flow.server.Start()
	if err != nil {
		cancel()
		return nil, err
	}
	flow.RedirectURI = redirectURI
	flow.setState(StateListenerStarted)

	flow.AuthURL = c.cfg.Exchanger.AuthCodeURL(state, redirectURI)
	flow.setState(StateAwaitingCallback)

	go c.watchTimeout(flow)
	go func() {
		if err := c.cfg.OpenBrowser(flow.AuthURL); err != nil {
			logging.Warn("AuthFlow", "Could not open browser, open the authorization URL manually: %v", err)
			flow.mu.Lock()
			flow.browserErr = err
			flow.mu.Unlock()
		}
	}()

	logging.Audit(logging.AuditEvent{
		Event:   "auth_flow_started",
		Message: "OAuth authorization flow started",
	})
	logging.Info("AuthFlow", "Flow %s awaiting callback on %s", flow.ID, redirectURI)
	return flow, nil
}

func (c *Coordinator) watchTimeout(flow *Flow) {
	<-flow.ctx.Done()
	if errors.Is(flow.ctx.Err(), context.DeadlineExceeded) {
		if flow.finish(broker.TokenRecord{}, broker.NewError(broker.KindTimeout,
			fmt.Sprintf("no authorization callback within %s", c.cfg.Timeout))) {
			logging.Warn("AuthFlow", "Flow %s timed out", flow.ID)
		}
	}
	flow.server.Stop()
	c.release(flow)
}

// complete handles the provider redirect for flow.
func (c *Coordinator) complete(flow *Flow, result *CallbackResult) (string, error) {
	if flow.finished() {
		return "", broker.NewError(broker.KindFatal, "authentication flow is no longer active")
	}

	if result.State != flow.state {
		err := broker.NewError(broker.KindStateMismatch, "callback state does not match the active flow")
		logging.Audit(logging.AuditEvent{
			Event:   "auth_state_mismatch",
			Message: "OAuth callback state mismatch",
			Err:     err,
		})
		flow.finish(broker.TokenRecord{}, err)
		return "", err
	}

	if result.IsError() {
		detail := result.Error
		if result.ErrorDescription != "" {
			detail += ": " + result.ErrorDescription
		}
		err := broker.NewError(broker.KindFatal, "authorization denied by provider: "+detail)
		flow.finish(broker.TokenRecord{}, err)
		return "", err
	}

	if result.Code == "" || result.RealmID == "" {
		err := broker.NewValidationError("callback", "callback is missing the authorization code or realmId")
		flow.finish(broker.TokenRecord{}, err)
		return "", err
	}

	flow.setState(StateExchanging)
	rec, err := c.exchange(flow, result)
	if err != nil {
		logging.Audit(logging.AuditEvent{
			Event:   "token_exchange_failed",
			Message: "OAuth code exchange failed",
			Tenant:  result.RealmID,
			Err:     err,
		})
		flow.finish(broker.TokenRecord{}, err)
		return "", err
	}

	if !flow.finish(rec, nil) {
		return "", broker.NewError(broker.KindFatal, "authentication flow is no longer active")
	}
	if c.cfg.OnAuthenticated != nil {
		c.cfg.OnAuthenticated(rec)
	}
	return rec.Company().DisplayName(), nil
}

func (c *Coordinator) exchange(flow *Flow, result *CallbackResult) (broker.TokenRecord, error) {
	ctx, cancel := context.WithTimeout(flow.ctx, exchangeTimeout)
	defer cancel()

	tok, err := c.cfg.Exchanger.ExchangeCode(ctx, result.Code, flow.RedirectURI)
	if err != nil {
		return broker.TokenRecord{}, broker.ClassifyError(err)
	}
	if tok == nil || tok.RefreshToken == "" {
		return broker.TokenRecord{}, broker.NewError(broker.KindFatal, "provider returned no refresh token")
	}

	realm := result.RealmID
	var name string
	if c.cfg.ResolveName != nil {
		n, err := c.cfg.ResolveName(ctx, realm, tok.AccessToken)
		if err != nil {
			logging.Warn("AuthFlow", "Could not look up company name for realm %s: %v", realm, err)
		}
		name = n
	}

	unlock := c.cfg.Locks.Lock(realm)
	defer unlock()

	if name == "" {
		if existing, err := c.cfg.Store.Load(ctx, realm); err == nil && existing.RealmID == realm {
			name = existing.CompanyName
		}
	}

	now := c.cfg.Now()
	rec := broker.TokenRecord{
		RealmID:               realm,
		CompanyName:           name,
		AccessToken:           tok.AccessToken,
		RefreshToken:          tok.RefreshToken,
		ExpiresAt:             tok.ExpiresAt,
		RefreshTokenExpiresAt: tok.RefreshTokenExpiresAt,
		Environment:           c.cfg.Environment,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(time.Hour)
	}
	if err := c.cfg.Store.Save(ctx, rec); err != nil {
		return broker.TokenRecord{}, err
	}

	logging.Audit(logging.AuditEvent{
		Event:   "token_exchanged",
		Message: "OAuth authorization completed",
		Tenant:  realm,
	})
	return rec, nil
}

// Cancel aborts the active flow, if any.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.abortLocked(c.active, broker.NewError(broker.KindFatal, "authentication cancelled"))
	}
}

// Close aborts the active flow and releases its listener.
func (c *Coordinator) Close() error {
	c.Cancel()
	return nil
}

// Status reports the active flow, or Idle.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	flow := c.active
	c.mu.Unlock()

	if flow == nil {
		return Status{State: StateIdle}
	}
	return Status{
		State:     flow.State(),
		FlowID:    flow.ID.String(),
		AuthURL:   flow.AuthURL,
		StartedAt: flow.StartedAt,
	}
}

func (c *Coordinator) abortLocked(flow *Flow, err error) {
	flow.finish(broker.TokenRecord{}, err)
	flow.server.Stop()
	if c.active == flow {
		c.active = nil
	}
}

// release returns the coordinator to Idle once flow is done.
func (c *Coordinator) release(flow *Flow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == flow {
		c.active = nil
	}
}
