package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"qbmcp/internal/broker"
	"qbmcp/internal/quickbooks"
)

// Handle is a QuickBooks client bound to one tenant's access token. Every
// error it returns is classified.
type Handle struct {
	Company   broker.Company
	ExpiresAt time.Time

	key      string
	client   *quickbooks.Client
	dispatch *Dispatcher
}

// RealmID returns the realm requests go to.
func (h *Handle) RealmID() string {
	return h.client.RealmID()
}

// Query runs a query statement against the tenant.
func (h *Handle) Query(ctx context.Context, statement string) (json.RawMessage, error) {
	out, err := h.client.Query(ctx, statement)
	return out, h.dispatch.classifyAPIError(h.key, err)
}

// CompanyInfo fetches the tenant's CompanyInfo entity.
func (h *Handle) CompanyInfo(ctx context.Context) (*quickbooks.CompanyInfo, error) {
	out, err := h.client.CompanyInfo(ctx)
	return out, h.dispatch.classifyAPIError(h.key, err)
}

// Get reads one entity by id.
func (h *Handle) Get(ctx context.Context, entity, id string) (json.RawMessage, error) {
	out, err := h.client.Get(ctx, entity, id)
	return out, h.dispatch.classifyAPIError(h.key, err)
}
