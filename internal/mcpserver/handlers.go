package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"qbmcp/internal/broker"
	"qbmcp/internal/dispatcher"
	"qbmcp/pkg/logging"
)

// toolError is the JSON body of a failed tool call.
type toolError struct {
	Kind       broker.Kind      `json:"kind"`
	Detail     string           `json:"detail"`
	Company    string           `json:"company,omitempty"`
	Candidates []broker.Company `json:"candidates,omitempty"`
	Hint       string           `json:"hint,omitempty"`
}

var hints = map[broker.Kind]string{
	broker.KindNeedsAuth:       "call qbo_authenticate, then retry",
	broker.KindAmbiguousTenant: "pass one of the candidates as company",
	broker.KindCompanyNotFound: "call qbo_list_companies for valid companies",
	broker.KindRateLimited:     "wait before retrying",
	broker.KindTransient:       "retry the call",
}

func errorResult(err error) *mcp.CallToolResult {
	te := toolError{Kind: broker.KindOf(err), Detail: err.Error()}
	var be *broker.Error
	if errors.As(err, &be) {
		if be.Detail != "" {
			te.Detail = be.Detail
		}
		te.Company = be.Tenant
		te.Candidates = be.Candidates
	}
	te.Hint = hints[te.Kind]

	data, mErr := json.Marshal(te)
	if mErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleAuthenticate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	force := request.GetBool("force", false)
	wait := request.GetBool("wait", false)

	flow, err := s.broker.Authenticate(ctx, force)
	if err != nil {
		return errorResult(err), nil
	}

	out := map[string]interface{}{
		"flowId":  flow.ID.String(),
		"authUrl": flow.AuthURL,
		"state":   flow.State().String(),
	}
	if !wait {
		out["message"] = "Open authUrl in a browser to connect a QuickBooks company, then call qbo_list_companies."
		return jsonResult(out)
	}

	rec, err := flow.Wait(ctx)
	if err != nil {
		return errorResult(broker.ClassifyError(err)), nil
	}
	company := rec.Company()
	out["state"] = flow.State().String()
	out["company"] = company
	out["message"] = fmt.Sprintf("Connected %s.", company.DisplayName())
	return jsonResult(out)
}

func (s *Server) handleClearAuth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	company := request.GetString("company", "")
	if err := s.broker.ClearAuth(ctx, company); err != nil {
		return errorResult(err), nil
	}
	target := company
	if target == "" {
		target = "all companies"
	}
	return jsonResult(map[string]string{"cleared": target})
}

func (s *Server) handleListCompanies(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	companies, err := s.broker.ListCompanies(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]interface{}{
		"count":     len(companies),
		"companies": companies,
	})
}

func (s *Server) handleCacheStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := s.broker.CacheStats()
	flow := s.broker.AuthStatus()

	out := map[string]interface{}{
		"hits":      stats.Hits,
		"misses":    stats.Misses,
		"errors":    stats.Errors,
		"entries":   stats.Entries,
		"lastReset": stats.LastReset.Format(time.RFC3339),
		"authFlow":  flow.State.String(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		out["hitRate"] = float64(stats.Hits) / float64(total)
	}
	return jsonResult(out)
}

func (s *Server) handleForceRefresh(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, err := dispatcher.ParseScope(request.GetString("scope", ""))
	if err != nil {
		return errorResult(err), nil
	}
	company := request.GetString("company", "")
	if err := s.broker.ForceRefresh(scope, company); err != nil {
		return errorResult(err), nil
	}
	logging.Info("MCP", "Cache refresh forced (scope %s)", scope)
	return jsonResult(map[string]string{"refreshed": string(scope)})
}

func (s *Server) handleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return errorResult(broker.NewValidationError("query", "query argument is required")), nil
	}

	h, err := s.broker.ResolveClientFromContext(ctx, request.GetString("company", ""), request.GetString("context", ""))
	if err != nil {
		return errorResult(err), nil
	}

	raw, err := h.Query(ctx, query)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]interface{}{
		"company": h.Company,
		"result":  raw,
	})
}

func (s *Server) handleCompanyInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, err := s.broker.ResolveClientFromContext(ctx, request.GetString("company", ""), "")
	if err != nil {
		return errorResult(err), nil
	}

	info, err := h.CompanyInfo(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]interface{}{
		"company": h.Company,
		"info":    info,
	})
}
