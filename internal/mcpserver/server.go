// Package mcpserver exposes the credential broker as MCP tools over stdio.
//
// Tool failures are returned as tool errors whose text is a JSON object
// {"kind": ..., "detail": ...}. An agent seeing kind "needs_auth" should
// call qbo_authenticate and retry.
package mcpserver

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"qbmcp/internal/authflow"
	"qbmcp/internal/broker"
	"qbmcp/internal/dispatcher"
)

// Broker is the dispatcher surface the tools use.
type Broker interface {
	ResolveClientFromContext(ctx context.Context, tenant, text string) (*dispatcher.Handle, error)
	ListCompanies(ctx context.Context) ([]broker.Company, error)
	Authenticate(ctx context.Context, force bool) (*authflow.Flow, error)
	AuthStatus() authflow.Status
	ClearAuth(ctx context.Context, tenant string) error
	CacheStats() dispatcher.CacheStats
	ForceRefresh(scope dispatcher.Scope, tenant string) error
}

// Server wraps an MCP server exposing the broker tools.
type Server struct {
	broker    Broker
	mcpServer *server.MCPServer
	tools     []string
}

// New creates the server and registers every tool.
func New(b Broker, version string) *Server {
	s := &Server{
		broker: b,
		mcpServer: server.NewMCPServer(
			"qbmcp",
			version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// Serve runs the stdio transport until ctx ends or stdin closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

// Tools returns the registered tool names in registration order.
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
	s.tools = append(s.tools, tool.Name)
}

func (s *Server) registerTools() {
	companyArg := mcp.WithString("company",
		mcp.Description("Company id or name. May be omitted when exactly one company is connected."),
	)

	s.addTool(mcp.NewTool("qbo_authenticate",
		mcp.WithDescription("Connect a QuickBooks company. Returns an authorization URL the user must open; the browser is opened automatically when possible."),
		mcp.WithBoolean("force",
			mcp.Description("Cancel any pending authorization and start a new one"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Block until the user completes authorization or the flow times out"),
		),
	), s.handleAuthenticate)

	s.addTool(mcp.NewTool("qbo_clear_auth",
		mcp.WithDescription("Disconnect a company, or every company when none is given. Stored tokens are revoked and deleted."),
		companyArg,
	), s.handleClearAuth)

	s.addTool(mcp.NewTool("qbo_list_companies",
		mcp.WithDescription("List the connected QuickBooks companies"),
	), s.handleListCompanies)

	s.addTool(mcp.NewTool("qbo_cache_stats",
		mcp.WithDescription("Show token cache counters and the authorization flow state"),
	), s.handleCacheStats)

	s.addTool(mcp.NewTool("qbo_force_refresh",
		mcp.WithDescription("Drop cached tokens or the cached company list"),
		mcp.WithString("scope",
			mcp.Description("What to drop"),
			mcp.Enum(string(dispatcher.ScopeAll), string(dispatcher.ScopeCompanies), string(dispatcher.ScopeToken)),
		),
		companyArg,
	), s.handleForceRefresh)

	s.addTool(mcp.NewTool("qbo_query",
		mcp.WithDescription("Run a QuickBooks query statement, e.g. SELECT * FROM Invoice WHERE Balance > '0'"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("QuickBooks query language statement"),
		),
		companyArg,
		mcp.WithString("context",
			mcp.Description("The user's request, used to pick the company when none is given"),
		),
	), s.handleQuery)

	s.addTool(mcp.NewTool("qbo_company_info",
		mcp.WithDescription("Fetch the CompanyInfo record of a connected company"),
		companyArg,
	), s.handleCompanyInfo)
}
