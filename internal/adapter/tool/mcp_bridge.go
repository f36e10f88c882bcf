package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"leadflow/internal/domain"
	"leadflow/internal/infra/config"
	"leadflow/internal/security"
)

// Per-call ceiling for MCP tool execution. CRM and portal backends are slow
// compared to built-in tools, so they get more room than a local call would,
// but never unbounded room.
const mcpCallTimeout = 30 * time.Second

// Per-server call budget. Keeps a retry-looping tool call from flooding a
// broker's CRM or portal endpoint.
const mcpCallsPerMinute = 60

// MCPBridge dials the MCP servers named in broker config and exposes every
// tool they advertise as a domain.Tool. This is how a broker plugs their
// CRM, calendar, or property-portal integration into the same catalogue the
// built-in tools live in.
type MCPBridge struct {
	mu        sync.RWMutex
	endpoints []mcpEndpoint
	catalogue []domain.Tool
	logger    *slog.Logger
}

// mcpEndpoint is one connected server plus its call budget.
type mcpEndpoint struct {
	name    string
	client  mcpClient
	limiter *CallLimiter // nil disables throttling
}

// mcpClient is the slice of the MCP client surface the bridge needs.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// NewMCPBridge connects to all configured servers, runs tool discovery, and
// returns the assembled bridge. HTTP endpoints are SSRF-checked before any
// connection goes out: a hand-edited broker config must not be able to aim
// the agent at link-local or RFC1918 addresses.
func NewMCPBridge(ctx context.Context, servers []config.MCPServer, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{logger: logger}

	for _, srv := range servers {
		ep, err := b.dial(ctx, srv)
		if err != nil {
			// Tear down whatever connected before the failure.
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		b.endpoints = append(b.endpoints, *ep)
	}

	if err := b.discover(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	return b, nil
}

// bridgeOverEndpoints skips dialing and runs discovery against pre-built
// clients. Tests use it to inject fakes.
func bridgeOverEndpoints(ctx context.Context, eps []mcpEndpoint, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{endpoints: eps, logger: logger}
	if err := b.discover(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MCPBridge) dial(ctx context.Context, srv config.MCPServer) (*mcpEndpoint, error) {
	var c mcpClient
	var err error

	switch srv.Transport {
	case "stdio":
		c, err = dialStdio(srv)
	case "http":
		c, err = dialHTTP(ctx, srv)
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}
	if err != nil {
		return nil, err
	}

	if err := handshake(ctx, c); err != nil {
		c.Close()
		return nil, domain.WrapOp("initialize", err)
	}

	b.logger.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)

	return &mcpEndpoint{
		name:    srv.Name,
		client:  c,
		limiter: NewCallLimiter(mcpCallsPerMinute, time.Minute),
	}, nil
}

func dialStdio(srv config.MCPServer) (mcpClient, error) {
	env := make([]string, 0, len(srv.Env))
	for k, v := range srv.Env {
		env = append(env, k+"="+v)
	}
	c, err := mcpclient.NewStdioMCPClient(srv.Command, env, srv.Args...)
	if err != nil {
		return nil, fmt.Errorf("create stdio client: %w", err)
	}
	return c, nil
}

func dialHTTP(ctx context.Context, srv config.MCPServer) (mcpClient, error) {
	if err := security.ValidateEndpoint(srv.URL, srv.AllowLoopback); err != nil {
		return nil, fmt.Errorf("endpoint rejected: %w", err)
	}
	// The transport re-checks resolved IPs at dial time; a DNS answer can
	// change between the upfront check and the connection.
	t, err := transport.NewStreamableHTTP(srv.URL,
		transport.WithHTTPBasicClient(&http.Client{Transport: security.NewSSRFSafeTransport(srv.AllowLoopback)}))
	if err != nil {
		return nil, fmt.Errorf("create http transport: %w", err)
	}
	c := mcpclient.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start http client: %w", err)
	}
	return c, nil
}

// handshake runs the MCP initialize exchange when the client supports it.
func handshake(ctx context.Context, c mcpClient) error {
	ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	})
	if !ok {
		return nil
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "leadflow", Version: "1.0.0"}
	_, err := ic.Initialize(ctx, req)
	return err
}

// discover asks every endpoint for its tool list and wraps each advertised
// tool. A server failing discovery is skipped with a warning; the bridge
// errors only when no server answered at all.
func (b *MCPBridge) discover(ctx context.Context) error {
	var failures []string
	healthy := 0

	for _, ep := range b.endpoints {
		listed, err := ep.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp server discovery failed, skipping", "server", ep.name, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", ep.name, err))
			continue
		}

		for _, t := range listed.Tools {
			proxy := wrapMCPTool(ep, t, b.logger)
			b.catalogue = append(b.catalogue, proxy)
			b.logger.Debug("mcp tool discovered",
				"server", ep.name, "tool", t.Name, "full_name", proxy.Name())
		}
		b.logger.Info("mcp tools discovered", "server", ep.name, "count", len(listed.Tools))
		healthy++
	}

	if healthy == 0 && len(failures) > 0 {
		return fmt.Errorf("all mcp servers failed discovery: %s", strings.Join(failures, "; "))
	}
	return nil
}

// Tools returns every tool discovered across all endpoints.
func (b *MCPBridge) Tools() []domain.Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.catalogue
}

// Close shuts down every endpoint connection.
func (b *MCPBridge) Close() {
	for _, ep := range b.endpoints {
		if err := ep.client.Close(); err != nil {
			b.logger.Warn("mcp server close error", "server", ep.name, "error", err)
		}
	}
}

// mcpProxyTool presents one advertised MCP tool as a domain.Tool.
type mcpProxyTool struct {
	server  string
	client  mcpClient
	limiter *CallLimiter
	remote  mcp.Tool
	name    string
	logger  *slog.Logger
}

func wrapMCPTool(ep mcpEndpoint, t mcp.Tool, logger *slog.Logger) *mcpProxyTool {
	return &mcpProxyTool{
		server:  ep.name,
		client:  ep.client,
		limiter: ep.limiter,
		remote:  t,
		name:    "mcp_" + safeName(ep.name) + "_" + safeName(t.Name),
		logger:  logger,
	}
}

func (p *mcpProxyTool) Name() string {
	return p.name
}

func (p *mcpProxyTool) Description() string {
	if p.remote.Description != "" {
		return p.remote.Description
	}
	return fmt.Sprintf("MCP tool %q from server %q", p.remote.Name, p.server)
}

func (p *mcpProxyTool) Schema() domain.ToolSchema {
	// The server's input schema passes through as-is; only a server that
	// advertises nothing gets the permissive default.
	params := json.RawMessage(`{"type": "object"}`)
	if p.remote.InputSchema.Properties != nil || p.remote.InputSchema.Required != nil {
		if data, err := json.Marshal(p.remote.InputSchema); err == nil {
			params = data
		}
	}

	return domain.ToolSchema{
		Name:        p.name,
		Description: p.Description(),
		Parameters:  params,
	}
}

func (p *mcpProxyTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var args map[string]interface{}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return &domain.ToolResult{
				Content: fmt.Sprintf("invalid arguments: %v", err),
				IsError: true,
			}, nil
		}
	}

	if p.limiter != nil && !p.limiter.Allow() {
		return &domain.ToolResult{
			Content:     fmt.Sprintf("rate limit for MCP server %q reached, retry shortly", p.server),
			IsError:     true,
			IsRetryable: true,
		}, nil
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = p.remote.Name
	req.Params.Arguments = args

	p.logger.Debug("mcp tool call", "server", p.server, "tool", p.remote.Name, "full_name", p.name)

	callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
	defer cancel()

	res, err := p.client.CallTool(callCtx, req)
	if err != nil {
		return &domain.ToolResult{
			Content:     fmt.Sprintf("MCP tool error: %v", err),
			IsError:     true,
			IsRetryable: true,
		}, nil
	}

	return &domain.ToolResult{Content: flattenContent(res), IsError: res.IsError}, nil
}

// flattenContent renders an MCP result as plain text. Text parts pass
// through; anything else is serialized to JSON so nothing is dropped.
func flattenContent(result *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, c := range result.Content {
		var part string
		switch v := c.(type) {
		case mcp.TextContent:
			part = v.Text
		case *mcp.TextContent:
			part = v.Text
		default:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			part = string(data)
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(part)
	}
	return sb.String()
}

// safeName maps anything outside [A-Za-z0-9_] to an underscore so server
// and tool names compose into a valid function-calling identifier.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}
