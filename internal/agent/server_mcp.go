package agent

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server transports for MCP server mode
const (
	ServerTransportStdio          = "stdio"
	ServerTransportStreamableHTTP = "streamable-http"
)

const serverInstructions = `mcp-probe is connected to one MCP server. Use list_tools and describe_tool to
inspect its catalog, call_tool to invoke a tool, and session_status, auth_status and
check_compliance to inspect the connection.`

// MCPServer re-exposes the connected server's catalog and the probe's own
// diagnostics as MCP tools
type MCPServer struct {
	client          *Client
	logger          *Logger
	mcpServer       *server.MCPServer
	serverTransport string
}

// NewMCPServer creates a new MCP server backed by client
func NewMCPServer(client *Client, serverTransport string, logger *Logger, version string) (*MCPServer, error) {
	switch serverTransport {
	case ServerTransportStdio, ServerTransportStreamableHTTP:
	default:
		return nil, fmt.Errorf("unsupported server transport: %s", serverTransport)
	}

	mcpServer := server.NewMCPServer(
		clientName,
		version,
		server.WithToolCapabilities(false),
		server.WithInstructions(serverInstructions),
	)

	ms := &MCPServer{
		client:          client,
		logger:          logger,
		mcpServer:       mcpServer,
		serverTransport: serverTransport,
	}
	ms.registerTools()
	return ms, nil
}

// Start serves until the transport stops. For streamable-http the endpoint
// path is fixed to /mcp and the server shuts down when ctx is done.
func (m *MCPServer) Start(ctx context.Context, listenAddr string) error {
	switch m.serverTransport {
	case ServerTransportStdio:
		return server.ServeStdio(m.mcpServer)
	case ServerTransportStreamableHTTP:
		httpServer := server.NewStreamableHTTPServer(
			m.mcpServer,
			server.WithEndpointPath("/mcp"),
		)
		errCh := make(chan error, 1)
		go func() { errCh <- httpServer.Start(listenAddr) }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return httpServer.Shutdown(context.Background())
		}
	default:
		return fmt.Errorf("unsupported server transport: %s", m.serverTransport)
	}
}

// registerTools registers all MCP tools
func (m *MCPServer) registerTools() {
	m.mcpServer.AddTool(mcp.NewTool("list_tools",
		mcp.WithDescription("List the tools of the connected MCP server"),
	), m.handleListTools)

	m.mcpServer.AddTool(mcp.NewTool("describe_tool",
		mcp.WithDescription("Get the description and input schema of one tool"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the tool to describe"),
		),
	), m.handleDescribeTool)

	m.mcpServer.AddTool(mcp.NewTool("call_tool",
		mcp.WithDescription("Execute a tool on the connected MCP server"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the tool to call"),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments to pass to the tool (as JSON object)"),
		),
	), m.handleCallTool)

	m.mcpServer.AddTool(mcp.NewTool("session_status",
		mcp.WithDescription("Show the session state, server session id, protocol version and transport mode"),
	), m.handleSessionStatus)

	m.mcpServer.AddTool(mcp.NewTool("auth_status",
		mcp.WithDescription("Show the OAuth authorization state for the connected server"),
	), m.handleAuthStatus)

	m.mcpServer.AddTool(mcp.NewTool("check_compliance",
		mcp.WithDescription("Check the server capabilities and tool schemas for schema-level defects"),
	), m.handleCheckCompliance)
}
