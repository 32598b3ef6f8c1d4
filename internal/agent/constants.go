package agent

import "github.com/mark3labs/mcp-go/mcp"

// MCP method and notification names used by the session
const (
	methodInitialize = string(mcp.MethodInitialize)
	methodToolsList  = string(mcp.MethodToolsList)
	methodToolsCall  = string(mcp.MethodToolsCall)
	methodPing       = string(mcp.MethodPing)

	// notificationInitialized must be sent exactly once after initialize
	notificationInitialized = "notifications/initialized"

	// notificationToolsListChanged is sent when the server's tool list changes
	notificationToolsListChanged = mcp.MethodNotificationToolsListChanged
)

// URL scheme and host constants for validation.
const (
	schemeHTTPS  = "https"
	schemeHTTP   = "http"
	hostLocal    = "localhost"
	hostLoopback = "127.0.0.1"
)

// PKCE code challenge method constant.
const pkceMethodS256 = "S256"

// Client identity sent in initialize and DCR requests
const clientName = "mcp-probe"

// Well-known discovery paths (RFC 9728, RFC 8414, OpenID Connect Discovery)
const (
	wellKnownProtectedResource = "/.well-known/oauth-protected-resource"
	wellKnownAuthServer        = "/.well-known/oauth-authorization-server"
	wellKnownOpenID            = "/.well-known/openid-configuration"
)
