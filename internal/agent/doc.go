// Package agent provides the mcp-probe client implementation.
//
// This package includes the MCP session engine over the streamable HTTP
// transport, OAuth 2.1 authorization for protected servers, an interactive
// REPL for exploring servers, and an MCP server mode that re-exposes the
// connected server's catalog as MCP tools.
//
// # Session
//
// A Session runs the handshake in a fixed order: initialize, then
// notifications/initialized exactly once, then tools/list. Requests are
// correlated with responses by id only, so replies may arrive in any order
// and over either a JSON body or an event stream.
//
// # OAuth 2.1 Support
//
// The AuthorizationManager implements the MCP authorization flow with:
//   - RFC 9728: Protected Resource Metadata discovery
//   - RFC 8414 and OpenID Connect Discovery for authorization server metadata
//   - PKCE with S256 (servers without S256 are rejected)
//   - RFC 7591 Dynamic Client Registration and Client ID Metadata Documents
//   - RFC 8707 resource indicators on authorization, exchange and refresh
//   - Refresh within 60 seconds of expiry and bounded step-up on insufficient_scope
//
// Access tokens and in-flight PKCE proofs live in an ephemeral store; refresh
// tokens and registered client ids live in a durable store (see credstore).
//
// # Key Components
//
//   - Client: composes Session, HTTPTransport and AuthorizationManager
//   - OAuthConfig: Configuration for OAuth 2.1 authentication
//   - REPL: Interactive Read-Eval-Print Loop for exploring MCP servers
//   - MCPServer: Exposes probe functionality as an MCP server
//   - Logger: Formatted logging with color support and JSON-RPC message tracking
package agent
