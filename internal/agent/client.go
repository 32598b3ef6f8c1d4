package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-probe/internal/credstore"
)

// Client represents an MCP probe client: one session to one server plus the
// authorization manager when OAuth is enabled.
type Client struct {
	endpoint         string
	logger           *Logger
	transport        *HTTPTransport
	session          *Session
	auth             *AuthorizationManager
	toolCache        []ToolDescriptor
	mu               sync.RWMutex
	notificationChan chan *Envelope
	listenOnce       sync.Once
	version          string
}

// ClientConfig holds configuration for creating a new Client
type ClientConfig struct {
	Endpoint    string
	Logger      *Logger
	OAuthConfig *OAuthConfig
	Version     string

	// HTTPClient is used for MCP traffic and OAuth requests
	HTTPClient *http.Client

	// Ephemeral and Durable back the authorization manager; both default to memory
	Ephemeral credstore.Store
	Durable   credstore.Store

	// Consent defaults to the browser based loopback provider
	Consent ConsentProvider

	// ConnectTimeout bounds each handshake exchange and RequestTimeout each
	// later request. Time spent authorizing counts against neither.
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// NewClient creates a new client from a configuration
func NewClient(cfg ClientConfig) (*Client, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	c := &Client{
		endpoint:         cfg.Endpoint,
		logger:           cfg.Logger,
		notificationChan: make(chan *Envelope, 10),
		version:          version,
	}

	var authorizer Authorizer
	var credentials CredentialSource
	if cfg.OAuthConfig != nil && cfg.OAuthConfig.Enabled {
		oauthConfig := cfg.OAuthConfig.WithDefaults()
		if err := oauthConfig.Validate(); err != nil {
			return nil, fmt.Errorf("invalid OAuth configuration: %w", err)
		}

		manager, err := NewAuthorizationManager(AuthorizationManagerConfig{
			Endpoint:   cfg.Endpoint,
			OAuth:      oauthConfig,
			Ephemeral:  cfg.Ephemeral,
			Durable:    cfg.Durable,
			Consent:    cfg.Consent,
			HTTPClient: httpClient,
			Logger:     cfg.Logger,
			OnStateChange: func(from, to AuthState) {
				cfg.Logger.InfoVerbose("Authorization: %s -> %s", from, to)
			},
		})
		if err != nil {
			return nil, err
		}
		c.auth = manager
		authorizer = manager
		credentials = manager.Token
		cfg.Logger.Info("OAuth authentication enabled (resource: %s)", manager.ResourceURI())
	}

	c.transport = NewHTTPTransport(HTTPTransportConfig{
		Endpoint:    cfg.Endpoint,
		HTTPClient:  httpClient,
		Credentials: credentials,
		UserAgent:   clientName + "/" + version,
		Logger:      cfg.Logger,
	})

	c.session = NewSession(SessionConfig{
		Transport:  c.transport,
		Authorizer: authorizer,
		Logger:     cfg.Logger,
		ClientInfo: mcp.Implementation{Name: clientName, Version: version},
		Observer:   c.observer(),

		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
	})

	return c, nil
}

// observer wires session events into logging, compliance checks and the
// notification channel
func (c *Client) observer() *Observer {
	return &Observer{
		OnStateChange: func(from, to SessionState) {
			c.logger.Debug("Session state: %s -> %s", from, to)
		},
		OnConnected: func(info *ServerInfo) {
			name := info.Implementation.Name
			if name == "" {
				name = "(unnamed)"
			}
			c.logger.Success("Connected to %s %s (protocol %s)", name, info.Implementation.Version, info.ProtocolVersion)
			reportCompliance(c.logger, CheckCapabilities(info.Capabilities))
		},
		OnTools: func(tools []ToolDescriptor) {
			reportCompliance(c.logger, CheckToolSchemas(tools))
		},
		OnMessage: func(env *Envelope) {
			if !env.IsNotification() {
				c.logger.WarningVerbose("Ignoring unsolicited message (id %s)", env.idKey())
				return
			}
			select {
			case c.notificationChan <- env:
			default:
				c.logger.Warning("Notification queue full, dropping %s", env.Method)
			}
		},
		OnError: func(err error) {
			c.logger.Error("%v", err)
		},
		OnAuthorizationRequired: func(challenge *ChallengeError) {
			if challenge.Challenge != nil && len(challenge.Challenge.Scopes) > 0 {
				c.logger.Info("Authorization required (HTTP %d), scopes: %s", challenge.StatusCode, formatScopeList(challenge.Challenge.Scopes))
				return
			}
			c.logger.Info("Authorization required (HTTP %d)", challenge.StatusCode)
		},
	}
}

// Run connects and performs the handshake
func (c *Client) Run(ctx context.Context) error {
	return c.connectAndInitialize(ctx)
}

// Reconnect tears the session down and connects again
func (c *Client) Reconnect(ctx context.Context) error {
	c.logger.Info("Attempting to reconnect to MCP server...")
	if err := c.session.Disconnect(ctx); err != nil {
		c.logger.Warning("Disconnect failed: %v", err)
	}
	return c.connectAndInitialize(ctx)
}

func (c *Client) connectAndInitialize(ctx context.Context) error {
	c.logger.Info("Connecting to MCP server at %s...", c.endpoint)

	if err := c.session.Connect(ctx); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}

	c.mu.Lock()
	c.toolCache = c.session.Tools()
	c.mu.Unlock()

	if !c.ServerSupportsTools() {
		c.logger.Info("Server does not support tools capability")
	}
	return nil
}

// Disconnect closes the session
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.toolCache = nil
	c.mu.Unlock()
	return c.session.Disconnect(ctx)
}

// startListening opens the standalone event stream once
func (c *Client) startListening(ctx context.Context) {
	c.listenOnce.Do(func() {
		go func() {
			if err := c.session.Listen(ctx); err != nil && ctx.Err() == nil {
				c.logger.WarningVerbose("Event stream closed: %v", err)
			}
		}()
	})
}

// Listen processes server notifications until ctx is done
func (c *Client) Listen(ctx context.Context) error {
	c.startListening(ctx)
	c.logger.Info("Waiting for notifications (press Ctrl+C to exit)...")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Shutting down...")
			return ctx.Err()

		case notification := <-c.notificationChan:
			if err := c.handleNotification(ctx, notification); err != nil {
				c.logger.Error("Failed to handle notification: %v", err)
			}
		}
	}
}

// handleNotification processes one incoming notification. The session has
// already logged it.
func (c *Client) handleNotification(ctx context.Context, notification *Envelope) error {
	switch notification.Method {
	case notificationToolsListChanged:
		if c.ServerSupportsTools() {
			return c.refreshTools(ctx)
		}
	}
	return nil
}

// refreshTools re-lists the catalog and logs what changed
func (c *Client) refreshTools(ctx context.Context) error {
	if err := c.session.ListTools(ctx); err != nil {
		return fmt.Errorf("tool listing failed: %w", err)
	}

	newTools := c.session.Tools()
	c.mu.Lock()
	oldTools := c.toolCache
	c.toolCache = newTools
	c.mu.Unlock()

	c.showToolDiff(oldTools, newTools)
	return nil
}

// ToolDiff lists catalog changes by tool name
type ToolDiff struct {
	Added     []string
	Removed   []string
	Changed   []string
	Unchanged []string
}

// Empty reports whether nothing was added, removed or changed
func (d ToolDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// diffTools compares two catalogs. A tool whose description or schema
// differs counts as changed.
func diffTools(oldTools, newTools []ToolDescriptor) ToolDiff {
	oldMap := make(map[string]ToolDescriptor, len(oldTools))
	for _, tool := range oldTools {
		oldMap[tool.Name] = tool
	}
	newMap := make(map[string]ToolDescriptor, len(newTools))
	for _, tool := range newTools {
		newMap[tool.Name] = tool
	}

	var diff ToolDiff
	for name, tool := range newMap {
		old, exists := oldMap[name]
		switch {
		case !exists:
			diff.Added = append(diff.Added, name)
		case old.Description != tool.Description || !bytes.Equal(compactRaw(old.InputSchema), compactRaw(tool.InputSchema)):
			diff.Changed = append(diff.Changed, name)
		default:
			diff.Unchanged = append(diff.Unchanged, name)
		}
	}
	for name := range oldMap {
		if _, exists := newMap[name]; !exists {
			diff.Removed = append(diff.Removed, name)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	sort.Strings(diff.Unchanged)
	return diff
}

func compactRaw(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// showToolDiff displays the differences between old and new tool lists
func (c *Client) showToolDiff(oldTools, newTools []ToolDescriptor) {
	diff := diffTools(oldTools, newTools)
	if diff.Empty() {
		c.logger.Info("No tool changes detected")
		return
	}

	c.logger.Info("Tool changes detected:")
	for _, name := range diff.Unchanged {
		c.logger.Success("  ✓ Unchanged: %s", name)
	}
	for _, name := range diff.Added {
		c.logger.Success("  + Added: %s", name)
	}
	for _, name := range diff.Changed {
		c.logger.Warning("  ~ Changed: %s", name)
	}
	for _, name := range diff.Removed {
		c.logger.Error("  - Removed: %s", name)
	}
}

// CallTool executes a tool with the given arguments
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	params := mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	}

	raw, err := c.session.Call(ctx, methodToolsCall, params)
	if err != nil {
		return nil, err
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, &ProtocolError{Kind: ProtocolOutOfContract, Detail: "tools/call result", Err: err}
	}
	return result, nil
}

// Call sends an arbitrary request on the session
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return c.session.Call(ctx, method, params)
}

// Ping checks liveness of the server
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.session.Call(ctx, methodPing, nil)
	return err
}

// Tools returns the cached catalog
func (c *Client) Tools() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ToolDescriptor(nil), c.toolCache...)
}

// FindTool returns a cached tool by name
func (c *Client) FindTool(name string) (ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tool := range c.toolCache {
		if tool.Name == name {
			return tool, true
		}
	}
	return ToolDescriptor{}, false
}

// ServerSupportsTools reports whether the server declared the tools capability
func (c *Client) ServerSupportsTools() bool {
	return c.session.ServerInfo().SupportsTools()
}

// ServerInfo returns the server's self-description, or nil before connect
func (c *Client) ServerInfo() *ServerInfo {
	return c.session.ServerInfo()
}

// SessionStatus is a snapshot for display
type SessionStatus struct {
	Endpoint        string `json:"endpoint"`
	State           string `json:"state"`
	Label           string `json:"label"`
	SessionID       string `json:"sessionId,omitempty"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
	TransportMode   string `json:"transportMode,omitempty"`
	PendingCalls    int    `json:"pendingCalls"`
	Tools           int    `json:"tools"`
}

// Status returns a snapshot of the session
func (c *Client) Status() SessionStatus {
	status := SessionStatus{
		Endpoint:      c.endpoint,
		State:         c.session.State().String(),
		Label:         c.session.Label(),
		SessionID:     c.transport.SessionID(),
		TransportMode: string(c.transport.Mode()),
		PendingCalls:  c.session.PendingCount(),
		Tools:         len(c.Tools()),
	}
	if info := c.session.ServerInfo(); info != nil {
		status.ProtocolVersion = info.ProtocolVersion
	}
	return status
}

// errOAuthDisabled is returned by auth operations when OAuth is off
var errOAuthDisabled = errors.New("OAuth is not enabled (use --oauth)")

// AuthStatus returns the authorization snapshot
func (c *Client) AuthStatus(ctx context.Context) (*AuthStatus, error) {
	if c.auth == nil {
		return nil, errOAuthDisabled
	}
	return c.auth.Status(ctx)
}

// Authorization returns the authorization manager, or nil without OAuth
func (c *Client) Authorization() *AuthorizationManager {
	return c.auth
}

// Logout forgets every stored credential for this server
func (c *Client) Logout(ctx context.Context) error {
	if c.auth == nil {
		return errOAuthDisabled
	}
	return c.auth.Revoke(ctx)
}
