package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/mcp-probe/internal/credstore"
)

func TestDiffTools(t *testing.T) {
	oldTools := []ToolDescriptor{
		{Name: "keep", Description: "same", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "reformatted", InputSchema: json.RawMessage(`{"type":"object","properties":{}}`)},
		{Name: "redescribed", Description: "before"},
		{Name: "gone"},
	}
	newTools := []ToolDescriptor{
		{Name: "keep", Description: "same", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "reformatted", InputSchema: json.RawMessage("{ \"type\": \"object\",\n  \"properties\": {} }")},
		{Name: "redescribed", Description: "after"},
		{Name: "fresh"},
	}

	diff := diffTools(oldTools, newTools)
	check := func(label string, got []string, want string) {
		t.Helper()
		if strings.Join(got, ",") != want {
			t.Errorf("%s = %v, want %s", label, got, want)
		}
	}
	check("Added", diff.Added, "fresh")
	check("Removed", diff.Removed, "gone")
	check("Changed", diff.Changed, "redescribed")
	check("Unchanged", diff.Unchanged, "keep,reformatted")

	if diff.Empty() {
		t.Error("Empty() = true for a diff with changes")
	}
	if !diffTools(oldTools, oldTools).Empty() {
		t.Error("Empty() = false for identical catalogs")
	}
}

func newPlainClient(t *testing.T, server *mockMCPServer) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		Endpoint: server.URL + "/mcp",
		Logger:   newTestLogger(),
		Version:  "1.2.3",
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestClientWithoutOAuth(t *testing.T) {
	server := newMockMCPServer(t, nil)
	client := newPlainClient(t, server)
	ctx := context.Background()

	if client.ServerSupportsTools() {
		t.Error("ServerSupportsTools() = true before connecting")
	}
	if status := client.Status(); status.State != "Idle" || status.Tools != 0 {
		t.Errorf("Status() before Run = %+v", status)
	}

	if err := client.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !client.ServerSupportsTools() {
		t.Error("ServerSupportsTools() = false after connecting")
	}
	if info := client.ServerInfo(); info == nil || info.Implementation.Name != "mock-server" {
		t.Errorf("ServerInfo() = %+v", info)
	}
	if _, ok := client.FindTool("echo"); !ok {
		t.Error("FindTool(echo) not found")
	}
	if _, ok := client.FindTool("missing"); ok {
		t.Error("FindTool(missing) found")
	}

	result, err := client.CallTool(ctx, "echo", map[string]interface{}{"message": "hi"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("Content = %v", result.Content)
	}
	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok || text.Text != "echo: hi" {
		t.Errorf("Content[0] = %#v", result.Content[0])
	}

	if err := client.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	var rpcErr *RPCError
	if _, err := client.Call(ctx, "resources/list", nil); !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Errorf("Call(resources/list) error = %v, want method not found", err)
	}

	status := client.Status()
	if status.State != "Ready" || status.SessionID != "mock-session-1" || status.ProtocolVersion != "2025-06-18" {
		t.Errorf("Status() = %+v", status)
	}
	if status.Tools != 1 || status.PendingCalls != 0 {
		t.Errorf("Status() counts = %+v", status)
	}
	if ua := server.lastHeader().Get("User-Agent"); ua != "mcp-probe/1.2.3" {
		t.Errorf("User-Agent = %q", ua)
	}

	if err := client.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	server.mu.Lock()
	deletes := server.deletes
	server.mu.Unlock()
	if deletes != 1 {
		t.Errorf("DELETE requests = %d, want 1", deletes)
	}
	if len(client.Tools()) != 0 {
		t.Error("tool cache survived Disconnect")
	}
	if _, err := client.CallTool(ctx, "echo", nil); err == nil {
		t.Error("CallTool() after Disconnect succeeded")
	}
}

func TestClientAuthOperationsWithoutOAuth(t *testing.T) {
	client := newPlainClient(t, newMockMCPServer(t, nil))

	if client.Authorization() != nil {
		t.Error("Authorization() should be nil without OAuth")
	}
	if _, err := client.AuthStatus(context.Background()); err == nil {
		t.Error("AuthStatus() succeeded without OAuth")
	}
	if err := client.Logout(context.Background()); err == nil {
		t.Error("Logout() succeeded without OAuth")
	}
}

func TestClientRejectsInvalidOAuthConfig(t *testing.T) {
	_, err := NewClient(ClientConfig{
		Endpoint:    "https://mcp.example.com/mcp",
		Logger:      newTestLogger(),
		OAuthConfig: &OAuthConfig{Enabled: true, RedirectURL: "http://example.com/callback"},
	})
	if err == nil {
		t.Fatal("NewClient() accepted a non-loopback http redirect")
	}
}

func TestClientWithOAuth(t *testing.T) {
	env := newTestEnv(t)
	env.MCP.configure(func(m *mockMCPServer) {
		m.tools = append(m.tools, mockTool{
			Name:          "admin",
			Description:   "Needs elevated scope",
			InputSchema:   json.RawMessage(`{"type":"object"}`),
			RequiredScope: "mcp:admin",
		})
	})

	oauth := DefaultOAuthConfig()
	oauth.Enabled = true
	durable := credstore.NewMemory()

	client, err := NewClient(ClientConfig{
		Endpoint:    env.Endpoint(),
		Logger:      newTestLogger(),
		OAuthConfig: oauth,
		HTTPClient:  env.AS.Client(),
		Ephemeral:   credstore.NewMemory(),
		Durable:     durable,
		Consent:     browserConsent(t),
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	ctx := context.Background()

	if err := client.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if env.AS.authorizeCount() != 1 {
		t.Errorf("authorize requests = %d, want 1", env.AS.authorizeCount())
	}
	if len(client.Tools()) != 2 {
		t.Errorf("Tools() = %v", client.Tools())
	}

	if _, err := client.CallTool(ctx, "admin", nil); err != nil {
		t.Fatalf("CallTool(admin) error = %v", err)
	}
	if env.AS.authorizeCount() != 2 {
		t.Errorf("authorize requests after step-up = %d, want 2", env.AS.authorizeCount())
	}
	if scope := env.AS.lastAuthorizeRequest().Get("scope"); !strings.Contains(scope, "mcp:admin") {
		t.Errorf("step-up scope = %q, want mcp:admin", scope)
	}

	status, err := client.AuthStatus(ctx)
	if err != nil {
		t.Fatalf("AuthStatus() error = %v", err)
	}
	if status.State != AuthAuthorized || !containsString(status.Scopes, "mcp:admin") {
		t.Errorf("AuthStatus() = %+v", status)
	}

	if err := client.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if durable.Len() != 0 {
		t.Errorf("durable store holds %d entries after Logout", durable.Len())
	}
}

// newOAuthClient builds a client with OAuth enabled against env and runs the
// handshake
func newOAuthClient(t *testing.T, env *testEnv, mutate func(cfg *ClientConfig)) *Client {
	t.Helper()
	oauth := DefaultOAuthConfig()
	oauth.Enabled = true

	cfg := ClientConfig{
		Endpoint:    env.Endpoint(),
		Logger:      newTestLogger(),
		OAuthConfig: oauth,
		HTTPClient:  env.AS.Client(),
		Ephemeral:   credstore.NewMemory(),
		Durable:     credstore.NewMemory(),
		Consent:     browserConsent(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeoutLong)
	defer cancel()
	if err := client.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return client
}

func countMethod(methods []string, method string) int {
	n := 0
	for _, m := range methods {
		if m == method {
			n++
		}
	}
	return n
}

func TestClientSlowConsent(t *testing.T) {
	env := newTestEnv(t)
	approve := browserConsent(t)

	// consent outlasts both timeouts; neither may cut the handshake short
	newOAuthClient(t, env, func(cfg *ClientConfig) {
		cfg.ConnectTimeout = 4 * testTimeoutShort
		cfg.RequestTimeout = 4 * testTimeoutShort
		cfg.Consent = ConsentFunc(func(ctx context.Context, req ConsentRequest) (*ConsentResult, error) {
			select {
			case <-time.After(testTimeoutNormal):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return approve.RequestConsent(ctx, req)
		})
	})

	if env.AS.authorizeCount() != 1 {
		t.Errorf("authorize requests = %d, want 1", env.AS.authorizeCount())
	}
	if got := countMethod(env.MCP.receivedMethods(), methodToolsList); got != 1 {
		t.Errorf("tools/list sent %d times, want 1", got)
	}
}

func TestClientUnauthorizedWithScope(t *testing.T) {
	env := newTestEnv(t)
	env.MCP.configure(func(m *mockMCPServer) {
		m.tools = append(m.tools, mockTool{
			Name:            "reader",
			InputSchema:     json.RawMessage(`{"type":"object"}`),
			RequiredScope:   "x:read",
			ChallengeStatus: http.StatusUnauthorized,
		})
	})
	client := newOAuthClient(t, env, nil)

	if _, err := client.CallTool(context.Background(), "reader", nil); err != nil {
		t.Fatalf("CallTool(reader) error = %v", err)
	}
	if env.AS.authorizeCount() != 2 {
		t.Errorf("authorize requests = %d, want 2", env.AS.authorizeCount())
	}
	if scope := env.AS.lastAuthorizeRequest().Get("scope"); !strings.Contains(scope, "x:read") {
		t.Errorf("authorize scope = %q, want x:read", scope)
	}
	if n := len(env.AS.tokenRequestsByGrant("refresh_token")); n != 0 {
		t.Errorf("refresh requests = %d, want none for a wider scope", n)
	}
	if got := countMethod(env.MCP.receivedMethods(), methodToolsCall); got != 2 {
		t.Errorf("tools/call sent %d times, want 2", got)
	}
}

func TestClientRefreshRejected(t *testing.T) {
	env := newTestEnv(t)
	client := newOAuthClient(t, env, nil)

	env.AS.expireAccessTokens()
	env.AS.configure(func(as *mockAuthServer) { as.rejectRefresh = true })

	if _, err := client.CallTool(context.Background(), "echo", map[string]interface{}{"message": "hi"}); err != nil {
		t.Fatalf("CallTool(echo) error = %v", err)
	}
	if n := len(env.AS.tokenRequestsByGrant("refresh_token")); n != 1 {
		t.Errorf("refresh requests = %d, want 1", n)
	}
	if env.AS.authorizeCount() != 2 {
		t.Errorf("authorize requests = %d, want a new authorization after invalid_grant", env.AS.authorizeCount())
	}
}

func TestClientConcurrentChallenges(t *testing.T) {
	env := newTestEnv(t)
	client := newOAuthClient(t, env, nil)
	env.AS.expireAccessTokens()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeoutLong)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for range 4 {
		g.Go(func() error {
			_, err := client.CallTool(gctx, "echo", map[string]interface{}{"message": "hi"})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}

	if n := len(env.AS.tokenRequestsByGrant("refresh_token")); n != 1 {
		t.Errorf("refresh requests = %d, want 1", n)
	}
	if env.AS.authorizeCount() != 1 {
		t.Errorf("authorize requests = %d, want 1", env.AS.authorizeCount())
	}
}
