package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func newToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("empty tool result: %+v", result)
	}
	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("Content[0] = %#v, want text", result.Content[0])
	}
	return text.Text
}

func newConnectedMCPServer(t *testing.T) (*MCPServer, *mockMCPServer) {
	t.Helper()
	upstream := newMockMCPServer(t, nil)
	client := newPlainClient(t, upstream)
	if err := client.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	server, err := NewMCPServer(client, ServerTransportStdio, newTestLogger(), "test")
	if err != nil {
		t.Fatalf("NewMCPServer() error = %v", err)
	}
	return server, upstream
}

func TestNewMCPServerRejectsUnknownTransport(t *testing.T) {
	client := newPlainClient(t, newMockMCPServer(t, nil))
	if _, err := NewMCPServer(client, "sse", newTestLogger(), "test"); err == nil {
		t.Error("NewMCPServer() accepted an unsupported transport")
	}
}

func TestMCPServerCatalogTools(t *testing.T) {
	server, _ := newConnectedMCPServer(t)
	ctx := context.Background()

	result, err := server.handleListTools(ctx, newToolRequest("list_tools", nil))
	if err != nil {
		t.Fatalf("handleListTools() error = %v", err)
	}
	var tools []ToolDescriptor
	if err := json.Unmarshal([]byte(resultText(t, result)), &tools); err != nil {
		t.Fatalf("list_tools output is not JSON: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("list_tools = %+v", tools)
	}

	result, _ = server.handleDescribeTool(ctx, newToolRequest("describe_tool", map[string]interface{}{"name": "echo"}))
	if result.IsError || !strings.Contains(resultText(t, result), "Echo the message back") {
		t.Errorf("describe_tool(echo) = %s", resultText(t, result))
	}

	result, _ = server.handleDescribeTool(ctx, newToolRequest("describe_tool", map[string]interface{}{"name": "missing"}))
	if !result.IsError {
		t.Error("describe_tool(missing) did not report an error")
	}

	result, _ = server.handleDescribeTool(ctx, newToolRequest("describe_tool", nil))
	if !result.IsError {
		t.Error("describe_tool without name did not report an error")
	}
}

func TestMCPServerCallTool(t *testing.T) {
	server, upstream := newConnectedMCPServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		args     map[string]interface{}
		wantErr  bool
		wantText string
	}{
		{
			name:     "forwards arguments",
			args:     map[string]interface{}{"name": "echo", "arguments": map[string]interface{}{"message": "hi"}},
			wantText: "echo: hi",
		},
		{name: "missing name", args: map[string]interface{}{}, wantErr: true},
		{name: "arguments not an object", args: map[string]interface{}{"name": "echo", "arguments": "hi"}, wantErr: true},
		{name: "unknown tool", args: map[string]interface{}{"name": "nope"}, wantErr: true, wantText: "tool call failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := server.handleCallTool(ctx, newToolRequest("call_tool", tt.args))
			if err != nil {
				t.Fatalf("handleCallTool() error = %v", err)
			}
			if result.IsError != tt.wantErr {
				t.Errorf("IsError = %v, want %v (%s)", result.IsError, tt.wantErr, resultText(t, result))
			}
			if tt.wantText != "" && !strings.Contains(resultText(t, result), tt.wantText) {
				t.Errorf("result = %s, want it to contain %q", resultText(t, result), tt.wantText)
			}
		})
	}

	if !containsString(upstream.receivedMethods(), methodToolsCall) {
		t.Error("no tools/call reached the upstream server")
	}
}

func TestMCPServerDiagnostics(t *testing.T) {
	server, _ := newConnectedMCPServer(t)
	ctx := context.Background()

	result, _ := server.handleSessionStatus(ctx, newToolRequest("session_status", nil))
	var status SessionStatus
	if err := json.Unmarshal([]byte(resultText(t, result)), &status); err != nil {
		t.Fatalf("session_status output is not JSON: %v", err)
	}
	if status.State != "Ready" || status.SessionID != "mock-session-1" {
		t.Errorf("session_status = %+v", status)
	}

	result, _ = server.handleAuthStatus(ctx, newToolRequest("auth_status", nil))
	if !result.IsError {
		t.Error("auth_status without OAuth did not report an error")
	}

	result, _ = server.handleCheckCompliance(ctx, newToolRequest("check_compliance", nil))
	var report struct {
		Compliant bool     `json:"compliant"`
		Issues    []string `json:"issues"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &report); err != nil {
		t.Fatalf("check_compliance output is not JSON: %v", err)
	}
	if !report.Compliant || len(report.Issues) != 0 {
		t.Errorf("check_compliance = %+v", report)
	}
}

func TestMCPServerAuthStatusHidesTokens(t *testing.T) {
	env := newTestEnv(t)
	oauth := DefaultOAuthConfig()
	oauth.Enabled = true

	client, err := NewClient(ClientConfig{
		Endpoint:    env.Endpoint(),
		Logger:      newTestLogger(),
		OAuthConfig: oauth,
		HTTPClient:  env.AS.Client(),
		Consent:     browserConsent(t),
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if err := client.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	server, err := NewMCPServer(client, ServerTransportStreamableHTTP, newTestLogger(), "test")
	if err != nil {
		t.Fatalf("NewMCPServer() error = %v", err)
	}

	result, _ := server.handleAuthStatus(context.Background(), newToolRequest("auth_status", nil))
	text := resultText(t, result)

	var view authStatusView
	if err := json.Unmarshal([]byte(text), &view); err != nil {
		t.Fatalf("auth_status output is not JSON: %v", err)
	}
	if view.State != "Authorized" || !view.HasAccessToken || !view.HasRefreshToken {
		t.Errorf("auth_status = %+v", view)
	}
	if strings.Contains(text, "rt-") || strings.Contains(text, "eyJ") {
		t.Errorf("auth_status leaks token material: %s", text)
	}
}
