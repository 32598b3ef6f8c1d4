package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// handleListTools handles the list_tools tool request
func (m *MCPServer) handleListTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonToolResult(m.client.Tools())
}

// handleDescribeTool handles the describe_tool request
func (m *MCPServer) handleDescribeTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil || name == "" {
		return mcp.NewToolResultError("missing or invalid 'name' argument"), nil
	}

	tool, ok := m.client.FindTool(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("tool not found: %s", name)), nil
	}
	return jsonToolResult(tool)
}

// handleCallTool handles the call_tool request
func (m *MCPServer) handleCallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolName, err := request.RequireString("name")
	if err != nil || toolName == "" {
		return mcp.NewToolResultError("missing or invalid 'name' argument"), nil
	}

	var toolArgs map[string]interface{}
	if argValue, exists := request.GetArguments()["arguments"]; exists && argValue != nil {
		var ok bool
		toolArgs, ok = argValue.(map[string]interface{})
		if !ok {
			return mcp.NewToolResultError("'arguments' must be a JSON object"), nil
		}
	}

	result, err := m.client.CallTool(ctx, toolName, toolArgs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool call failed: %v", err)), nil
	}
	return jsonToolResult(result)
}

// handleSessionStatus handles the session_status request
func (m *MCPServer) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonToolResult(m.client.Status())
}

// authStatusView is the JSON shape of auth_status
type authStatusView struct {
	State           string   `json:"state"`
	ResourceURI     string   `json:"resourceUri"`
	Issuer          string   `json:"issuer,omitempty"`
	ClientID        string   `json:"clientId,omitempty"`
	HasAccessToken  bool     `json:"hasAccessToken"`
	HasRefreshToken bool     `json:"hasRefreshToken"`
	ExpiresAt       string   `json:"expiresAt,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
	StepUpAttempts  int      `json:"stepUpAttempts"`
}

// handleAuthStatus handles the auth_status request. Token values are never returned.
func (m *MCPServer) handleAuthStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := m.client.AuthStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	view := authStatusView{
		State:           status.State.String(),
		ResourceURI:     status.ResourceURI,
		Issuer:          status.Issuer,
		ClientID:        status.ClientID,
		HasAccessToken:  status.HasAccessToken,
		HasRefreshToken: status.HasRefreshToken,
		Scopes:          status.Scopes,
		StepUpAttempts:  status.StepUpAttempts,
	}
	if !status.Expiry.IsZero() {
		view.ExpiresAt = status.Expiry.UTC().Format(time.RFC3339)
	}
	return jsonToolResult(view)
}

// handleCheckCompliance handles the check_compliance request
func (m *MCPServer) handleCheckCompliance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info := m.client.ServerInfo()
	if info == nil {
		return mcp.NewToolResultError("not connected"), nil
	}

	issues := CheckCapabilities(info.Capabilities)
	issues = append(issues, CheckToolSchemas(m.client.Tools())...)

	findings := make([]string, 0, len(issues))
	for _, issue := range issues {
		findings = append(findings, issue.String())
	}
	return jsonToolResult(map[string]interface{}{
		"compliant": len(issues) == 0,
		"issues":    findings,
	})
}

func jsonToolResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
