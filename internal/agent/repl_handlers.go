package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// parseToolArgs parses JSON arguments for a tool call
func (r *REPL) parseToolArgs(argsStr string, toolName string) (map[string]interface{}, error) {
	if argsStr == "" {
		return nil, nil
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
		r.println("Error: Arguments must be valid JSON")
		r.printf("Example: call %s {\"param1\": \"value1\", \"param2\": 123}\n", toolName)
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return args, nil
}

// displayToolResultContent displays a single content item from a tool result
func (r *REPL) displayToolResultContent(content mcp.Content) {
	if textContent, ok := mcp.AsTextContent(content); ok {
		r.displayTextContent(textContent.Text)
	} else if imageContent, ok := mcp.AsImageContent(content); ok {
		r.printf("[Image: MIME type %s, %d bytes]\n", imageContent.MIMEType, len(imageContent.Data))
	} else if audioContent, ok := mcp.AsAudioContent(content); ok {
		r.printf("[Audio: MIME type %s, %d bytes]\n", audioContent.MIMEType, len(audioContent.Data))
	} else if resource, ok := mcp.AsEmbeddedResource(content); ok {
		r.printf("[Embedded Resource: %v]\n", resource.Resource)
	}
}

// displayTextContent displays text content, pretty-printing JSON if possible
func (r *REPL) displayTextContent(text string) {
	var jsonData interface{}
	if err := json.Unmarshal([]byte(text), &jsonData); err == nil {
		r.println(PrettyJSON(jsonData))
	} else {
		r.println(text)
	}
}

// displayToolResult displays the result of a tool call
func (r *REPL) displayToolResult(result *mcp.CallToolResult) {
	if result.IsError {
		r.println("Tool returned an error:")
		for _, content := range result.Content {
			if textContent, ok := mcp.AsTextContent(content); ok {
				r.printf("  %s\n", textContent.Text)
			}
		}
		return
	}

	r.println("Result:")
	for _, content := range result.Content {
		r.displayToolResultContent(content)
	}
	if result.StructuredContent != nil {
		r.println("Structured content:")
		r.println(PrettyJSON(result.StructuredContent))
	}
}

// handleCallTool executes a tool with the given arguments
func (r *REPL) handleCallTool(ctx context.Context, toolName string, argsStr string) error {
	if !r.client.ServerSupportsTools() {
		return fmt.Errorf("server does not support tools capability")
	}

	if _, ok := r.client.FindTool(toolName); !ok {
		return fmt.Errorf("tool not found: %s", toolName)
	}

	args, err := r.parseToolArgs(argsStr, toolName)
	if err != nil {
		return err
	}

	r.printf("Executing tool: %s...\n", toolName)
	result, err := r.client.CallTool(ctx, toolName, args)
	if err != nil {
		return fmt.Errorf("tool execution failed: %w", err)
	}

	r.displayToolResult(result)
	return nil
}

// handleRPC sends a raw request and prints the result
func (r *REPL) handleRPC(ctx context.Context, method, paramsStr string) error {
	var params json.RawMessage
	if paramsStr != "" {
		if !json.Valid([]byte(paramsStr)) {
			return fmt.Errorf("params must be valid JSON")
		}
		params = json.RawMessage(paramsStr)
	}

	result, err := r.client.Call(ctx, method, params)
	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	r.println(PrettyJSON(result))
	return nil
}

// handlePing measures a ping round trip
func (r *REPL) handlePing(ctx context.Context) error {
	start := time.Now()
	if err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	r.printf("pong (%s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}

// showStatus displays the session snapshot
func (r *REPL) showStatus() error {
	status := r.client.Status()
	r.printf("Endpoint:         %s\n", status.Endpoint)
	r.printf("State:            %s\n", status.State)
	r.printf("Session label:    %s\n", status.Label)
	if status.SessionID != "" {
		r.printf("Server session:   %s\n", status.SessionID)
	}
	if status.ProtocolVersion != "" {
		r.printf("Protocol version: %s\n", status.ProtocolVersion)
	}
	if status.TransportMode != "" {
		r.printf("Last response:    %s\n", status.TransportMode)
	}
	r.printf("Pending calls:    %d\n", status.PendingCalls)
	r.printf("Tools:            %d\n", status.Tools)

	if info := r.client.ServerInfo(); info != nil {
		r.printf("Server:           %s %s\n", info.Implementation.Name, info.Implementation.Version)
		if info.Instructions != "" {
			r.printf("Instructions:     %s\n", info.Instructions)
		}
	}
	return nil
}

// showCompliance runs the schema checks against the current session
func (r *REPL) showCompliance() error {
	info := r.client.ServerInfo()
	if info == nil {
		return fmt.Errorf("not connected")
	}

	issues := CheckCapabilities(info.Capabilities)
	issues = append(issues, CheckToolSchemas(r.client.Tools())...)
	if len(issues) == 0 {
		r.println("No compliance issues found.")
		return nil
	}

	r.printf("Compliance issues (%d):\n", len(issues))
	for _, issue := range issues {
		r.printf("  - %s\n", issue)
	}
	return nil
}

// handleReconnect reconnects and refreshes completion
func (r *REPL) handleReconnect(ctx context.Context) error {
	if err := r.client.Reconnect(ctx); err != nil {
		return err
	}
	if r.rl != nil {
		r.rl.Config.AutoComplete = r.completer()
	}
	r.println("Reconnected.")
	return nil
}

// handleAuth shows authorization details or starts a new authorization
func (r *REPL) handleAuth(ctx context.Context, sub string) error {
	manager := r.client.Authorization()
	if manager == nil {
		return errOAuthDisabled
	}

	switch sub {
	case "status":
		status, err := manager.Status(ctx)
		if err != nil {
			return err
		}
		r.printf("State:           %s\n", status.State)
		r.printf("Resource:        %s\n", status.ResourceURI)
		if status.Issuer != "" {
			r.printf("Issuer:          %s\n", status.Issuer)
		}
		if status.ClientID != "" {
			r.printf("Client ID:       %s\n", status.ClientID)
		}
		r.printf("Access token:    %t\n", status.HasAccessToken)
		r.printf("Refresh token:   %t\n", status.HasRefreshToken)
		if !status.Expiry.IsZero() {
			r.printf("Expires:         %s\n", status.Expiry.Format(time.RFC3339))
		}
		r.printf("Scopes:          %s\n", formatScopeList(status.Scopes))
		r.printf("Step-up count:   %d\n", status.StepUpAttempts)
		return nil

	case "claims":
		claims, err := manager.TokenClaims(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(claims))
		for k := range claims {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		r.println("Access token claims (not verified):")
		for _, k := range keys {
			r.printf("  %s: %v\n", k, claims[k])
		}
		return nil

	case "login":
		if err := manager.Authorize(ctx, nil); err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}
		r.println("Authorized.")
		return nil

	default:
		return fmt.Errorf("unknown auth command: %s. Use 'status', 'claims' or 'login'", sub)
	}
}

// handleLogout removes stored credentials
func (r *REPL) handleLogout(ctx context.Context) error {
	if err := r.client.Logout(ctx); err != nil {
		return err
	}
	r.println("Stored credentials removed.")
	return nil
}
