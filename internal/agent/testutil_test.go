package agent

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Test timeout constants
const (
	testTimeoutShort  = 50 * time.Millisecond
	testTimeoutNormal = 1 * time.Second
	testTimeoutLong   = 5 * time.Second
)

func newTestLogger() *Logger {
	return NewLoggerWithWriter(false, false, false, io.Discard)
}

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv wires a mock authorization server and a mock MCP server together
type testEnv struct {
	AS  *mockAuthServer
	MCP *mockMCPServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	as := newMockAuthServer(t)
	mcpServer := newMockMCPServer(t, as)
	return &testEnv{AS: as, MCP: mcpServer}
}

// Endpoint returns the MCP endpoint URL
func (e *testEnv) Endpoint() string {
	return e.MCP.URL + "/mcp"
}

// browserConsent approves every authorization request by following the
// authorization URL without a browser and reading the redirect.
func browserConsent(t *testing.T) ConsentProvider {
	t.Helper()
	noRedirect := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	return ConsentFunc(func(ctx context.Context, req ConsentRequest) (*ConsentResult, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.AuthorizationURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := noRedirect.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("authorize returned %d: %s", resp.StatusCode, body)
		}
		location, err := url.Parse(resp.Header.Get("Location"))
		if err != nil {
			return nil, err
		}
		q := location.Query()
		return &ConsentResult{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		}, nil
	})
}

// issuedCode is an authorization code waiting for exchange
type issuedCode struct {
	clientID    string
	challenge   string
	redirectURI string
	scopes      []string
}

// issuedRefresh is a live refresh token
type issuedRefresh struct {
	clientID string
	scopes   []string
}

// mockAuthServer is a test-only OAuth 2.1 authorization server with PKCE,
// dynamic client registration and refresh token rotation.
type mockAuthServer struct {
	*httptest.Server
	t *testing.T

	mu sync.Mutex

	// configuration
	codeChallengeMethods []string
	registrationEnabled  bool
	cimdSupported        bool
	registrationToken    string
	expiresIn            int
	grantedScopes        []string
	rejectRefresh        bool
	denyConsent          bool
	tamperState          bool

	// state
	nextID        int
	codes         map[string]issuedCode
	accessTokens  map[string][]string
	refreshTokens map[string]issuedRefresh

	// observations
	metadataRequests  int
	authorizeRequests []url.Values
	tokenRequests     []url.Values
	registrations     []DynamicClientRegistrationRequest
}

func newMockAuthServer(t *testing.T) *mockAuthServer {
	t.Helper()
	as := &mockAuthServer{
		t:                    t,
		codeChallengeMethods: []string{"S256"},
		registrationEnabled:  true,
		expiresIn:            3600,
		codes:                make(map[string]issuedCode),
		accessTokens:         make(map[string][]string),
		refreshTokens:        make(map[string]issuedRefresh),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", as.handleMetadata)
	mux.HandleFunc("/authorize", as.handleAuthorize)
	mux.HandleFunc("/token", as.handleToken)
	mux.HandleFunc("/register", as.handleRegister)
	as.Server = httptest.NewServer(mux)
	t.Cleanup(as.Close)
	return as
}

func (as *mockAuthServer) configure(fn func(as *mockAuthServer)) {
	as.mu.Lock()
	defer as.mu.Unlock()
	fn(as)
}

func (as *mockAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.metadataRequests++

	metadata := AuthorizationServerMetadata{
		Issuer:                            as.URL,
		AuthorizationEndpoint:             as.URL + "/authorize",
		TokenEndpoint:                     as.URL + "/token",
		CodeChallengeMethods:              as.codeChallengeMethods,
		ClientIDMetadataDocumentSupported: as.cimdSupported,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
	}
	if as.registrationEnabled {
		metadata.RegistrationEndpoint = as.URL + "/register"
	}
	writeJSON(w, http.StatusOK, metadata)
}

func (as *mockAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	as.mu.Lock()
	defer as.mu.Unlock()

	q := r.URL.Query()
	as.authorizeRequests = append(as.authorizeRequests, q)

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "missing redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" || q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		http.Error(w, "PKCE S256 required", http.StatusBadRequest)
		return
	}

	state := q.Get("state")
	if as.tamperState {
		state = "tampered-" + state
	}

	target, _ := url.Parse(redirectURI)
	params := target.Query()
	params.Set("state", state)
	if as.denyConsent {
		params.Set("error", "access_denied")
		params.Set("error_description", "user declined")
	} else {
		as.nextID++
		code := fmt.Sprintf("code-%d", as.nextID)
		as.codes[code] = issuedCode{
			clientID:    q.Get("client_id"),
			challenge:   q.Get("code_challenge"),
			redirectURI: redirectURI,
			scopes:      strings.Fields(q.Get("scope")),
		}
		params.Set("code", code)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (as *mockAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	form := url.Values{}
	for k, v := range r.PostForm {
		form[k] = append([]string(nil), v...)
	}
	as.tokenRequests = append(as.tokenRequests, form)

	switch form.Get("grant_type") {
	case "authorization_code":
		issued, ok := as.codes[form.Get("code")]
		delete(as.codes, form.Get("code"))
		if !ok || issued.clientID != form.Get("client_id") || issued.redirectURI != form.Get("redirect_uri") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		sum := sha256.Sum256([]byte(form.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != issued.challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "PKCE verification failed"})
			return
		}
		as.issueTokensLocked(w, issued.clientID, issued.scopes)

	case "refresh_token":
		refresh, ok := as.refreshTokens[form.Get("refresh_token")]
		if !ok || as.rejectRefresh {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		delete(as.refreshTokens, form.Get("refresh_token"))
		as.issueTokensLocked(w, refresh.clientID, refresh.scopes)

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (as *mockAuthServer) issueTokensLocked(w http.ResponseWriter, clientID string, scopes []string) {
	if as.grantedScopes != nil {
		scopes = as.grantedScopes
	}
	as.nextID++
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   as.URL,
		"sub":   "test-user",
		"aud":   clientID,
		"scope": strings.Join(scopes, " "),
		"jti":   fmt.Sprintf("at-%d", as.nextID),
	}).SignedString([]byte("test-signing-key"))
	if err != nil {
		as.t.Errorf("failed to sign access token: %v", err)
	}
	refresh := fmt.Sprintf("rt-%d", as.nextID)
	as.accessTokens[access] = scopes
	as.refreshTokens[refresh] = issuedRefresh{clientID: clientID, scopes: scopes}

	resp := map[string]interface{}{
		"access_token":  access,
		"token_type":    "Bearer",
		"refresh_token": refresh,
		"scope":         strings.Join(scopes, " "),
	}
	if as.expiresIn > 0 {
		resp["expires_in"] = as.expiresIn
	}
	writeJSON(w, http.StatusOK, resp)
}

func (as *mockAuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.registrationToken != "" && r.Header.Get("Authorization") != "Bearer "+as.registrationToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}

	var req DynamicClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client_metadata"})
		return
	}
	as.registrations = append(as.registrations, req)
	as.nextID++

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"client_id":                  fmt.Sprintf("dcr-client-%d", as.nextID),
		"client_id_issued_at":        time.Now().Unix(),
		"redirect_uris":              req.RedirectURIs,
		"token_endpoint_auth_method": "none",
	})
}

// scopesFor returns the scopes of a live access token
func (as *mockAuthServer) scopesFor(token string) ([]string, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	scopes, ok := as.accessTokens[token]
	return scopes, ok
}

// expireAccessTokens makes every issued access token invalid
func (as *mockAuthServer) expireAccessTokens() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.accessTokens = make(map[string][]string)
}

func (as *mockAuthServer) tokenRequestsByGrant(grant string) []url.Values {
	as.mu.Lock()
	defer as.mu.Unlock()
	var out []url.Values
	for _, req := range as.tokenRequests {
		if req.Get("grant_type") == grant {
			out = append(out, req)
		}
	}
	return out
}

func (as *mockAuthServer) authorizeCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.authorizeRequests)
}

func (as *mockAuthServer) lastAuthorizeRequest() url.Values {
	as.mu.Lock()
	defer as.mu.Unlock()
	if len(as.authorizeRequests) == 0 {
		return nil
	}
	return as.authorizeRequests[len(as.authorizeRequests)-1]
}

func (as *mockAuthServer) registrationCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.registrations)
}

func (as *mockAuthServer) requestTotal() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.metadataRequests + len(as.authorizeRequests) + len(as.tokenRequests) + len(as.registrations)
}

// rpcRequest is an incoming JSON-RPC message as seen by the mock MCP server
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// mockTool is a tool served by the mock MCP server
type mockTool struct {
	Name          string
	Description   string
	InputSchema   json.RawMessage
	RequiredScope string

	// ChallengeStatus answers a missing RequiredScope, 403 when zero
	ChallengeStatus int
}

// mockMCPServer is a test-only streamable HTTP MCP server. When as is not
// nil every POST must carry a bearer token issued by it.
type mockMCPServer struct {
	*httptest.Server
	t  *testing.T
	as *mockAuthServer

	mu sync.Mutex

	// configuration
	eventStream        bool
	notifyBeforeReply  bool
	capabilities       json.RawMessage
	tools              []mockTool
	pageSize           int
	prmScopes          []string
	sessionID          string
	protocolVersion    string
	failInitialize     bool
	omitResourceHeader bool

	// observations
	methods         []string
	headers         []http.Header
	challenges      int
	deletes         int
	initializedSeen int
}

func newMockMCPServer(t *testing.T, as *mockAuthServer) *mockMCPServer {
	t.Helper()
	m := &mockMCPServer{
		t:               t,
		as:              as,
		capabilities:    json.RawMessage(`{"tools":{"listChanged":true}}`),
		sessionID:       "mock-session-1",
		protocolVersion: "2025-06-18",
		tools: []mockTool{
			{
				Name:        "echo",
				Description: "Echo the message back",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", m.handleMCP)
	mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", m.handleResourceMetadata)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

func (m *mockMCPServer) configure(fn func(m *mockMCPServer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

func (m *mockMCPServer) resourceMetadataURL() string {
	return m.URL + "/.well-known/oauth-protected-resource/mcp"
}

func (m *mockMCPServer) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	scopes := m.prmScopes
	m.mu.Unlock()
	if m.as == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:             m.URL + "/mcp",
		AuthorizationServers: []string{m.as.URL},
		ScopesSupported:      scopes,
	})
}

func (m *mockMCPServer) challenge(w http.ResponseWriter, status int, errCode string, scopes []string) {
	m.mu.Lock()
	m.challenges++
	omit := m.omitResourceHeader
	m.mu.Unlock()

	parts := []string{}
	if !omit {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, m.resourceMetadataURL()))
	}
	if errCode != "" {
		parts = append(parts, fmt.Sprintf(`error="%s"`, errCode))
	}
	if len(scopes) > 0 {
		parts = append(parts, fmt.Sprintf(`scope="%s"`, strings.Join(scopes, " ")))
	}
	header := "Bearer"
	if len(parts) > 0 {
		header += " " + strings.Join(parts, ", ")
	}
	w.Header().Set("WWW-Authenticate", header)
	w.WriteHeader(status)
}

func (m *mockMCPServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	case http.MethodDelete:
		m.mu.Lock()
		m.deletes++
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var tokenScopes []string
	if m.as != nil {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		scopes, ok := m.as.scopesFor(token)
		if !ok {
			m.challenge(w, http.StatusUnauthorized, "", nil)
			return
		}
		tokenScopes = scopes
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.methods = append(m.methods, req.Method)
	m.headers = append(m.headers, r.Header.Clone())
	m.mu.Unlock()

	if len(req.ID) == 0 {
		if req.Method == notificationInitialized {
			m.mu.Lock()
			m.initializedSeen++
			m.mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var (
		result interface{}
		rpcErr *RPCError
	)
	switch req.Method {
	case methodInitialize:
		m.mu.Lock()
		fail := m.failInitialize
		m.mu.Unlock()
		if fail {
			rpcErr = &RPCError{Code: -32603, Message: "initialize refused"}
			break
		}
		w.Header().Set(headerSessionID, m.sessionID)
		result = map[string]interface{}{
			"protocolVersion": m.protocolVersion,
			"capabilities":    m.capabilities,
			"serverInfo":      map[string]string{"name": "mock-server", "version": "1.0.0"},
			"instructions":    "mock instructions",
		}
	case methodToolsList:
		result = m.toolsPage(req.Params)
	case methodToolsCall:
		var params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)
		tool, ok := m.findTool(params.Name)
		if !ok {
			rpcErr = &RPCError{Code: -32602, Message: "unknown tool: " + params.Name}
			break
		}
		if tool.RequiredScope != "" && !containsString(tokenScopes, tool.RequiredScope) {
			if tool.ChallengeStatus == http.StatusUnauthorized {
				m.challenge(w, http.StatusUnauthorized, "invalid_token", []string{tool.RequiredScope})
				return
			}
			m.challenge(w, http.StatusForbidden, "insufficient_scope", []string{tool.RequiredScope})
			return
		}
		result = map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": fmt.Sprintf("%s: %v", tool.Name, params.Arguments["message"])}},
		}
	case methodPing:
		result = map[string]interface{}{}
	default:
		rpcErr = &RPCError{Code: -32601, Message: "method not found"}
	}

	m.reply(w, req.ID, result, rpcErr)
}

func (m *mockMCPServer) toolsPage(rawParams json.RawMessage) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var params struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(rawParams, &params)

	start := 0
	if params.Cursor != "" {
		_, _ = fmt.Sscanf(params.Cursor, "page-%d", &start)
	}
	end := len(m.tools)
	if m.pageSize > 0 && start+m.pageSize < end {
		end = start + m.pageSize
	}

	tools := []map[string]interface{}{}
	for _, tool := range m.tools[start:end] {
		entry := map[string]interface{}{"name": tool.Name, "description": tool.Description}
		if tool.InputSchema != nil {
			entry["inputSchema"] = tool.InputSchema
		}
		tools = append(tools, entry)
	}

	page := map[string]interface{}{"tools": tools}
	if end < len(m.tools) {
		page["nextCursor"] = fmt.Sprintf("page-%d", end)
	}
	return page
}

func (m *mockMCPServer) findTool(name string) (mockTool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tool := range m.tools {
		if tool.Name == name {
			return tool, true
		}
	}
	return mockTool{}, false
}

func (m *mockMCPServer) reply(w http.ResponseWriter, id json.RawMessage, result interface{}, rpcErr *RPCError) {
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	body, _ := json.Marshal(resp)

	m.mu.Lock()
	eventStream := m.eventStream
	notifyFirst := m.notifyBeforeReply
	m.mu.Unlock()

	if !eventStream {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": keepalive\n\n")
	if notifyFirst {
		_, _ = io.WriteString(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/message\",\"params\":{\"level\":\"info\",\"data\":\"working\"}}\n\n")
	}
	_, _ = fmt.Fprintf(w, "event: message\nid: 1\ndata: %s\n\n", body)
}

func (m *mockMCPServer) receivedMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.methods...)
}

func (m *mockMCPServer) lastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.headers) == 0 {
		return nil
	}
	return m.headers[len(m.headers)-1]
}

func (m *mockMCPServer) challengeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challenges
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
