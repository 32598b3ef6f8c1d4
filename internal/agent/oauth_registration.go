// Dynamic Client Registration per RFC 7591. mcp-probe registers as a public
// client (token_endpoint_auth_method "none") and relies on PKCE.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"
)

const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
	responseTypeCode           = "code"
	tokenEndpointAuthNone      = "none"

	maxRegistrationResponseSize = 1024 * 1024
)

// DynamicClientRegistrationRequest is the RFC 7591 registration request body
type DynamicClientRegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`

	// Scope is space separated per RFC 7591 Section 2
	Scope string `json:"scope,omitempty"`
}

// newRegistrationRequest builds the registration request for this client
func newRegistrationRequest(redirectURL string, scopes []string) *DynamicClientRegistrationRequest {
	return &DynamicClientRegistrationRequest{
		RedirectURIs:            []string{redirectURL},
		ClientName:              clientName,
		TokenEndpointAuthMethod: tokenEndpointAuthNone,
		GrantTypes:              []string{grantTypeAuthorizationCode, grantTypeRefreshToken},
		ResponseTypes:           []string{responseTypeCode},
		Scope:                   strings.Join(scopes, " "),
	}
}

// ScopeList accepts scopes as a space separated string or a JSON array.
// Servers disagree on which form to echo back.
type ScopeList []string

// UnmarshalJSON implements json.Unmarshaler
func (s *ScopeList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = strings.Fields(str)
		return nil
	}

	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		*s = out
		return nil
	}

	return fmt.Errorf("invalid scope format: %s", string(data))
}

// DynamicClientRegistrationResponse is the RFC 7591 registration response
type DynamicClientRegistrationResponse struct {
	ClientID                string    `json:"client_id"`
	ClientSecret            string    `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64     `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64     `json:"client_secret_expires_at,omitempty"`
	RegistrationAccessToken string    `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string    `json:"registration_client_uri,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris,omitempty"`
	Scopes                  ScopeList `json:"scope,omitempty"`
}

// registrationErrorResponse is the RFC 7591 Section 3.2.2 error body
type registrationErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// registerClient performs dynamic client registration. registrationToken,
// when set, is sent as a bearer token on the registration request only.
func registerClient(ctx context.Context, httpClient *http.Client, endpoint string, request *DynamicClientRegistrationRequest, registrationToken string, logger *Logger) (*DynamicClientRegistrationResponse, error) {
	if _, err := requireSecureURL("registration endpoint", endpoint); err != nil {
		return nil, err
	}
	if request == nil || len(request.RedirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect URI is required")
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", clientName)

	client := httpClient
	if registrationToken != "" {
		client = &http.Client{
			Transport:     newRegistrationTokenRoundTripper(registrationToken, endpoint, httpClient.Transport),
			CheckRedirect: httpClient.CheckRedirect,
			Jar:           httpClient.Jar,
			Timeout:       httpClient.Timeout,
		}
	}

	logger.InfoVerbose("Registering client at %s", endpoint)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform dynamic client registration: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRegistrationResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read registration response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var regErr registrationErrorResponse
		if json.Unmarshal(respBody, &regErr) == nil && regErr.Error != "" {
			return nil, fmt.Errorf("dynamic client registration failed with status %d: %s (%s)", resp.StatusCode, regErr.Error, regErr.ErrorDescription)
		}
		return nil, fmt.Errorf("dynamic client registration failed with status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !contenttype.NewMediaType(contentType).Matches(jsonMediaType) {
		return nil, fmt.Errorf("unexpected registration response Content-Type: %s", contentType)
	}

	var response DynamicClientRegistrationResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to decode registration response: %w", err)
	}
	if response.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}

	logger.Success("Registered OAuth client: %s", response.ClientID)
	return &response, nil
}

// registrationTokenRoundTripper adds an initial access token to POSTs sent to
// one registration endpoint (RFC 7591 Section 3)
type registrationTokenRoundTripper struct {
	base              http.RoundTripper
	registrationToken string
	endpoint          *url.URL
}

func newRegistrationTokenRoundTripper(registrationToken, endpoint string, base http.RoundTripper) *registrationTokenRoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	parsed, _ := url.Parse(endpoint)
	return &registrationTokenRoundTripper{
		base:              base,
		registrationToken: registrationToken,
		endpoint:          parsed,
	}
}

// RoundTrip implements http.RoundTripper
func (rt *registrationTokenRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.registrationToken == "" || rt.endpoint == nil || req.Method != http.MethodPost ||
		!strings.EqualFold(req.URL.Host, rt.endpoint.Host) || req.URL.Path != rt.endpoint.Path {
		return rt.base.RoundTrip(req)
	}

	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+rt.registrationToken)
	return rt.base.RoundTrip(cloned)
}
