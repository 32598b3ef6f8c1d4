// RFC 8707 resource indicators: canonical resource URIs and the token
// request transport that binds every grant to the resource.
package agent

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// deriveResourceURI derives the canonical resource URI of an endpoint per
// RFC 8707: lowercase scheme and host, default ports dropped, no query or
// fragment, no trailing slash except for the root path.
//
//   - https://MCP.Example.Com:443/mcp -> https://mcp.example.com/mcp
//   - https://example.com:8443/mcp/ -> https://example.com:8443/mcp
//   - http://[::1]:80/mcp?x=1#y -> http://[::1]/mcp
func deriveResourceURI(endpoint string) (string, error) {
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsedURL.Scheme == "" {
		return "", fmt.Errorf("endpoint URL missing scheme: %s", endpoint)
	}
	if parsedURL.Host == "" {
		return "", fmt.Errorf("endpoint URL missing host: %s", endpoint)
	}

	scheme := strings.ToLower(parsedURL.Scheme)
	hostname := strings.ToLower(parsedURL.Hostname())
	port := parsedURL.Port()
	if (scheme == schemeHTTPS && port == "443") || (scheme == schemeHTTP && port == "80") {
		port = ""
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host = net.JoinHostPort(hostname, port)
	}

	path := parsedURL.Path
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	return scheme + "://" + host + path, nil
}

// resourceRoundTripper adds the RFC 8707 resource parameter to form-encoded
// POSTs sent to the token endpoint. golang.org/x/oauth2 offers no way to add
// parameters to refresh requests, so refresh relies on this transport. A
// resource parameter already present in the body is left untouched.
type resourceRoundTripper struct {
	base          http.RoundTripper
	resourceURI   string
	tokenEndpoint string
	logger        *Logger
}

func newResourceRoundTripper(resourceURI, tokenEndpoint string, base http.RoundTripper, logger *Logger) *resourceRoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &resourceRoundTripper{
		base:          base,
		resourceURI:   resourceURI,
		tokenEndpoint: tokenEndpoint,
		logger:        logger,
	}
}

// RoundTrip implements http.RoundTripper
func (t *resourceRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.resourceURI == "" || !t.isTokenRequest(req) || req.Body == nil {
		return t.base.RoundTrip(req)
	}

	bodyBytes, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read token request body: %w", err)
	}

	values, err := url.ParseQuery(string(bodyBytes))
	if err != nil {
		t.logger.Warning("Failed to add resource parameter: %v", err)
		return t.base.RoundTrip(withBody(req, bodyBytes))
	}
	if values.Get("resource") != "" {
		return t.base.RoundTrip(withBody(req, bodyBytes))
	}

	values.Set("resource", t.resourceURI)
	t.logger.InfoVerbose("Added resource parameter to token request: %s", t.resourceURI)
	return t.base.RoundTrip(withBody(req, []byte(values.Encode())))
}

// isTokenRequest matches POSTs to the configured token endpoint
func (t *resourceRoundTripper) isTokenRequest(req *http.Request) bool {
	if req.Method != http.MethodPost || t.tokenEndpoint == "" {
		return false
	}
	target, err := url.Parse(t.tokenEndpoint)
	if err != nil {
		return false
	}
	return strings.EqualFold(req.URL.Host, target.Host) && req.URL.Path == target.Path
}

func withBody(req *http.Request, body []byte) *http.Request {
	cloned := req.Clone(req.Context())
	cloned.Body = io.NopCloser(bytes.NewReader(body))
	cloned.ContentLength = int64(len(body))
	cloned.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return cloned
}
