package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
)

// ProtectedResourceMetadata is the RFC 9728 document a protected MCP server
// publishes to name its authorization servers.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// WWWAuthenticateChallenge holds the parameters of a Bearer challenge
// (RFC 6750 section 3, plus resource_metadata from RFC 9728).
type WWWAuthenticateChallenge struct {
	Scheme              string
	ResourceMetadataURL string
	// Scopes come from the space separated scope parameter
	Scopes           []string
	Error            string
	ErrorDescription string
}

const (
	maxMetadataSize        = 1 << 20
	metadataRequestTimeout = 10 * time.Second

	stageResourceMetadata = "protected resource metadata"
)

// parseWWWAuthenticate reads a challenge such as
//
//	Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource", scope="files:read", error="insufficient_scope"
func parseWWWAuthenticate(header string) (*WWWAuthenticateChallenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, errors.New("WWW-Authenticate header is empty")
	}

	scheme, rest, _ := strings.Cut(header, " ")
	params := parseAuthParams(rest)
	challenge := &WWWAuthenticateChallenge{
		Scheme:              scheme,
		ResourceMetadataURL: params["resource_metadata"],
		Error:               params["error"],
		ErrorDescription:    params["error_description"],
	}
	if scope := params["scope"]; scope != "" {
		challenge.Scopes = strings.Fields(scope)
	}
	return challenge, nil
}

// parseAuthParams scans a comma separated auth-param list. Keys are folded to
// lower case. Values are tokens or quoted strings with backslash escapes.
// Items without a value are skipped.
func parseAuthParams(s string) map[string]string {
	params := make(map[string]string)
	for {
		s = strings.TrimLeft(s, " \t,")
		i := strings.IndexAny(s, ",=")
		if i < 0 {
			return params
		}
		if s[i] == ',' {
			s = s[i+1:]
			continue
		}

		key := strings.ToLower(strings.TrimSpace(s[:i]))
		var value string
		value, s = readParamValue(strings.TrimLeft(s[i+1:], " \t"))
		if key != "" {
			params[key] = value
		}
	}
}

// readParamValue returns the value at the start of s and what follows it
func readParamValue(s string) (value, rest string) {
	if !strings.HasPrefix(s, `"`) {
		token, rest, _ := strings.Cut(s, ",")
		return strings.TrimSpace(token), rest
	}

	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case '"':
			return b.String(), s[i+1:]
		default:
			b.WriteByte(c)
		}
	}
	// unterminated quote, take the remainder
	return b.String(), ""
}

// resourceMetadataCandidates lists where to look for the resource metadata of
// endpoint: the challenge's resource_metadata URL, then the path-aware
// well-known location, then the root one.
func resourceMetadataCandidates(endpoint string, challenge *WWWAuthenticateChallenge) ([]string, error) {
	u, err := parseHTTPURL("endpoint", endpoint)
	if err != nil {
		return nil, err
	}

	var candidates []string
	if challenge != nil && challenge.ResourceMetadataURL != "" {
		candidates = append(candidates, challenge.ResourceMetadataURL)
	}
	root := u.Scheme + "://" + u.Host + wellKnownProtectedResource
	if p := strings.Trim(u.Path, "/"); p != "" {
		candidates = append(candidates, root+"/"+p)
	}
	candidates = append(candidates, root)
	return dedupe(candidates), nil
}

// discoverResourceMetadata returns the first valid document among the
// candidate locations for endpoint
func discoverResourceMetadata(ctx context.Context, client *http.Client, endpoint string, challenge *WWWAuthenticateChallenge, logger *Logger) (*ProtectedResourceMetadata, error) {
	candidates, err := resourceMetadataCandidates(endpoint, challenge)
	if err != nil {
		return nil, &AuthDiscoveryError{Stage: stageResourceMetadata, Err: err}
	}

	metadata, err := probeDocuments(ctx, client, candidates, validateProtectedResourceMetadata, logger)
	if err != nil {
		return nil, &AuthDiscoveryError{Stage: stageResourceMetadata, Err: err}
	}
	return metadata, nil
}

// probeDocuments fetches each URL in turn and returns the first document that
// parses and passes validate. The error wraps the last failure.
func probeDocuments[T any](ctx context.Context, client *http.Client, urls []string, validate func(*T) error, logger *Logger) (*T, error) {
	var lastErr error
	for i, u := range urls {
		logger.InfoVerbose("Fetching metadata %d/%d: %s", i+1, len(urls), u)

		doc := new(T)
		err := fetchMetadataDocument(ctx, client, u, doc)
		if err == nil {
			err = validate(doc)
		}
		if err != nil {
			logger.WarningVerbose("Skipping %s: %v", u, err)
			lastErr = err
			continue
		}
		logger.Info("Using metadata from %s", u)
		return doc, nil
	}
	return nil, fmt.Errorf("none of %d locations served a usable document: %w", len(urls), lastErr)
}

// fetchMetadataDocument reads a discovery document into dst
func fetchMetadataDocument(ctx context.Context, client *http.Client, metadataURL string, dst any) error {
	return fetchBoundedJSON(ctx, client, metadataURL, maxMetadataSize, dst)
}

// fetchBoundedJSON GETs an application/json document of at most limit bytes
// and decodes it into dst
func fetchBoundedJSON(ctx context.Context, client *http.Client, docURL string, limit int, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, metadataRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", clientName)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", docURL, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !contenttype.NewMediaType(ct).Matches(jsonMediaType) {
		return fmt.Errorf("GET %s: content type %q is not JSON", docURL, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return err
	}
	if len(body) > limit {
		return fmt.Errorf("GET %s: document larger than %d bytes", docURL, limit)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("GET %s: %w", docURL, err)
	}
	return nil
}

// validateProtectedResourceMetadata requires a resource and at least one
// absolute http(s) authorization server
func validateProtectedResourceMetadata(metadata *ProtectedResourceMetadata) error {
	if metadata.Resource == "" {
		return errors.New("resource is missing")
	}
	if len(metadata.AuthorizationServers) == 0 {
		return errors.New("authorization_servers is empty")
	}
	for i, server := range metadata.AuthorizationServers {
		if _, err := parseHTTPURL(fmt.Sprintf("authorization_servers[%d]", i), server); err != nil {
			return err
		}
	}
	return nil
}

// selectAuthorizationServer picks preferred when set, which must then be
// listed, or else the first listed server
func selectAuthorizationServer(metadata *ProtectedResourceMetadata, preferred string) (string, error) {
	servers := metadata.AuthorizationServers
	switch {
	case len(servers) == 0:
		return "", errors.New("resource lists no authorization servers")
	case preferred == "":
		return servers[0], nil
	}
	for _, s := range servers {
		if s == preferred {
			return s, nil
		}
	}
	return "", fmt.Errorf("authorization server %s is not listed by the resource", preferred)
}

// dedupe drops repeated values in place, keeping first occurrences
func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
