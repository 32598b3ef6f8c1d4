package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// AuthorizationServerMetadata is an RFC 8414 (or OpenID Connect discovery)
// document, reduced to the fields the authorization flow reads.
type AuthorizationServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`

	// CodeChallengeMethods must contain S256, see validatePKCESupport
	CodeChallengeMethods []string `json:"code_challenge_methods_supported,omitempty"`

	ClientIDMetadataDocumentSupported bool `json:"client_id_metadata_document_supported,omitempty"`

	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

const stageASMetadata = "authorization server metadata"

// discoverAuthServerMetadata fetches the first valid metadata document among
// the well-known locations for issuerURL. S256 support is checked separately
// by validatePKCESupport.
func discoverAuthServerMetadata(ctx context.Context, client *http.Client, issuerURL string, logger *Logger) (*AuthorizationServerMetadata, error) {
	candidates, err := buildASMetadataEndpoints(issuerURL)
	if err != nil {
		return nil, &AuthDiscoveryError{Stage: stageASMetadata, Err: err}
	}

	metadata, err := probeDocuments(ctx, client, candidates, validateASMetadata, logger)
	if err != nil {
		return nil, &AuthDiscoveryError{Stage: stageASMetadata, Err: fmt.Errorf("issuer %s: %w", issuerURL, err)}
	}
	logger.Info("Using authorization server %s", metadata.Issuer)
	return metadata, nil
}

// buildASMetadataEndpoints lists the metadata locations for an issuer in the
// order RFC 8414 section 3 and OIDC discovery section 4 imply. For an issuer
// with a path, the path is inserted after the well-known prefix for both
// document kinds, and the legacy OIDC form appends the suffix to the path.
func buildASMetadataEndpoints(issuerURL string) ([]string, error) {
	issuer, err := requireSecureURL("issuer", issuerURL)
	if err != nil {
		return nil, err
	}

	origin := issuer.Scheme + "://" + issuer.Host
	tenant := strings.Trim(issuer.Path, "/")
	if tenant == "" {
		return []string{
			origin + wellKnownAuthServer,
			origin + wellKnownOpenID,
		}, nil
	}
	return []string{
		origin + wellKnownAuthServer + "/" + tenant,
		origin + wellKnownOpenID + "/" + tenant,
		origin + "/" + tenant + wellKnownOpenID,
	}, nil
}

// validateASMetadata checks the required RFC 8414 fields and that every
// endpoint the flow talks to is https (or loopback http)
func validateASMetadata(metadata *AuthorizationServerMetadata) error {
	required := []struct{ field, value string }{
		{"issuer", metadata.Issuer},
		{"authorization_endpoint", metadata.AuthorizationEndpoint},
		{"token_endpoint", metadata.TokenEndpoint},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is missing", r.field)
		}
		if _, err := requireSecureURL(r.field, r.value); err != nil {
			return err
		}
	}
	if metadata.RegistrationEndpoint != "" {
		if _, err := requireSecureURL("registration_endpoint", metadata.RegistrationEndpoint); err != nil {
			return err
		}
	}
	return nil
}

// validatePKCESupport yields ErrPKCERejected unless S256 is advertised.
// There is no switch to skip it.
func validatePKCESupport(metadata *AuthorizationServerMetadata) error {
	if slices.Contains(metadata.CodeChallengeMethods, pkceMethodS256) {
		return nil
	}
	if len(metadata.CodeChallengeMethods) == 0 {
		return fmt.Errorf("%w: code_challenge_methods_supported is not advertised", ErrPKCERejected)
	}
	return fmt.Errorf("%w: server offers %s", ErrPKCERejected, strings.Join(metadata.CodeChallengeMethods, ", "))
}

// isLocalhost reports whether host (with or without port) is a loopback name
func isLocalhost(host string) bool {
	switch (&url.URL{Host: host}).Hostname() {
	case hostLocal, hostLoopback, "::1":
		return true
	}
	return false
}

// parseHTTPURL parses an absolute http or https URL with a host
func parseHTTPURL(field, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%s %q is not an absolute URL", field, raw)
	}
	if u.Scheme != schemeHTTPS && u.Scheme != schemeHTTP {
		return nil, fmt.Errorf("%s %q must be http or https", field, raw)
	}
	return u, nil
}

// requireSecureURL is parseHTTPURL restricted to https, with plain http
// allowed only for loopback hosts
func requireSecureURL(field, raw string) (*url.URL, error) {
	u, err := parseHTTPURL(field, raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == schemeHTTP && !isLocalhost(u.Host) {
		return nil, fmt.Errorf("%s %q must use https outside of localhost", field, raw)
	}
	return u, nil
}
