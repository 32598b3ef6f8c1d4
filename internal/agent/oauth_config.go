package agent

import (
	"fmt"
	"net/url"
	"time"
)

// Scope selection modes
const (
	ScopeSelectionAuto   = "auto"
	ScopeSelectionManual = "manual"
)

const (
	defaultRedirectURL          = "http://localhost:8765/callback"
	defaultAuthorizationTimeout = 5 * time.Minute
	defaultTokenTimeout         = 30 * time.Second
)

// OAuthConfig contains OAuth 2.1 configuration for authenticating with MCP servers
type OAuthConfig struct {
	// Enabled indicates whether OAuth authentication should be used
	Enabled bool

	// ClientID is an operator-supplied client identifier. When empty the
	// client is registered dynamically or identified by a metadata document.
	ClientID string

	// ClientSecret is the OAuth client secret (optional for public clients)
	ClientSecret string

	// Scopes are the scopes requested in manual selection mode
	Scopes []string

	// ScopeSelectionMode is "auto" (challenge scopes, then resource metadata
	// scopes, then none) or "manual" (always Scopes)
	ScopeSelectionMode string

	// RedirectURL is the callback URL for OAuth flow (default: http://localhost:8765/callback)
	RedirectURL string

	// AuthorizationTimeout bounds the wait for interactive consent
	AuthorizationTimeout time.Duration

	// TokenTimeout bounds code exchange and refresh requests
	TokenTimeout time.Duration

	// RegistrationToken is an initial access token for Dynamic Client Registration
	RegistrationToken string

	// ResourceURI overrides the resource indicator derived from the endpoint
	ResourceURI string

	// SkipResourceMetadata treats the endpoint origin as the authorization
	// server for servers that do not publish RFC 9728 metadata
	SkipResourceMetadata bool

	// PreferredAuthServer selects one of several advertised authorization servers
	PreferredAuthServer string

	// EnableStepUpAuth enables re-authorization on insufficient_scope
	EnableStepUpAuth bool

	// StepUpMaxRetries bounds step-up attempts per authorization context (1-3)
	StepUpMaxRetries int

	// ClientIDMetadataURL is the HTTPS URL of a hosted Client ID Metadata Document
	ClientIDMetadataURL string

	// DisableCIMD prevents using ClientIDMetadataURL even if the server supports it
	DisableCIMD bool
}

// DefaultOAuthConfig returns a default OAuth configuration
func DefaultOAuthConfig() *OAuthConfig {
	return &OAuthConfig{
		Enabled:              false,
		ScopeSelectionMode:   ScopeSelectionAuto,
		RedirectURL:          defaultRedirectURL,
		AuthorizationTimeout: defaultAuthorizationTimeout,
		TokenTimeout:         defaultTokenTimeout,
		EnableStepUpAuth:     true,
		StepUpMaxRetries:     maxStepUpAttempts,
	}
}

// WithDefaults returns a copy with zero values replaced by defaults
func (c *OAuthConfig) WithDefaults() *OAuthConfig {
	out := *c
	if out.ScopeSelectionMode == "" {
		out.ScopeSelectionMode = ScopeSelectionAuto
	}
	if out.RedirectURL == "" {
		out.RedirectURL = defaultRedirectURL
	}
	if out.AuthorizationTimeout <= 0 {
		out.AuthorizationTimeout = defaultAuthorizationTimeout
	}
	if out.TokenTimeout <= 0 {
		out.TokenTimeout = defaultTokenTimeout
	}
	if out.StepUpMaxRetries <= 0 {
		out.StepUpMaxRetries = maxStepUpAttempts
	}
	out.Scopes = append([]string(nil), c.Scopes...)
	return &out
}

// Validate checks if the OAuth configuration is valid
func (c *OAuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.RedirectURL == "" {
		return fmt.Errorf("OAuth redirect URL is required")
	}

	parsedURL, err := url.Parse(c.RedirectURL)
	if err != nil {
		return fmt.Errorf("invalid OAuth redirect URL: %w", err)
	}

	// HTTP only for loopback; Hostname() strips the brackets from [::1]
	switch parsedURL.Scheme {
	case schemeHTTP:
		hostname := parsedURL.Hostname()
		if hostname != hostLocal && hostname != hostLoopback && hostname != "::1" {
			return fmt.Errorf("HTTP redirect URIs are only allowed for localhost/127.0.0.1/[::1], use HTTPS for other hosts")
		}
	case schemeHTTPS:
	default:
		return fmt.Errorf("redirect URI scheme must be http (localhost only) or https, got: %s", parsedURL.Scheme)
	}

	switch c.ScopeSelectionMode {
	case "", ScopeSelectionAuto:
	case ScopeSelectionManual:
		if len(c.Scopes) == 0 {
			return fmt.Errorf("manual scope selection requires at least one scope")
		}
	default:
		return fmt.Errorf("invalid scope selection mode %q (expected %q or %q)", c.ScopeSelectionMode, ScopeSelectionAuto, ScopeSelectionManual)
	}

	if c.StepUpMaxRetries < 0 || c.StepUpMaxRetries > maxStepUpAttempts {
		return fmt.Errorf("step-up max retries must be between 1 and %d, got %d", maxStepUpAttempts, c.StepUpMaxRetries)
	}

	if c.ClientIDMetadataURL != "" {
		if err := ValidateClientIDURL(c.ClientIDMetadataURL); err != nil {
			return fmt.Errorf("invalid client ID metadata URL: %w", err)
		}
	}

	if c.ResourceURI != "" {
		parsed, err := url.Parse(c.ResourceURI)
		if err != nil || !parsed.IsAbs() || parsed.Host == "" {
			return fmt.Errorf("resource URI must be an absolute URL: %s", c.ResourceURI)
		}
		if parsed.Fragment != "" {
			return fmt.Errorf("resource URI must not contain a fragment: %s", c.ResourceURI)
		}
	}

	return nil
}
