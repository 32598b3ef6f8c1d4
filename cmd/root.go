package cmd

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/giantswarm/mcp-probe/internal/agent"
)

const (
	// transportStreamableHTTP is the only supported transport protocol
	transportStreamableHTTP = "streamable-http"
)

var (
	version         string
	endpoint        string
	timeout         time.Duration
	connectTimeout  time.Duration
	requestTimeout  time.Duration
	verbose         bool
	noColor         bool
	jsonRPC         bool
	repl            bool
	mcpServer       bool
	transport       string
	serverTransport string
	listenAddr      string
	credentialStore string

	// OAuth flags
	oauthEnabled           bool
	oauthClientID          string
	oauthClientSecret      string
	oauthScopes            []string
	oauthScopeMode         string
	oauthRedirectURL       string
	oauthTimeout           time.Duration
	oauthTokenTimeout      time.Duration
	oauthRegistrationToken string
	oauthResourceURI       string
	oauthSkipResourceMeta  bool
	oauthPreferredAuthSrv  string
	oauthDisableStepUp     bool
	oauthStepUpMaxRetries  int
	oauthClientIDMetaURL   string
	oauthDisableCIMD       bool
)

var rootCmd = &cobra.Command{
	Use:   "mcp-probe",
	Short: "Probe an MCP server over streamable HTTP",
	Long: `mcp-probe connects to a single MCP (Model Context Protocol) server, runs the
initialize, notifications/initialized and tools/list handshake, and traces every
JSON-RPC message on the wire.

Servers protected by OAuth 2.1 are supported with --oauth: protected resource
metadata and authorization server discovery, PKCE, dynamic client registration
or a client id metadata document, token refresh and step-up on insufficient_scope.

After connecting, mcp-probe does one of:
  (default)      print server notifications until --timeout
  --repl         open an interactive shell for calling tools and raw requests
  --mcp-server   serve its own MCP interface so an AI assistant can drive the probe

Refresh tokens and registered client ids go to the credential store selected by
--credential-store (keyring, redis or memory). Access tokens stay in memory.

Environment variables fill in flags that were not given on the command line:
  MCP_PROBE_ENDPOINT, MCP_PROBE_OAUTH_CLIENT_ID, MCP_PROBE_OAUTH_CLIENT_SECRET,
  MCP_PROBE_OAUTH_REGISTRATION_TOKEN, MCP_PROBE_OAUTH_CLIENT_ID_METADATA_URL,
  MCP_PROBE_CREDENTIAL_STORE, and MCP_PROBE_REDIS_* for the redis store.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return applyEnv(cmd)
	},
	RunE:         runMCPProbe,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	addSharedFlags(rootCmd.PersistentFlags())
	addModeFlags(rootCmd.Flags())
	addOAuthFlags(rootCmd.Flags())

	rootCmd.AddCommand(newSelfUpdateCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newClientMetadataCmd())

	rootCmd.MarkFlagsMutuallyExclusive("repl", "mcp-server")
}

// addSharedFlags registers flags that subcommands need as well
func addSharedFlags(fs *pflag.FlagSet) {
	fs.StringVar(&endpoint, "endpoint", "http://localhost:8090/mcp", "URL of the MCP endpoint to probe")
	fs.StringVar(&credentialStore, "credential-store", storeKeyring, "Where refresh tokens and client ids are kept: keyring, redis or memory")
	fs.BoolVar(&verbose, "verbose", false, "Show debug output, keepalives and compact message payloads")
	fs.BoolVar(&noColor, "no-color", false, "Disable colored output")
	fs.StringVar(&oauthRedirectURL, "oauth-redirect-url", "http://localhost:8765/callback", "Loopback redirect URL the consent callback listens on")
	fs.StringVar(&oauthResourceURI, "oauth-resource-uri", "", "RFC 8707 resource indicator (derived from --endpoint when empty)")
	fs.StringVar(&oauthClientIDMetaURL, "oauth-client-id-metadata-url", "", "HTTPS URL of a hosted client id metadata document")
}

func addModeFlags(fs *pflag.FlagSet) {
	fs.StringVar(&transport, "transport", transportStreamableHTTP, "Client transport (only streamable-http)")
	fs.StringVar(&serverTransport, "server-transport", agent.ServerTransportStdio, "Transport for --mcp-server: stdio or streamable-http")
	fs.StringVar(&listenAddr, "listen-addr", ":8899", "Listen address for --server-transport=streamable-http (path /mcp)")
	fs.DurationVar(&timeout, "timeout", 5*time.Minute, "How long the default mode waits for notifications")
	fs.DurationVar(&connectTimeout, "connect-timeout", 30*time.Second, "Bound on each handshake exchange, not counting authorization")
	fs.DurationVar(&requestTimeout, "request-timeout", 30*time.Second, "Bound on each request after the handshake, not counting authorization")
	fs.BoolVar(&jsonRPC, "json-rpc", false, "Pretty print every JSON-RPC message in full")
	fs.BoolVar(&repl, "repl", false, "Open the interactive shell after connecting")
	fs.BoolVar(&mcpServer, "mcp-server", false, "Serve the probe itself as an MCP server after connecting")
}

func addOAuthFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&oauthEnabled, "oauth", false, "Authorize against the server with OAuth 2.1 when it challenges")
	fs.StringVar(&oauthClientID, "oauth-client-id", "", "Pre-registered client id (skips metadata documents and dynamic registration)")
	fs.StringVar(&oauthClientSecret, "oauth-client-secret", "", "Client secret for a confidential client (prefer MCP_PROBE_OAUTH_CLIENT_SECRET)")
	fs.StringSliceVar(&oauthScopes, "oauth-scopes", []string{}, "Scopes to request with --oauth-scope-mode=manual")
	fs.StringVar(&oauthScopeMode, "oauth-scope-mode", agent.ScopeSelectionAuto, "auto: take scopes from the challenge, then resource metadata; manual: --oauth-scopes only")
	fs.DurationVar(&oauthTimeout, "oauth-timeout", 5*time.Minute, "How long to wait for the user to finish consent")
	fs.DurationVar(&oauthTokenTimeout, "oauth-token-timeout", 30*time.Second, "Bound on each token exchange or refresh request")
	fs.StringVar(&oauthRegistrationToken, "oauth-registration-token", "", "Initial access token for dynamic registration (prefer MCP_PROBE_OAUTH_REGISTRATION_TOKEN)")
	fs.BoolVar(&oauthSkipResourceMeta, "oauth-skip-resource-metadata", false, "Do not look up protected resource metadata; use the endpoint origin as issuer")
	fs.StringVar(&oauthPreferredAuthSrv, "oauth-preferred-auth-server", "", "Issuer to pick when the resource lists several authorization servers")
	fs.BoolVar(&oauthDisableStepUp, "oauth-disable-step-up", false, "Fail on insufficient_scope instead of requesting more scopes")
	fs.IntVar(&oauthStepUpMaxRetries, "oauth-step-up-max-retries", 3, "Step-up attempts allowed per resource (1-3)")
	fs.BoolVar(&oauthDisableCIMD, "oauth-disable-cimd", false, "Never use the client id metadata document, even when the server supports it")
}

// validateTransport checks the client transport and endpoint flags
func validateTransport() error {
	if transport != transportStreamableHTTP {
		return fmt.Errorf("unsupported transport '%s' (only streamable-http is supported)", transport)
	}
	return validateEndpoint(endpoint)
}

// validateEndpoint requires an absolute http(s) URL
func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint '%s': %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint '%s' must be an absolute http or https URL", raw)
	}
	return nil
}
