package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-probe/internal/agent"
	"github.com/giantswarm/mcp-probe/internal/credstore"
)

// secretFlags are flags whose values end up in process listings
var secretFlags = []string{"oauth-client-secret", "oauth-registration-token"}

func runMCPProbe(cmd *cobra.Command, args []string) error {
	if err := validateTransport(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := agent.NewLogger(verbose, !noColor, jsonRPC)
	if mcpServer && serverTransport == agent.ServerTransportStdio {
		// stdout carries the MCP stream
		logger.SetWriter(os.Stderr)
	}

	client, closeStore, err := newProbeClient(ctx, cmd, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := client.Run(ctx); err != nil {
		return fmt.Errorf("failed to connect client: %w", err)
	}
	defer disconnect(client, logger)

	switch {
	case mcpServer:
		return serveMCP(ctx, client, logger)
	case repl:
		if err := agent.NewREPL(client, logger).Run(ctx); err != nil {
			return fmt.Errorf("REPL error: %w", err)
		}
		return nil
	default:
		return listen(ctx, client, logger)
	}
}

// newProbeClient builds the client and, with OAuth, its credential stores.
// The returned close func is never nil.
func newProbeClient(ctx context.Context, cmd *cobra.Command, logger *agent.Logger) (*agent.Client, func(), error) {
	noop := func() {}

	oauthConfig, err := buildOAuthConfig(cmd, logger)
	if err != nil {
		return nil, noop, err
	}

	cfg := agent.ClientConfig{
		Endpoint:    endpoint,
		Logger:      logger,
		OAuthConfig: oauthConfig,
		Version:     version,

		ConnectTimeout: connectTimeout,
		RequestTimeout: requestTimeout,
	}
	closeStore := noop
	if oauthConfig != nil {
		durable, closeFn, err := openDurableStore(ctx, credentialStore, logger)
		if err != nil {
			return nil, noop, err
		}
		closeStore = closeFn
		cfg.Ephemeral = credstore.NewMemory()
		cfg.Durable = durable
	}

	client, err := agent.NewClient(cfg)
	if err != nil {
		closeStore()
		return nil, noop, err
	}
	return client, closeStore, nil
}

func disconnect(client *agent.Client, logger *agent.Logger) {
	// the run ctx may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logger.Debug("Disconnect failed: %v", err)
	}
}

// buildOAuthConfig turns the OAuth flags into a validated configuration, or
// nil when --oauth is off
func buildOAuthConfig(cmd *cobra.Command, logger *agent.Logger) (*agent.OAuthConfig, error) {
	if !oauthEnabled {
		return nil, nil
	}

	for _, name := range secretFlags {
		if cmd.Flags().Changed(name) {
			envName := "MCP_PROBE_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
			logger.Warning("--%s is visible in process listings; set %s instead", name, envName)
		}
	}

	config := (&agent.OAuthConfig{
		Enabled:              true,
		ClientID:             oauthClientID,
		ClientSecret:         oauthClientSecret,
		Scopes:               oauthScopes,
		ScopeSelectionMode:   oauthScopeMode,
		RedirectURL:          oauthRedirectURL,
		AuthorizationTimeout: oauthTimeout,
		TokenTimeout:         oauthTokenTimeout,
		RegistrationToken:    oauthRegistrationToken,
		ResourceURI:          oauthResourceURI,
		SkipResourceMetadata: oauthSkipResourceMeta,
		PreferredAuthServer:  oauthPreferredAuthSrv,
		EnableStepUpAuth:     !oauthDisableStepUp,
		StepUpMaxRetries:     oauthStepUpMaxRetries,
		ClientIDMetadataURL:  oauthClientIDMetaURL,
		DisableCIMD:          oauthDisableCIMD,
	}).WithDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid OAuth configuration: %w", err)
	}

	switch {
	case config.ClientID != "":
		logger.Info("OAuth enabled with client ID: %s", config.ClientID)
	case config.ClientIDMetadataURL != "" && !config.DisableCIMD:
		logger.Info("OAuth enabled, client id metadata document %s is used when the server supports it", config.ClientIDMetadataURL)
	default:
		logger.Info("OAuth enabled, a client is registered dynamically when needed")
	}
	return config, nil
}

func serveMCP(ctx context.Context, client *agent.Client, logger *agent.Logger) error {
	server, err := agent.NewMCPServer(client, serverTransport, logger, version)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	if serverTransport == agent.ServerTransportStreamableHTTP {
		addr := listenAddr
		if !strings.Contains(addr, ":") {
			addr = ":" + addr
		}
		logger.Info("Serving mcp-probe over streamable-http on %s/mcp", addr)
	} else {
		logger.Info("Serving mcp-probe over stdio")
	}

	if err := server.Start(ctx, listenAddr); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// listen prints notifications until the timeout or an interrupt
func listen(ctx context.Context, client *agent.Client, logger *agent.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := client.Listen(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		logger.Info("Timeout reached after %v", timeout)
		return nil
	default:
		return fmt.Errorf("probe error: %w", err)
	}
}
