package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-probe/internal/agent"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials for an MCP server",
		Long: `Removes the refresh token and registered client id that mcp-probe keeps
for the server at --endpoint (or --oauth-resource-uri) from the credential store.
The next connection with --oauth starts a fresh authorization.`,
		Args: cobra.NoArgs,
		RunE: runLogout,
	}
}

func runLogout(cmd *cobra.Command, args []string) error {
	if err := validateEndpoint(endpoint); err != nil {
		return err
	}

	ctx := cmd.Context()
	logger := agent.NewLoggerWithWriter(verbose, !noColor, false, cmd.OutOrStdout())

	durable, closeStore, err := openDurableStore(ctx, credentialStore, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	oauthConfig := agent.DefaultOAuthConfig()
	oauthConfig.Enabled = true
	oauthConfig.ResourceURI = oauthResourceURI

	manager, err := agent.NewAuthorizationManager(agent.AuthorizationManagerConfig{
		Endpoint: endpoint,
		OAuth:    oauthConfig,
		Durable:  durable,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if err := manager.Revoke(ctx); err != nil {
		return fmt.Errorf("failed to remove credentials for %s: %w", manager.ResourceURI(), err)
	}
	logger.Success("Removed stored credentials for %s", manager.ResourceURI())
	return nil
}
