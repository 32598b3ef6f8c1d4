package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-probe/internal/agent"
)

func newClientMetadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client-metadata",
		Short: "Print a Client ID Metadata Document for hosting",
		Long: `Prints the Client ID Metadata Document that must be served at
--oauth-client-id-metadata-url for authorization servers that support
client id metadata documents. The document lists --oauth-redirect-url as the
only redirect URI.`,
		Args: cobra.NoArgs,
		RunE: runClientMetadata,
	}
}

func runClientMetadata(cmd *cobra.Command, args []string) error {
	config := agent.DefaultOAuthConfig()
	config.Enabled = true
	config.ClientIDMetadataURL = oauthClientIDMetaURL
	config.RedirectURL = oauthRedirectURL

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid OAuth configuration: %w", err)
	}

	doc, err := agent.GenerateClientMetadata(config)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), agent.PrettyJSON(doc))
	return nil
}
