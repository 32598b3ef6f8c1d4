package cmd

import (
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"
)

// envConfig holds settings that can come from the environment. Secrets are
// read here so they do not have to appear in process listings.
type envConfig struct {
	// ENV: MCP_PROBE_ENDPOINT
	Endpoint string `env:"MCP_PROBE_ENDPOINT"`
	// ENV: MCP_PROBE_OAUTH_CLIENT_ID
	OAuthClientID string `env:"MCP_PROBE_OAUTH_CLIENT_ID"`
	// ENV: MCP_PROBE_OAUTH_CLIENT_SECRET
	OAuthClientSecret string `env:"MCP_PROBE_OAUTH_CLIENT_SECRET"`
	// ENV: MCP_PROBE_OAUTH_REGISTRATION_TOKEN
	OAuthRegistrationToken string `env:"MCP_PROBE_OAUTH_REGISTRATION_TOKEN"`
	// ENV: MCP_PROBE_OAUTH_CLIENT_ID_METADATA_URL
	OAuthClientIDMetadataURL string `env:"MCP_PROBE_OAUTH_CLIENT_ID_METADATA_URL"`
	// ENV: MCP_PROBE_CREDENTIAL_STORE
	CredentialStore string `env:"MCP_PROBE_CREDENTIAL_STORE"`
}

func loadEnvConfig() (envConfig, error) {
	var cfg envConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, nil
}

// applyEnv fills every flag the user did not set explicitly from the
// environment. Flags always win.
func applyEnv(cmd *cobra.Command) error {
	env, err := loadEnvConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	overrides := []struct {
		flag  string
		value string
		dst   *string
	}{
		{"endpoint", env.Endpoint, &endpoint},
		{"oauth-client-id", env.OAuthClientID, &oauthClientID},
		{"oauth-client-secret", env.OAuthClientSecret, &oauthClientSecret},
		{"oauth-registration-token", env.OAuthRegistrationToken, &oauthRegistrationToken},
		{"oauth-client-id-metadata-url", env.OAuthClientIDMetadataURL, &oauthClientIDMetaURL},
		{"credential-store", env.CredentialStore, &credentialStore},
	}
	for _, o := range overrides {
		if o.value == "" || flags.Lookup(o.flag) == nil || flags.Changed(o.flag) {
			continue
		}
		*o.dst = o.value
	}
	return nil
}
