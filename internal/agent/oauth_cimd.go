package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
)

// ClientMetadataDocument is a client id metadata document. Its client_id is
// the https URL it is served from, so an authorization server that supports
// these documents needs no registration call.
type ClientMetadataDocument struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

const maxClientMetadataSize = 100 << 10

const projectURL = "https://github.com/giantswarm/mcp-probe"

// GenerateClientMetadata returns the document to publish at
// config.ClientIDMetadataURL for a public client redirecting to
// config.RedirectURL.
func GenerateClientMetadata(config *OAuthConfig) (*ClientMetadataDocument, error) {
	if err := ValidateClientIDURL(config.ClientIDMetadataURL); err != nil {
		return nil, err
	}
	return &ClientMetadataDocument{
		ClientID:                config.ClientIDMetadataURL,
		ClientName:              clientName,
		ClientURI:               projectURL,
		RedirectURIs:            []string{config.RedirectURL},
		GrantTypes:              []string{grantTypeAuthorizationCode, grantTypeRefreshToken},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	}, nil
}

// ValidateClientIDURL accepts https URLs with a non-root path. Loopback http
// is not an exception here.
func ValidateClientIDURL(clientIDURL string) error {
	if clientIDURL == "" {
		return errors.New("client id metadata URL is empty")
	}
	u, err := parseHTTPURL("client id metadata URL", clientIDURL)
	if err != nil {
		return err
	}
	if u.Scheme != schemeHTTPS {
		return fmt.Errorf("client id metadata URL %q must be https", clientIDURL)
	}
	if u.Path == "" || u.Path == "/" {
		return fmt.Errorf("client id metadata URL %q needs a path", clientIDURL)
	}
	return nil
}

// fetchClientMetadata loads the hosted document and checks that it is valid
// and claims its own URL as client_id
func fetchClientMetadata(ctx context.Context, httpClient *http.Client, clientIDURL string) (*ClientMetadataDocument, error) {
	if err := ValidateClientIDURL(clientIDURL); err != nil {
		return nil, err
	}

	doc := new(ClientMetadataDocument)
	if err := fetchBoundedJSON(ctx, httpClient, clientIDURL, maxClientMetadataSize, doc); err != nil {
		return nil, err
	}
	if err := ValidateClientMetadata(doc); err != nil {
		return nil, err
	}
	if doc.ClientID != clientIDURL {
		return nil, fmt.Errorf("document at %s names client_id %s", clientIDURL, doc.ClientID)
	}
	return doc, nil
}

// ValidateClientMetadata checks client_id and that every redirect URI is an
// absolute http(s) URL
func ValidateClientMetadata(doc *ClientMetadataDocument) error {
	if err := ValidateClientIDURL(doc.ClientID); err != nil {
		return err
	}
	if len(doc.RedirectURIs) == 0 {
		return errors.New("redirect_uris is empty")
	}
	for i, uri := range doc.RedirectURIs {
		if _, err := parseHTTPURL(fmt.Sprintf("redirect_uris[%d]", i), uri); err != nil {
			return err
		}
	}
	return nil
}

func (d *ClientMetadataDocument) listsRedirectURI(redirectURI string) bool {
	return slices.Contains(d.RedirectURIs, redirectURI)
}

// SupportsClientIDMetadata reports whether the authorization server
// advertises client_id_metadata_document_supported
func SupportsClientIDMetadata(asMetadata *AuthorizationServerMetadata) bool {
	return asMetadata != nil && asMetadata.ClientIDMetadataDocumentSupported
}
