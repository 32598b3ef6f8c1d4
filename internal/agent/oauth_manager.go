package agent

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-probe/internal/credstore"
)

// refreshWindow is how long before expiry an access token is refreshed
const refreshWindow = 60 * time.Second

// AuthState is the authorization lifecycle state for one resource
type AuthState int

const (
	AuthUnauthorized AuthState = iota
	AuthDiscoveringResource
	AuthDiscoveringAuthServer
	AuthRegistering
	AuthPreparingProof
	AuthAwaitingConsent
	AuthExchangingCode
	AuthAuthorized
	AuthRefreshing
	AuthSteppingUp
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthUnauthorized:
		return "Unauthorized"
	case AuthDiscoveringResource:
		return "DiscoveringResource"
	case AuthDiscoveringAuthServer:
		return "DiscoveringAuthServer"
	case AuthRegistering:
		return "Registering"
	case AuthPreparingProof:
		return "PreparingProof"
	case AuthAwaitingConsent:
		return "AwaitingConsent"
	case AuthExchangingCode:
		return "ExchangingCode"
	case AuthAuthorized:
		return "Authorized"
	case AuthRefreshing:
		return "Refreshing"
	case AuthSteppingUp:
		return "SteppingUp"
	case AuthFailed:
		return "Failed"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

// AuthorizationManagerConfig configures an AuthorizationManager
type AuthorizationManagerConfig struct {
	// Endpoint is the MCP endpoint URL the credentials are for
	Endpoint string

	OAuth *OAuthConfig

	// Ephemeral holds access tokens and in-flight PKCE proofs; defaults to memory
	Ephemeral credstore.Store

	// Durable holds refresh tokens and registered client ids; defaults to memory
	Durable credstore.Store

	Consent    ConsentProvider
	HTTPClient *http.Client
	Logger     *Logger

	// Clock defaults to time.Now
	Clock func() time.Time

	// OnStateChange is called after every state transition
	OnStateChange func(from, to AuthState)
}

// AuthStatus is a snapshot of the authorization context
type AuthStatus struct {
	State           AuthState
	ResourceURI     string
	Issuer          string
	ClientID        string
	HasAccessToken  bool
	HasRefreshToken bool
	Expiry          time.Time
	Scopes          []string
	StepUpAttempts  int
}

// AuthorizationManager owns the OAuth 2.1 lifecycle for one protected MCP
// server: discovery, PKCE, consent, token exchange, refresh and step-up.
// It implements Authorizer.
type AuthorizationManager struct {
	endpoint    string
	resourceURI string
	config      *OAuthConfig
	creds       *credentials
	consent     ConsentProvider
	httpClient  *http.Client
	logger      *Logger
	now         func() time.Time
	onChange    func(from, to AuthState)

	refreshGroup singleflight.Group
	stepUps      *stepUpTracker

	// authSem admits one authorization cycle at a time. The PKCE proof is
	// stored once per resource, so cycles must not overlap.
	authSem chan struct{}

	mu           sync.Mutex
	state        AuthState
	resourceMeta *ProtectedResourceMetadata
	serverMeta   *AuthorizationServerMetadata
	// access token issued by a challenge-driven refresh; a second 401 for it
	// goes straight to full authorization
	challengeRefreshed string
}

// NewAuthorizationManager creates a manager for cfg.Endpoint
func NewAuthorizationManager(cfg AuthorizationManagerConfig) (*AuthorizationManager, error) {
	oauthCfg := DefaultOAuthConfig()
	if cfg.OAuth != nil {
		oauthCfg = cfg.OAuth.WithDefaults()
	}

	resourceURI := oauthCfg.ResourceURI
	if resourceURI == "" {
		derived, err := deriveResourceURI(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive resource URI: %w", err)
		}
		resourceURI = derived
	}

	ephemeral := cfg.Ephemeral
	if ephemeral == nil {
		ephemeral = credstore.NewMemory()
	}
	durable := cfg.Durable
	if durable == nil {
		durable = credstore.NewMemory()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	consent := cfg.Consent
	if consent == nil {
		consent = NewLoopbackConsent(cfg.Logger, oauthCfg.AuthorizationTimeout)
	}

	return &AuthorizationManager{
		endpoint:    cfg.Endpoint,
		resourceURI: resourceURI,
		config:      oauthCfg,
		creds: &credentials{
			resourceURI: resourceURI,
			ephemeral:   ephemeral,
			durable:     durable,
		},
		consent:    consent,
		httpClient: httpClient,
		logger:     cfg.Logger,
		now:        clock,
		onChange:   cfg.OnStateChange,
		stepUps:    newStepUpTracker(oauthCfg.StepUpMaxRetries),
		authSem:    make(chan struct{}, 1),
	}, nil
}

// ResourceURI returns the canonical resource indicator
func (m *AuthorizationManager) ResourceURI() string {
	return m.resourceURI
}

// State returns the current lifecycle state
func (m *AuthorizationManager) State() AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Token returns the bearer token to attach to MCP requests, refreshing it
// first when it is absent or within refreshWindow of expiry and a refresh
// token is stored. An empty string with a nil error means no credentials.
func (m *AuthorizationManager) Token(ctx context.Context) (string, error) {
	tokens, err := m.creds.tokens(ctx)
	if err != nil {
		return "", err
	}
	if tokens != nil && !m.needsRefresh(tokens) {
		return tokens.AccessToken, nil
	}

	durable, err := m.creds.durableRecord(ctx)
	if err != nil {
		return "", err
	}
	if durable.RefreshToken == "" {
		if tokens != nil && m.now().Before(tokens.Expiry) {
			return tokens.AccessToken, nil
		}
		return "", nil
	}

	refreshed, err := m.refresh(ctx, false)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

func (m *AuthorizationManager) needsRefresh(tokens *tokenRecord) bool {
	if tokens.AccessToken == "" {
		return true
	}
	if tokens.Expiry.IsZero() {
		return false
	}
	return !m.now().Before(tokens.Expiry.Add(-refreshWindow))
}

// HandleChallenge reacts to a 401 or 403 from the MCP server. It returns nil
// when the request may be retried with fresh credentials. Challenges that
// arrive while another one is being handled wait for it; if that produced a
// different access token than the one refused, they retry with it.
func (m *AuthorizationManager) HandleChallenge(ctx context.Context, challenge *ChallengeError) error {
	stepUp := challenge.InsufficientScope()
	switch {
	case stepUp && !m.config.EnableStepUpAuth:
		return fmt.Errorf("step-up authorization disabled: %w", challenge)
	case !stepUp && challenge.StatusCode != http.StatusUnauthorized:
		return challenge
	}

	unlock, err := m.lockAuthorization(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if m.superseded(ctx, challenge.rejected) {
		m.logger.InfoVerbose("Credentials were renewed meanwhile, retrying with them")
		return nil
	}
	if stepUp {
		return m.stepUp(ctx, challenge.Challenge)
	}
	// a refresh cannot widen the grant
	if m.grantCovers(ctx, challenge.Challenge) && m.tryChallengeRefresh(ctx) {
		return nil
	}
	return m.authorize(ctx, challenge.Challenge, nil, true)
}

// grantCovers reports whether the stored token was granted every scope the
// challenge names
func (m *AuthorizationManager) grantCovers(ctx context.Context, challenge *WWWAuthenticateChallenge) bool {
	if challenge == nil || len(challenge.Scopes) == 0 {
		return true
	}
	tokens, err := m.creds.tokens(ctx)
	if err != nil || tokens == nil {
		return false
	}
	for _, scope := range challenge.Scopes {
		if !slices.Contains(tokens.Scopes, scope) {
			return false
		}
	}
	return true
}

// lockAuthorization waits until no other authorization cycle runs
func (m *AuthorizationManager) lockAuthorization(ctx context.Context) (func(), error) {
	select {
	case m.authSem <- struct{}{}:
		return func() { <-m.authSem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// superseded reports whether the stored access token differs from rejected
func (m *AuthorizationManager) superseded(ctx context.Context, rejected string) bool {
	tokens, err := m.creds.tokens(ctx)
	if err != nil || tokens == nil || tokens.AccessToken == "" {
		return false
	}
	return tokens.AccessToken != rejected
}

// tryChallengeRefresh refreshes once per issued access token in response to a 401
func (m *AuthorizationManager) tryChallengeRefresh(ctx context.Context) bool {
	durable, err := m.creds.durableRecord(ctx)
	if err != nil || durable.RefreshToken == "" {
		return false
	}
	tokens, err := m.creds.tokens(ctx)
	if err != nil {
		return false
	}

	m.mu.Lock()
	already := tokens != nil && tokens.AccessToken != "" && tokens.AccessToken == m.challengeRefreshed
	m.mu.Unlock()
	if already {
		return false
	}

	refreshed, err := m.refresh(ctx, true)
	if err != nil {
		if !errors.Is(err, ErrRefreshInvalid) {
			m.logger.Warning("Token refresh failed: %v", err)
		}
		return false
	}

	m.mu.Lock()
	m.challengeRefreshed = refreshed.AccessToken
	m.mu.Unlock()
	return true
}

// Authorize runs a full authorization cycle. challenge may be nil.
func (m *AuthorizationManager) Authorize(ctx context.Context, challenge *WWWAuthenticateChallenge) error {
	unlock, err := m.lockAuthorization(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return m.authorize(ctx, challenge, nil, true)
}

// StepUp re-authorizes for the union of granted and required scopes. The
// attempt counter is incremented before anything else; past the bound it
// fails with ErrStepUpExceeded without any network traffic.
func (m *AuthorizationManager) StepUp(ctx context.Context, challenge *WWWAuthenticateChallenge) error {
	unlock, err := m.lockAuthorization(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return m.stepUp(ctx, challenge)
}

func (m *AuthorizationManager) stepUp(ctx context.Context, challenge *WWWAuthenticateChallenge) error {
	attempt, ok := m.stepUps.next(m.resourceURI)
	if !ok {
		m.setState(AuthFailed)
		return fmt.Errorf("%w (%d of %d)", ErrStepUpExceeded, attempt, m.stepUps.max)
	}
	m.setState(AuthSteppingUp)

	var granted []string
	tokens, err := m.creds.tokens(ctx)
	if err != nil {
		return err
	}
	if tokens != nil {
		granted = tokens.Scopes
	}
	var required []string
	if challenge != nil {
		required = challenge.Scopes
	}
	scopes := mergeScopes(granted, required)

	m.logger.Info("Step-up authorization %d/%d for scopes: %s", attempt, m.stepUps.max, formatScopeList(scopes))
	return m.authorize(ctx, challenge, scopes, false)
}

// Revoke forgets every credential held for this resource
func (m *AuthorizationManager) Revoke(ctx context.Context) error {
	err := m.creds.clearAll(ctx)
	m.stepUps.reset(m.resourceURI)
	m.mu.Lock()
	m.challengeRefreshed = ""
	m.mu.Unlock()
	m.setState(AuthUnauthorized)
	return err
}

// Status returns a snapshot of the authorization context
func (m *AuthorizationManager) Status(ctx context.Context) (*AuthStatus, error) {
	status := &AuthStatus{
		State:          m.State(),
		ResourceURI:    m.resourceURI,
		StepUpAttempts: m.stepUps.count(m.resourceURI),
	}

	m.mu.Lock()
	if m.serverMeta != nil {
		status.Issuer = m.serverMeta.Issuer
	}
	m.mu.Unlock()

	tokens, err := m.creds.tokens(ctx)
	if err != nil {
		return nil, err
	}
	if tokens != nil {
		status.HasAccessToken = tokens.AccessToken != ""
		status.Expiry = tokens.Expiry
		status.Scopes = tokens.Scopes
	}
	durable, err := m.creds.durableRecord(ctx)
	if err != nil {
		return nil, err
	}
	status.HasRefreshToken = durable.RefreshToken != ""
	status.ClientID = durable.ClientID
	if m.config.ClientID != "" {
		status.ClientID = m.config.ClientID
	}
	return status, nil
}

// TokenClaims decodes the stored access token without verifying it. Tokens
// that are not JWTs yield an error.
func (m *AuthorizationManager) TokenClaims(ctx context.Context) (jwt.MapClaims, error) {
	tokens, err := m.creds.tokens(ctx)
	if err != nil {
		return nil, err
	}
	if tokens == nil || tokens.AccessToken == "" {
		return nil, fmt.Errorf("no access token stored")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokens.AccessToken, claims); err != nil {
		return nil, fmt.Errorf("access token is not a JWT: %w", err)
	}
	return claims, nil
}

// authorize runs discovery, client identification, PKCE consent and code
// exchange. requested overrides scope selection when non-nil.
func (m *AuthorizationManager) authorize(ctx context.Context, challenge *WWWAuthenticateChallenge, requested []string, resetStepUp bool) (err error) {
	defer func() {
		if err == nil {
			return
		}
		if errors.Is(err, ErrPKCERejected) || errors.Is(err, ErrStateMismatch) {
			m.setState(AuthFailed)
			return
		}
		m.setState(AuthUnauthorized)
	}()

	serverMeta, resourceMeta, err := m.discover(ctx, challenge)
	if err != nil {
		return err
	}

	m.setState(AuthRegistering)
	clientID, err := m.ensureClient(ctx, serverMeta, resourceMeta)
	if err != nil {
		return err
	}

	scopes := requested
	if scopes == nil {
		scopes = selectScopes(m.config, challenge, resourceMeta)
	}

	m.setState(AuthPreparingProof)
	proof := &proofRecord{
		Verifier: oauth2.GenerateVerifier(),
		Nonce:    generateNonce(),
	}
	if err := m.creds.saveProof(ctx, proof); err != nil {
		return err
	}
	defer m.eraseProof()

	oauthConfig := m.oauth2Config(serverMeta, clientID, scopes)
	authURL := oauthConfig.AuthCodeURL(proof.Nonce,
		oauth2.S256ChallengeOption(proof.Verifier),
		oauth2.SetAuthURLParam("resource", m.resourceURI),
	)

	m.setState(AuthAwaitingConsent)
	code, err := m.awaitConsent(ctx, authURL)
	if err != nil {
		return err
	}

	m.setState(AuthExchangingCode)
	stored, err := m.creds.proof(ctx)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("%w: no authorization in progress", ErrStateMismatch)
	}
	if subtle.ConstantTimeCompare([]byte(code.State), []byte(stored.Nonce)) != 1 {
		return ErrStateMismatch
	}
	if code.Code == "" {
		return &TokenExchangeError{Err: errors.New("authorization response carried no code")}
	}

	tokenCtx, cancel := m.tokenContext(ctx, serverMeta)
	defer cancel()
	token, err := oauthConfig.Exchange(tokenCtx, code.Code,
		oauth2.VerifierOption(stored.Verifier),
		oauth2.SetAuthURLParam("resource", m.resourceURI),
	)
	m.eraseProof()
	if err != nil {
		return tokenError("token exchange", err)
	}

	if err := m.storeToken(ctx, token, scopes); err != nil {
		return err
	}
	if resetStepUp {
		m.stepUps.reset(m.resourceURI)
	}
	m.setState(AuthAuthorized)
	m.logger.Success("Authorization successful")
	return nil
}

// discover resolves the resource metadata and authorization server metadata
// and applies the PKCE gate
func (m *AuthorizationManager) discover(ctx context.Context, challenge *WWWAuthenticateChallenge) (*AuthorizationServerMetadata, *ProtectedResourceMetadata, error) {
	var resourceMeta *ProtectedResourceMetadata
	var issuer string

	m.setState(AuthDiscoveringResource)
	if m.config.SkipResourceMetadata {
		origin, err := endpointOrigin(m.endpoint)
		if err != nil {
			return nil, nil, &AuthDiscoveryError{Stage: "protected resource metadata", Err: err}
		}
		issuer = origin
		if m.config.PreferredAuthServer != "" {
			issuer = m.config.PreferredAuthServer
		}
	} else {
		meta, err := discoverResourceMetadata(ctx, m.httpClient, m.endpoint, challenge, m.logger)
		if err != nil {
			return nil, nil, err
		}
		issuer, err = selectAuthorizationServer(meta, m.config.PreferredAuthServer)
		if err != nil {
			return nil, nil, &AuthDiscoveryError{Stage: "authorization server selection", Err: err}
		}
		resourceMeta = meta
	}

	m.setState(AuthDiscoveringAuthServer)
	serverMeta, err := discoverAuthServerMetadata(ctx, m.httpClient, issuer, m.logger)
	if err != nil {
		return nil, nil, err
	}
	if err := validatePKCESupport(serverMeta); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	m.resourceMeta = resourceMeta
	m.serverMeta = serverMeta
	m.mu.Unlock()
	return serverMeta, resourceMeta, nil
}

// ensureClient picks the client id: operator supplied, then a stored
// registration, then a Client ID Metadata Document, then dynamic registration.
func (m *AuthorizationManager) ensureClient(ctx context.Context, serverMeta *AuthorizationServerMetadata, resourceMeta *ProtectedResourceMetadata) (string, error) {
	if m.config.ClientID != "" {
		return m.config.ClientID, nil
	}

	durable, err := m.creds.durableRecord(ctx)
	if err != nil {
		return "", err
	}
	if durable.ClientID != "" {
		m.logger.InfoVerbose("Using stored client id: %s", durable.ClientID)
		return durable.ClientID, nil
	}

	if m.config.ClientIDMetadataURL != "" && !m.config.DisableCIMD && SupportsClientIDMetadata(serverMeta) {
		doc, err := fetchClientMetadata(ctx, m.httpClient, m.config.ClientIDMetadataURL)
		switch {
		case err != nil:
			m.logger.Warning("Client ID metadata document unusable: %v", err)
		case !doc.listsRedirectURI(m.config.RedirectURL):
			m.logger.Warning("Client ID metadata document does not list redirect URI %s", m.config.RedirectURL)
		default:
			m.logger.Info("Using Client ID Metadata Document: %s", m.config.ClientIDMetadataURL)
			return m.config.ClientIDMetadataURL, nil
		}
	}

	if serverMeta.RegistrationEndpoint == "" {
		return "", &AuthDiscoveryError{
			Stage: "client registration",
			Err:   errors.New("no client id configured and the authorization server offers no usable registration method"),
		}
	}

	var scopes []string
	if resourceMeta != nil {
		scopes = resourceMeta.ScopesSupported
	}
	registration, err := registerClient(ctx, m.httpClient, serverMeta.RegistrationEndpoint,
		newRegistrationRequest(m.config.RedirectURL, scopes), m.config.RegistrationToken, m.logger)
	if err != nil {
		return "", &AuthDiscoveryError{Stage: "client registration", Err: err}
	}

	durable.ClientID = registration.ClientID
	if err := m.creds.saveDurable(ctx, durable); err != nil {
		return "", err
	}
	return registration.ClientID, nil
}

// awaitConsent hands the authorization URL to the consent provider
func (m *AuthorizationManager) awaitConsent(ctx context.Context, authURL string) (*ConsentResult, error) {
	proof, err := m.creds.proof(ctx)
	if err != nil {
		return nil, err
	}
	if proof == nil {
		return nil, fmt.Errorf("%w: no authorization in progress", ErrStateMismatch)
	}

	consentCtx, cancel := context.WithTimeout(ctx, m.config.AuthorizationTimeout)
	defer cancel()

	result, err := m.consent.RequestConsent(consentCtx, ConsentRequest{
		AuthorizationURL: authURL,
		RedirectURL:      m.config.RedirectURL,
		State:            proof.Nonce,
	})
	if err != nil {
		if errors.Is(err, ErrConsentCancelled) || errors.Is(err, ErrConsentDenied) {
			return nil, err
		}
		if consentCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrConsentCancelled, err)
		}
		return nil, err
	}
	if result == nil {
		return nil, ErrConsentCancelled
	}
	if result.Error != "" {
		return nil, &ConsentError{Code: result.Error, Description: result.ErrorDescription}
	}
	return result, nil
}

// refresh exchanges the stored refresh token. Concurrent callers for the
// same resource share one request. Unless force is set, a token that another
// caller already refreshed is returned as is.
func (m *AuthorizationManager) refresh(ctx context.Context, force bool) (*tokenRecord, error) {
	v, err, _ := m.refreshGroup.Do(m.resourceURI, func() (any, error) {
		if !force {
			if tokens, err := m.creds.tokens(ctx); err == nil && tokens != nil && !m.needsRefresh(tokens) {
				return tokens, nil
			}
		}
		return m.doRefresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*tokenRecord), nil
}

func (m *AuthorizationManager) doRefresh(ctx context.Context) (*tokenRecord, error) {
	durable, err := m.creds.durableRecord(ctx)
	if err != nil {
		return nil, err
	}
	if durable.RefreshToken == "" {
		return nil, ErrRefreshInvalid
	}

	m.mu.Lock()
	serverMeta := m.serverMeta
	m.mu.Unlock()
	if serverMeta == nil {
		if serverMeta, _, err = m.discover(ctx, nil); err != nil {
			m.setState(AuthUnauthorized)
			return nil, err
		}
	}

	m.setState(AuthRefreshing)
	clientID := m.config.ClientID
	if clientID == "" {
		clientID = durable.ClientID
	}

	var scopes []string
	if tokens, err := m.creds.tokens(ctx); err == nil && tokens != nil {
		scopes = tokens.Scopes
	}

	oauthConfig := m.oauth2Config(serverMeta, clientID, scopes)
	tokenCtx, cancel := m.tokenContext(ctx, serverMeta)
	defer cancel()

	m.logger.InfoVerbose("Refreshing access token")
	token, err := oauthConfig.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: durable.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			m.logger.Warning("Refresh token rejected, clearing stored credentials")
			if clearErr := m.creds.clearAll(ctx); clearErr != nil {
				m.logger.Error("Failed to clear credentials: %v", clearErr)
			}
			m.setState(AuthUnauthorized)
			return nil, ErrRefreshInvalid
		}
		m.setState(AuthUnauthorized)
		return nil, tokenError("token refresh", err)
	}

	if err := m.storeToken(ctx, token, scopes); err != nil {
		return nil, err
	}
	m.setState(AuthAuthorized)
	return m.creds.tokens(ctx)
}

// storeToken writes the access token to the ephemeral store and a rotated
// refresh token to the durable store
func (m *AuthorizationManager) storeToken(ctx context.Context, token *oauth2.Token, requested []string) error {
	record := &tokenRecord{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		Scopes:      requested,
	}
	switch {
	case token.ExpiresIn > 0:
		record.Expiry = m.now().Add(time.Duration(token.ExpiresIn) * time.Second)
	case !token.Expiry.IsZero():
		record.Expiry = token.Expiry
	}
	if granted, ok := token.Extra("scope").(string); ok && strings.TrimSpace(granted) != "" {
		record.Scopes = strings.Fields(granted)
	}
	if err := m.creds.saveTokens(ctx, record); err != nil {
		return err
	}

	if token.RefreshToken == "" {
		return nil
	}
	durable, err := m.creds.durableRecord(ctx)
	if err != nil {
		return err
	}
	durable.RefreshToken = token.RefreshToken
	return m.creds.saveDurable(ctx, durable)
}

func (m *AuthorizationManager) oauth2Config(serverMeta *AuthorizationServerMetadata, clientID string, scopes []string) *oauth2.Config {
	authStyle := oauth2.AuthStyleInParams
	if m.config.ClientSecret != "" {
		authStyle = oauth2.AuthStyleAutoDetect
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: m.config.ClientSecret,
		RedirectURL:  m.config.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   serverMeta.AuthorizationEndpoint,
			TokenURL:  serverMeta.TokenEndpoint,
			AuthStyle: authStyle,
		},
	}
}

// tokenContext bounds a token request and routes it through the resource
// round tripper
func (m *AuthorizationManager) tokenContext(ctx context.Context, serverMeta *AuthorizationServerMetadata) (context.Context, context.CancelFunc) {
	client := &http.Client{
		Transport:     newResourceRoundTripper(m.resourceURI, serverMeta.TokenEndpoint, m.httpClient.Transport, m.logger),
		CheckRedirect: m.httpClient.CheckRedirect,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	return context.WithTimeout(ctx, m.config.TokenTimeout)
}

// eraseProof removes the verifier and nonce even when ctx is already done
func (m *AuthorizationManager) eraseProof() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.creds.eraseProof(ctx); err != nil {
		m.logger.Error("Failed to erase PKCE verifier: %v", err)
	}
}

func (m *AuthorizationManager) setState(to AuthState) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.logger.Debug("Authorization state: %s -> %s", from, to)
	if m.onChange != nil {
		m.onChange(from, to)
	}
}

// tokenError classifies a failed token endpoint request
func tokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &TokenExchangeError{Code: retrieveErr.ErrorCode, Description: retrieveErr.ErrorDescription, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Op: op, Err: err}
	}
	return &TokenExchangeError{Err: err}
}

// generateNonce returns 128 random bits, base64url encoded
func generateNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// endpointOrigin returns scheme://host[:port] of endpoint
func endpointOrigin(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("endpoint URL must include scheme and host")
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}
