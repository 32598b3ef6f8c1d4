package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-probe/internal/credstore"
)

// Record keys within a store. Canonical resource URIs carry no fragment, so
// "#" cannot collide with another identity.
const (
	recordTokens = "tokens"
	recordProof  = "pkce"
	recordClient = "client"
)

// tokenRecord lives in the ephemeral store
type tokenRecord struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	Expiry      time.Time `json:"expiry,omitempty"`
	Scopes      []string  `json:"scopes,omitempty"`
}

// proofRecord holds the PKCE verifier and consent nonce for one in-flight
// authorization. It lives in the ephemeral store and is erased when the
// exchange finishes or fails.
type proofRecord struct {
	Verifier string `json:"pkce_verifier"`
	Nonce    string `json:"consent_nonce"`
}

// durableRecord lives in the durable store
type durableRecord struct {
	RefreshToken string `json:"refresh_token,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
}

// credentials reads and writes the records for one resource URI
type credentials struct {
	resourceURI string
	ephemeral   credstore.Store
	durable     credstore.Store
}

func (c *credentials) key(record string) string {
	return c.resourceURI + "#" + record
}

func (c *credentials) tokens(ctx context.Context) (*tokenRecord, error) {
	var rec tokenRecord
	ok, err := load(ctx, c.ephemeral, c.key(recordTokens), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (c *credentials) saveTokens(ctx context.Context, rec *tokenRecord) error {
	return save(ctx, c.ephemeral, c.key(recordTokens), rec)
}

func (c *credentials) proof(ctx context.Context) (*proofRecord, error) {
	var rec proofRecord
	ok, err := load(ctx, c.ephemeral, c.key(recordProof), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (c *credentials) saveProof(ctx context.Context, rec *proofRecord) error {
	return save(ctx, c.ephemeral, c.key(recordProof), rec)
}

func (c *credentials) eraseProof(ctx context.Context) error {
	return c.ephemeral.Delete(ctx, c.key(recordProof))
}

func (c *credentials) durableRecord(ctx context.Context) (*durableRecord, error) {
	var rec durableRecord
	if _, err := load(ctx, c.durable, c.key(recordClient), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *credentials) saveDurable(ctx context.Context, rec *durableRecord) error {
	return save(ctx, c.durable, c.key(recordClient), rec)
}

// clearAll removes every record for the resource from both stores
func (c *credentials) clearAll(ctx context.Context) error {
	return errors.Join(
		c.ephemeral.Delete(ctx, c.key(recordTokens)),
		c.ephemeral.Delete(ctx, c.key(recordProof)),
		c.durable.Delete(ctx, c.key(recordClient)),
	)
}

func load(ctx context.Context, store credstore.Store, key string, dst any) (bool, error) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, credstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read credentials: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("failed to decode stored credentials: %w", err)
	}
	return true, nil
}

func save(ctx context.Context, store credstore.Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := store.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}
