package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the service name credentials are filed under
const DefaultKeyringService = "mcp-probe"

// Keyring stores credentials in the operating system keyring
type Keyring struct {
	service string
}

// NewKeyring creates a keyring-backed store for a service name
func NewKeyring(service string) *Keyring {
	if service == "" {
		service = DefaultKeyringService
	}
	return &Keyring{service: service}
}

func (k *Keyring) Get(_ context.Context, key string) (string, error) {
	v, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s from keyring: %w", key, err)
	}
	return v, nil
}

func (k *Keyring) Set(_ context.Context, key, value string) error {
	if err := keyring.Set(k.service, key, value); err != nil {
		return fmt.Errorf("failed to write %s to keyring: %w", key, err)
	}
	return nil
}

func (k *Keyring) Delete(_ context.Context, key string) error {
	err := keyring.Delete(k.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete %s from keyring: %w", key, err)
	}
	return nil
}

// Available reports whether the OS keyring can be used, by writing and
// removing a probe entry.
func (k *Keyring) Available() bool {
	const probeKey = "mcp-probe-availability-check"
	if err := keyring.Set(k.service, probeKey, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(k.service, probeKey)
	return true
}
