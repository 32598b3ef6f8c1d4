package cmd

import (
	"context"
	"fmt"

	"github.com/giantswarm/mcp-probe/internal/agent"
	"github.com/giantswarm/mcp-probe/internal/credstore"
)

// Durable credential store backends
const (
	storeMemory  = "memory"
	storeKeyring = "keyring"
	storeRedis   = "redis"
)

// openDurableStore opens the store that keeps refresh tokens and client ids
// across runs. The returned close func is never nil.
func openDurableStore(ctx context.Context, backend string, logger *agent.Logger) (credstore.Store, func(), error) {
	noop := func() {}

	switch backend {
	case storeMemory:
		return credstore.NewMemory(), noop, nil

	case storeKeyring, "":
		kr := credstore.NewKeyring(credstore.DefaultKeyringService)
		if !kr.Available() {
			logger.Warning("OS keyring is not available, credentials will not persist across runs")
			return credstore.NewMemory(), noop, nil
		}
		return kr, noop, nil

	case storeRedis:
		rs, err := credstore.NewRedisFromEnv(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open redis credential store: %w", err)
		}
		return rs, func() {
			if err := rs.Close(); err != nil {
				logger.Warning("Failed to close redis credential store: %v", err)
			}
		}, nil

	default:
		return nil, noop, fmt.Errorf("unsupported credential store %q (memory, keyring, redis)", backend)
	}
}
