package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis store. Defaults can be loaded via envdecode.
type RedisConfig struct {
	// Addr like "localhost:6379". ENV: MCP_PROBE_REDIS_ADDR
	Addr string `env:"MCP_PROBE_REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH. ENV: MCP_PROBE_REDIS_PASSWORD
	Password string `env:"MCP_PROBE_REDIS_PASSWORD"`
	// DB number. ENV: MCP_PROBE_REDIS_DB
	DB int `env:"MCP_PROBE_REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: MCP_PROBE_REDIS_PREFIX
	KeyPrefix string `env:"MCP_PROBE_REDIS_PREFIX,default=mcp-probe:credentials:"`
	// TTL for stored values, zero for none. ENV: MCP_PROBE_REDIS_TTL
	TTL time.Duration `env:"MCP_PROBE_REDIS_TTL,default=0s"`
}

// Redis stores credentials in Redis so several probe instances can share
// the same refresh tokens and client registrations.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedis connects to Redis and verifies the connection
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisWithClient(cl, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisFromEnv builds a Redis store using envdecode to populate RedisConfig
func NewRedisFromEnv(ctx context.Context) (*Redis, error) {
	var cfg RedisConfig
	// with no variables set the struct tag defaults apply
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redis configuration: %w", err)
	}
	return NewRedis(ctx, cfg)
}

// NewRedisWithClient wraps a pre-configured client
func NewRedisWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *Redis {
	if keyPrefix == "" {
		keyPrefix = "mcp-probe:credentials:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Close closes the Redis client
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) key(k string) string { return r.keyPrefix + k }

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", r.key(key), err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", r.key(key), err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", r.key(key), err)
	}
	return nil
}
