// Package redis backs the HTTP idempotency cache and the sweep overlap lock.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"
)

// Config holds Redis configuration
type Config struct {
	Enabled    bool   `envconfig:"REDIS_ENABLED" default:"true"`
	URL        string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	Password   string `envconfig:"REDIS_PASSWORD"`
	PoolSize   int    `envconfig:"REDIS_POOL_SIZE" default:"10"`
	MaxRetries int    `envconfig:"REDIS_MAX_RETRIES" default:"3"`
	KeyPrefix  string `envconfig:"REDIS_KEY_PREFIX" default:"billing:"`
}

// Client wraps a go-redis client with a key prefix
type Client struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connection established", "addr", opts.Addr)
	return &Client{rdb: rdb, prefix: cfg.KeyPrefix, logger: logger}, nil
}

// Close closes the client
func (c *Client) Close() error {
	return c.rdb.Close()
}

// HealthCheck pings Redis
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get implements middleware.IdempotencyStore
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, c.prefix+"idem:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return data, true, nil
}

// Set implements middleware.IdempotencyStore
func (c *Client) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.prefix+"idem:"+key, response, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// ErrLockHeld is returned when another holder owns the lock
var ErrLockHeld = errors.New("lock held by another process")

// releaseScript deletes the lock only if this holder still owns it
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock acquires a best-effort mutual exclusion lock with a TTL.
// The returned release func is safe to call after the TTL has lapsed.
func (c *Client) Lock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := c.prefix + "lock:" + name
	token := ulid.Make().String()

	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func() {
		// Release must outlive a cancelled caller context
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, c.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			c.logger.Warn("failed to release lock", "lock", name, "error", err)
		}
	}, nil
}
