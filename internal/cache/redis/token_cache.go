// Package redis caches worker token lookups in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/scraper-fleet/internal/hash/sha256"
)

const keyPrefix = "fleet:token:"

// DefaultTTL bounds how long a token lookup is trusted without the store.
const DefaultTTL = 5 * time.Minute

// TokenCache maps worker tokens to worker IDs. Keys hold a digest of the
// token, never the token itself.
type TokenCache struct {
	client *goredis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies the connection with a ping.
func New(addr, password string, db int, ttl time.Duration) (*TokenCache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TokenCache{client: client, ttl: ttl}, nil
}

// Close releases the client.
func (c *TokenCache) Close() error {
	return c.client.Close()
}

// Ping reports whether Redis is reachable.
func (c *TokenCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Lookup returns the worker ID cached for token.
func (c *TokenCache) Lookup(ctx context.Context, token string) (string, bool, error) {
	id, err := c.client.Get(ctx, cacheKey(token)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup token: %w", err)
	}
	return id, true, nil
}

// Remember caches token for workerID.
func (c *TokenCache) Remember(ctx context.Context, token, workerID string) error {
	if err := c.client.Set(ctx, cacheKey(token), workerID, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache token: %w", err)
	}
	return nil
}

// Forget drops token from the cache.
func (c *TokenCache) Forget(ctx context.Context, token string) error {
	if err := c.client.Del(ctx, cacheKey(token)).Err(); err != nil {
		return fmt.Errorf("forget token: %w", err)
	}
	return nil
}

func cacheKey(token string) string {
	return sha256.Key(keyPrefix, token)
}
