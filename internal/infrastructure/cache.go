// services/hub/internal/infrastructure/cache.go
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/hub/config"
	"github.com/go-redis/redis/v8"
)

// Cache wraps the Redis client shared by every replica of the service.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache connection.
func NewCache(ctx context.Context, cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// IncrWindow increments the counter for key. The first hit of a window starts
// its expiry, so the counter resets window after that hit.
func (c *Cache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	if n == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("failed to set expiry on %s: %w", key, err)
		}
	}
	return n, nil
}

// Ping reports whether Redis answers.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the cache connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
