// Package cache holds the Redis-backed caches shared by the HTTP server.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// NewRedisClient parses a redis:// URL and verifies the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

const nameKeyPrefix = "portal:client-name:"

func nameKey(id uuid.UUID) string {
	return nameKeyPrefix + id.String()
}

// NameCache stores client display names with a TTL.
type NameCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewNameCache(client redis.Cmdable, ttl time.Duration) *NameCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &NameCache{client: client, ttl: ttl}
}

// GetMany returns cached names for ids. Misses are omitted.
func (c *NameCache) GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = nameKey(id)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			out[ids[i]] = s
		}
	}
	return out, nil
}

// SetMany stores names in one pipeline round trip.
func (c *NameCache) SetMany(ctx context.Context, names map[uuid.UUID]string) error {
	if len(names) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for id, name := range names {
		pipe.Set(ctx, nameKey(id), name, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Invalidate drops cached names, used when a client row changes.
func (c *NameCache) Invalidate(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = nameKey(id)
	}
	return c.client.Del(ctx, keys...).Err()
}
