package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("location not cached")

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, ip string) (Location, error) {
	data, err := c.client.Get(ctx, cacheKey(ip)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Location{}, ErrCacheMiss
	}
	if err != nil {
		return Location{}, fmt.Errorf("redis get failed: %w", err)
	}

	var loc Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return Location{}, fmt.Errorf("unmarshal location failed: %w", err)
	}
	return loc, nil
}

func (c *RedisCache) Set(ctx context.Context, ip string, loc Location) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshal location failed: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(ip), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func cacheKey(ip string) string {
	return fmt.Sprintf("geo:%s", ip)
}
