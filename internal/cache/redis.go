package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps risk score entries in Redis. Writes are plain SETs, so
// two concurrent computations for the same country resolve last-writer-wins
// rather than erroring. Keys carry no TTL; eviction is explicit.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{client: client, prefix: "risk:"}, nil
}

// NewRedisCacheWithClient wraps an existing Redis client.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "risk:"}
}

func (c *RedisCache) key(country string) string {
	return c.prefix + country
}

// Get returns the cached entry for a country, with found=false on a miss.
func (c *RedisCache) Get(ctx context.Context, country string) (Entry, bool, error) {
	raw, err := c.client.Get(ctx, c.key(country)).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get risk entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal risk entry: %w", err)
	}
	return entry, true, nil
}

// Put stores an entry, overwriting any previous value for the country.
func (c *RedisCache) Put(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal risk entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(entry.Country), raw, 0).Err(); err != nil {
		return fmt.Errorf("put risk entry: %w", err)
	}
	return nil
}

// Evict removes a country's entry. Deleting an absent key is not an error.
func (c *RedisCache) Evict(ctx context.Context, country string) error {
	if err := c.client.Del(ctx, c.key(country)).Err(); err != nil {
		return fmt.Errorf("evict risk entry: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
