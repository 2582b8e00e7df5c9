// Package cache keeps recently rendered image variants.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"imagestore/internal/models"
)

// Variant is an encoded rendition of a stored image.
type Variant struct {
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

type Cache interface {
	Get(ctx context.Context, key string) (Variant, bool)
	Set(ctx context.Context, key string, v Variant) error
	Close() error
}

// VariantKey identifies the rendition of image id under spec.
func VariantKey(id string, spec models.TransformSpec) string {
	return fmt.Sprintf("%s:w%d:h%d:q%d:f%s:m%s", id, spec.Width, spec.Height, spec.Quality, spec.Format, spec.Mode)
}

// Memory is an in-process cache holding at most size variants, each for
// at most ttl. The least recently used variant is evicted at the cap.
type Memory struct {
	lru *expirable.LRU[string, Variant]
}

func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &Memory{lru: expirable.NewLRU[string, Variant](size, nil, ttl)}
}

const DefaultMemorySize = 512

func (c *Memory) Get(_ context.Context, key string) (Variant, bool) {
	return c.lru.Get(key)
}

func (c *Memory) Set(_ context.Context, key string, v Variant) error {
	c.lru.Add(key, v)
	return nil
}

func (c *Memory) Len() int {
	return c.lru.Len()
}

func (c *Memory) Close() error {
	c.lru.Purge()
	return nil
}

// Redis stores variants as JSON values under keyBase.
type Redis struct {
	client  *redis.Client
	ttl     time.Duration
	keyBase string
}

func NewRedis(ctx context.Context, redisURL string, ttl time.Duration, keyBase string) (*Redis, error) {
	const op = "cache.NewRedis"

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Redis{client: client, ttl: ttl, keyBase: keyBase}, nil
}

func (c *Redis) Get(ctx context.Context, key string) (Variant, bool) {
	val, err := c.client.Get(ctx, c.keyBase+":"+key).Bytes()
	if err != nil {
		return Variant{}, false
	}
	var v Variant
	if err := json.Unmarshal(val, &v); err != nil {
		return Variant{}, false
	}
	return v, true
}

func (c *Redis) Set(ctx context.Context, key string, v Variant) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache.Redis.Set: %w", err)
	}
	return c.client.Set(ctx, c.keyBase+":"+key, data, c.ttl).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}
