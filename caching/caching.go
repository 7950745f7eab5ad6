package caching

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachingService is the best-effort volatile cache in front of the session
// store. Losing it must never lose data; callers treat every error as a miss.
type CachingService interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = redis.Nil

type RedisCachingService struct {
	client *redis.Client
}

func NewRedisCachingService(client *redis.Client) *RedisCachingService {
	return &RedisCachingService{client: client}
}

func (c *RedisCachingService) Get(ctx context.Context, key string) ([]byte, error) {
	return c.client.Get(ctx, key).Bytes()
}

func (c *RedisCachingService) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCachingService) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// NullCachingService is the fallback when Redis is not configured: every
// read misses, every write succeeds.
type NullCachingService struct{}

func NewNullCachingService() *NullCachingService {
	return &NullCachingService{}
}

func (c *NullCachingService) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, ErrCacheMiss
}

func (c *NullCachingService) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (c *NullCachingService) Delete(ctx context.Context, key string) error {
	return nil
}
