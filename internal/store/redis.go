package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"threadfeed/api/internal/feed"
)

// RedisKV stores blobs and updates as plain Redis strings.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV connects to redisURL and checks the connection.
func NewRedisKV(redisURL string) (*RedisKV, error) {
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

	return NewRedisKVWithClient(client), nil
}

// NewRedisKVWithClient wraps an existing client.
func NewRedisKVWithClient(client *redis.Client) *RedisKV {
	return &RedisKV{
		client: client,
		prefix: "threadfeed:",
	}
}

func (s *RedisKV) key(ns Namespace, key string) string {
	return s.prefix + string(ns) + ":" + key
}

func (s *RedisKV) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(ns, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s/%s: %w", ns, key, feed.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", ns, key, err)
	}
	return value, nil
}

func (s *RedisKV) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(ns, key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *RedisKV) Close() error {
	return s.client.Close()
}

func (s *RedisKV) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
