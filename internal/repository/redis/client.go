package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/repository"
)

// Connect dials Redis and pings it. A failed ping returns (nil, err) so the caller can
// fall back to the in-process cache instead of failing startup.
func Connect(ctx context.Context, url, password string, logger *zap.Logger) (*redis.Client, error) {
	opts, err := options(url, password)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}

	logger.Info("redis connected", zap.String("addr", opts.Addr))
	return client, nil
}

// options accepts both redis:// URLs and bare host:port addresses.
func options(url, password string) (*redis.Options, error) {
	if strings.Contains(url, "://") {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		if password != "" {
			opts.Password = password
		}
		return opts, nil
	}
	if url == "" {
		url = "localhost:6379"
	}
	return &redis.Options{Addr: url, Password: password, DB: 0}, nil
}

// RedisCache is the Redis-backed pending command table and event stream sink.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", repository.ErrCacheMiss
	}
	return v, err
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// Publish pushes message to every subscriber of channel.
func (r *RedisCache) Publish(ctx context.Context, channel string, message []byte) error {
	return r.client.Publish(ctx, channel, message).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
