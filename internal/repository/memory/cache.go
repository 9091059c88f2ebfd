package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v2"

	"github.com/iamasit07/cafe-kiosk/backend/internal/repository"
)

// Cache is an expiring key/value table used when Redis is not available.
type Cache struct {
	items *ttlcache.Cache
}

func NewCache() *Cache {
	items := ttlcache.NewCache()
	// reads must not push expiry forward
	items.SkipTTLExtensionOnHit(true)
	return &Cache{items: items}
}

func (c *Cache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		s = fmt.Sprint(v)
	}
	return c.items.SetWithTTL(key, s, expiration)
}

func (c *Cache) Get(_ context.Context, key string) (string, error) {
	v, err := c.items.Get(key)
	if errors.Is(err, ttlcache.ErrNotFound) {
		return "", repository.ErrCacheMiss
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		if err := c.items.Remove(key); err != nil && !errors.Is(err, ttlcache.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (c *Cache) Close() error {
	return c.items.Close()
}
