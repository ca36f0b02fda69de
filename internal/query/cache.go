package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	cacheVersionKey = "catalog:version"
	productKeySpace = "catalog:product:"
)

// Cache fronts the read path with Redis. Single products are cached
// under their SKU and dropped on write. List responses embed a global
// version in their key, so one INCR invalidates every cached list at
// once.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	hits   prometheus.Counter
	misses prometheus.Counter
}

// NewCache builds the cache helper. A nil client degrades to loader
// pass-through. reg may be nil when metrics are not wanted.
func NewCache(client *redis.Client, ttl time.Duration, reg prometheus.Registerer) *Cache {
	c := &Cache{
		client: client,
		ttl:    ttl,
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_cache_hits_total",
			Help: "Read-through cache hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_cache_misses_total",
			Help: "Read-through cache misses.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.hits, c.misses)
	}
	return c
}

// Version returns the current list-key version, initialising it when
// missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// ListKey composes a versioned key for a list response.
func (c *Cache) ListKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(parts, ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("catalog:v%d:%s", ver, joined), nil
}

// ProductKey is the direct, unversioned key for one SKU.
func ProductKey(sku string) string {
	return productKeySpace + sku
}

// FetchJSON loads a cached value or populates it from the loader.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("query: cache loader required")
	}
	if c == nil || c.client == nil {
		value, err := loader(ctx)
		if err != nil {
			return err
		}
		return roundtrip(value, dest)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		c.hits.Inc()
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return err
	}
	c.misses.Inc()
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	// Population is best effort: a Redis write failure must not turn
	// a successful load into an error.
	_ = c.client.Set(ctx, key, raw, c.ttl).Err()
	return json.Unmarshal(raw, dest)
}

// Bump invalidates every cached list by advancing the version.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, "catalog.bump", strconv.FormatInt(ver, 10)).Err()
}

// InvalidateProduct drops the SKU entry and bumps the list version.
// The collection manager calls it after every successful write.
func (c *Cache) InvalidateProduct(ctx context.Context, sku string, brandID, categoryID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, ProductKey(sku)).Err(); err != nil {
		return err
	}
	return c.Bump(ctx)
}

func roundtrip(value, dest any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
