package geoip

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"security-risk-engine/internal/cache"
	"security-risk-engine/internal/schema"
)

const cacheKeyPrefix = "geoip:"

// CachedResolver memoizes successful lookups of another resolver in a
// cache.Store. Failures are never cached.
type CachedResolver struct {
	next   Resolver
	store  cache.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedResolver wraps next.
func NewCachedResolver(next Resolver, store cache.Store, ttl time.Duration, logger *slog.Logger) *CachedResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedResolver{
		next:   next,
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "geoip_cache"),
	}
}

// Lookup returns the cached location or resolves and caches it.
func (c *CachedResolver) Lookup(ctx context.Context, ip string) (*schema.GeoLocation, error) {
	key := cacheKeyPrefix + ip

	if data, err := c.store.Get(ctx, key); err == nil {
		var geo schema.GeoLocation
		if err := json.Unmarshal(data, &geo); err == nil {
			return &geo, nil
		}
		c.logger.Warn("dropping undecodable cache entry", "ip", ip)
		_ = c.store.Delete(ctx, key)
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn("geolocation cache read failed", "error", err)
	}

	geo, err := c.next.Lookup(ctx, ip)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(geo); err == nil {
		if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.Warn("geolocation cache write failed", "error", err)
		}
	}
	return geo, nil
}

// Invalidate forgets cached locations for the given addresses.
func (c *CachedResolver) Invalidate(ctx context.Context, ips ...string) error {
	keys := make([]string, len(ips))
	for i, ip := range ips {
		keys[i] = cacheKeyPrefix + ip
	}
	return c.store.Delete(ctx, keys...)
}
