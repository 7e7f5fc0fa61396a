package stops

import (
	"context"

	"github.com/bluele/gcache"

	"github.com/davidread/bus-timeliness/internal/tracker"
	"github.com/davidread/bus-timeliness/internal/transit"
)

const DefaultCacheSize = 256

// Cache memoises a stop source per route/direction so that repeated lookups
// return the identical list. Failed loads are retried on the next call.
type Cache struct {
	src   tracker.StopSource
	cache gcache.Cache
}

func NewCache(src tracker.StopSource, size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{
		src:   src,
		cache: gcache.New(size).LRU().Build(),
	}
}

func (c *Cache) Stops(ctx context.Context, key transit.RouteKey) ([]transit.Stop, error) {
	if v, err := c.cache.GetIFPresent(key); err == nil {
		return v.([]transit.Stop), nil
	}
	stops, err := c.src.Stops(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(key, stops)
	return stops, nil
}

// Purge drops every cached list.
func (c *Cache) Purge() { c.cache.Purge() }

func (c *Cache) Len() int { return c.cache.Len(false) }
