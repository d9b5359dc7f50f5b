package api

import (
	"strconv"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stepherg/storefrontgw/internal/events"
)

// Cache holds read responses between mutations. Keys carry a generation
// number; Invalidate bumps it, so a load that started before a mutation
// stores its result under a key no later read will ask for.
type Cache struct {
	store *gocache.Cache
	gen   atomic.Uint64
}

// NewCache returns nil for a non-positive ttl, which disables caching.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		return nil
	}
	return &Cache{store: gocache.New(ttl, 2*ttl)}
}

// Fetch returns the cached value for key or calls load and caches its
// result.
func (c *Cache) Fetch(key string, load func() (any, error)) (any, error) {
	if c == nil {
		return load()
	}
	k := strconv.FormatUint(c.gen.Load(), 10) + "|" + key
	if v, found := c.store.Get(k); found {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	c.store.SetDefault(k, v)
	return v, nil
}

// Invalidate drops every cached response. Cart signals are ignored since
// carts are never cached.
func (c *Cache) Invalidate(s events.Signal) {
	if c == nil {
		return
	}
	if !s.All && events.IsEventFor(events.CartTopic(""), s.Event) {
		return
	}
	c.gen.Add(1)
	c.store.Flush()
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.store.ItemCount()
}
