package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Fetcher loads the current value of a query key.
type Fetcher func(ctx context.Context, key string) (any, error)

// Entry is a snapshot of one cached query.
type Entry struct {
	Data      any
	Err       error
	Stale     bool
	UpdatedAt time.Time
}

type entry struct {
	Entry
	loaded    bool
	observers int
	started   uint64 // sequence of the newest fetch started
}

// Cache holds query results keyed by URL. Concurrent loads of a key share
// one fetch; a revalidation starts a new fetch even while an older one is in
// flight, and a result from a fetch older than the newest started one is
// dropped.
type Cache struct {
	fetch Fetcher
	group singleflight.Group
	seq   atomic.Uint64

	mu        sync.Mutex
	entries   map[string]*entry
	listeners map[uint64]func(key string, e Entry)
	nextID    uint64
}

func NewCache(fetch Fetcher) *Cache {
	return &Cache{
		fetch:     fetch,
		entries:   make(map[string]*entry),
		listeners: make(map[uint64]func(string, Entry)),
	}
}

// Acquire registers an observer of key. The entry lives while it has
// observers.
func (c *Cache) Acquire(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.observers++
}

// Release drops an observer. The last release destroys the entry.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.observers--
	if e.observers <= 0 {
		delete(c.entries, key)
		c.group.Forget(key)
	}
}

func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.loaded {
		return Entry{}, false
	}
	return e.Entry, true
}

// Keys returns the keys currently cached.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

// OnChange calls fn after every applied fetch and every stale mark.
func (c *Cache) OnChange(fn func(key string, e Entry)) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Cache) notify(key string, e Entry) {
	c.mu.Lock()
	fns := make([]func(string, Entry), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(key, e)
	}
}

// Load returns the cached entry for key, fetching it when missing or stale.
// Only keys with observers are cached.
func (c *Cache) Load(ctx context.Context, key string) (Entry, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.loaded && !e.Stale && e.Err == nil {
		snap := e.Entry
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()
	return c.do(ctx, key)
}

// Revalidate marks key stale and refetches it without waiting for a fetch
// that is already in flight.
func (c *Cache) Revalidate(ctx context.Context, key string) (Entry, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return Entry{}, nil
	}
	e.Stale = true
	snap := e.Entry
	loaded := e.loaded
	c.mu.Unlock()
	if loaded {
		c.notify(key, snap)
	}
	c.group.Forget(key)
	return c.do(ctx, key)
}

// RevalidateMatching revalidates every cached key pred selects.
func (c *Cache) RevalidateMatching(ctx context.Context, pred func(key string) bool) error {
	if pred == nil {
		return nil
	}
	var g errgroup.Group
	for _, key := range c.Keys() {
		if !pred(key) {
			continue
		}
		g.Go(func() error {
			_, err := c.Revalidate(ctx, key)
			return err
		})
	}
	return g.Wait()
}

func (c *Cache) do(ctx context.Context, key string) (Entry, error) {
	_, err, _ := c.group.Do(key, func() (any, error) {
		seq := c.seq.Add(1)
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.started = seq
		}
		c.mu.Unlock()

		data, err := c.fetch(ctx, key)
		c.apply(key, seq, data, err)
		return nil, err
	})
	c.mu.Lock()
	e, ok := c.entries[key]
	var snap Entry
	if ok {
		snap = e.Entry
	}
	c.mu.Unlock()
	if !ok && err == nil {
		err = fmt.Errorf("query %q has no observers", key)
	}
	return snap, err
}

func (c *Cache) apply(key string, seq uint64, data any, err error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || seq < e.started {
		c.mu.Unlock()
		return
	}
	if err != nil {
		e.Err = err
	} else {
		e.Data = data
		e.Err = nil
		e.Stale = false
	}
	e.loaded = true
	e.UpdatedAt = time.Now()
	snap := e.Entry
	c.mu.Unlock()
	c.notify(key, snap)
}

var ErrStatus = errors.New("unexpected status")

// JSONFetcher loads keys as paths under baseURL and returns the response's
// "data" field, unwrapping the server's {data, error} envelope.
func JSONFetcher(client *http.Client, baseURL string) Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	base := strings.TrimRight(baseURL, "/")
	return func(ctx context.Context, key string) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+key, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("%w: GET %s: %d", ErrStatus, key, resp.StatusCode)
		}
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil || env.Data == nil {
			return json.RawMessage(body), nil
		}
		return env.Data, nil
	}
}
