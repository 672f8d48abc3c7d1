package graph

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/store"
)

const (
	DefaultCacheTTL      = 30 * time.Second
	DefaultLookupTimeout = 10 * time.Second
)

type cacheEntry struct {
	source    *field.ID
	expiresAt time.Time
}

// Cache remembers the store's inheritance pointer of each field for a fixed time. "No source" is
// cached like any other answer. Its contents only affect latency, never correctness.
type Cache struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
	// lookupTimeout bounds a shared read, which outlives any one caller's context.
	lookupTimeout time.Duration

	mu      sync.Mutex
	entries map[field.ID]cacheEntry
	// gens moves on every Invalidate so that a read started earlier does not repopulate the entry.
	gens   map[field.ID]uint64
	flight singleflight.Group
}

type CacheOption func(*Cache)

func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithLookupTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.lookupTimeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

func NewCache(s store.Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store:         s,
		ttl:           DefaultCacheTTL,
		now:           time.Now,
		lookupTimeout: DefaultLookupTimeout,
		entries:       make(map[field.ID]cacheEntry),
		gens:          make(map[field.ID]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the source of id, reading the store on a miss. Concurrent misses for the same
// field share one read, which is not cancelled when the caller that started it goes away. Store
// errors are returned and not cached.
func (c *Cache) Lookup(ctx context.Context, id field.ID, mode field.Mode) (*field.ID, error) {
	if !id.Inherits() {
		return nil, nil
	}
	c.mu.Lock()
	if e, ok := c.entries[id]; ok && c.now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.source, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(id.String(), func() (interface{}, error) {
		c.mu.Lock()
		// another flight may have filled the entry since the check above
		if e, ok := c.entries[id]; ok && c.now().Before(e.expiresAt) {
			c.mu.Unlock()
			return e.source, nil
		}
		gen := c.gens[id]
		c.mu.Unlock()
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lookupTimeout)
		defer cancel()
		rec, err := c.store.ReadField(readCtx, id, mode)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gens[id] == gen {
			c.entries[id] = cacheEntry{source: rec.Source, expiresAt: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return rec.Source, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*field.ID), nil
}

// Invalidate drops the cached answer for id.
func (c *Cache) Invalidate(id field.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	c.gens[id]++
}

// Expire removes every entry past its expiry and returns how many were removed.
func (c *Cache) Expire() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run expires entries on its own timer until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Expire()
		case <-ctx.Done():
			return
		}
	}
}
