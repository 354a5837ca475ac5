// Package cache provides the in-memory store used to reuse validated
// plans across repeated goals.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	errbuilder "github.com/ZanzyTHEbar/errbuilder-go"

	"github.com/planweave/planweave"
)

// InMemoryCache provides a simple thread-safe in-memory cache with TTL
// expiry. It satisfies the planweave.Cache port.
type InMemoryCache struct {
	store  map[string]cacheItem
	mutex  sync.RWMutex
	ttl    time.Duration
	logger planweave.Logger
	stop   chan struct{}
	once   sync.Once
}

type cacheItem struct {
	value      interface{}
	expiration int64
}

// NewInMemoryCache creates a new in-memory cache with a default TTL and
// starts its background cleanup loop.
func NewInMemoryCache(defaultTTL time.Duration, logger planweave.Logger) *InMemoryCache {
	if logger == nil {
		logger = planweave.NopLogger{}
	}
	c := &InMemoryCache{
		store:  make(map[string]cacheItem),
		ttl:    defaultTTL,
		logger: logger,
		stop:   make(chan struct{}),
	}
	go c.cleanupLoop(10 * time.Minute)
	return c
}

// Lookup retrieves an item, reporting misses and expiry as errors.
func (c *InMemoryCache) Lookup(ctx context.Context, key string) (interface{}, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[key]
	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}
	if time.Now().UnixNano() > item.expiration {
		// Lazy cleanup; the sweep loop removes it later.
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}
	return item.value, nil
}

// Get retrieves an item from the cache.
func (c *InMemoryCache) Get(ctx context.Context, key string) (interface{}, bool) {
	value, err := c.Lookup(ctx, key)
	if err != nil {
		return nil, false
	}
	return value, true
}

// Set adds or updates an item in the cache.
func (c *InMemoryCache) Set(ctx context.Context, key string, value interface{}) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[key] = cacheItem{
		value:      value,
		expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	c.logger.Info("cache item set", map[string]interface{}{"key": key})
}

// Close stops the background cleanup loop.
func (c *InMemoryCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// cleanupLoop periodically removes expired items.
func (c *InMemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now().UnixNano()
			for key, item := range c.store {
				if now > item.expiration {
					delete(c.store, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}

// PlanKey derives a stable cache key for a goal against a tool catalog. A
// changed catalog must never serve a stale plan, so the tool names are part
// of the digest.
func PlanKey(goal string, catalog []planweave.ToolSpec) string {
	names := make([]string, 0, len(catalog))
	for _, spec := range catalog {
		names = append(names, spec.Name)
	}
	sort.Strings(names)

	h := sha1.New()
	h.Write([]byte(goal))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(names, ",")))
	return "plan_" + hex.EncodeToString(h.Sum(nil))
}
