package store

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// InMemoryCache implements Cache using an in-memory map
type InMemoryCache struct {
	data    map[string]*cacheItem
	mu      sync.RWMutex
	maxSize int
	clock   clockwork.Clock
	logger  *zap.Logger
	stopCh  chan struct{}
	once    sync.Once
}

type cacheItem struct {
	value     interface{}
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache and starts its janitor
func NewInMemoryCache(maxSize int, clock clockwork.Clock, logger *zap.Logger) *InMemoryCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cache := &InMemoryCache{
		data:    make(map[string]*cacheItem),
		maxSize: maxSize,
		clock:   clock,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	go cache.cleanup()

	return cache
}

// Get retrieves a value from cache
func (c *InMemoryCache) Get(ctx context.Context, key string) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.data[key]
	if !exists || !c.clock.Now().Before(item.expiresAt) {
		return nil, ErrNotFound
	}
	return item.value, nil
}

// Set stores a value in cache with TTL
func (c *InMemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, exists := c.data[key]; !exists && c.maxSize > 0 && len(c.data) >= c.maxSize {
		c.evictLocked(now)
	}

	c.data[key] = &cacheItem{
		value:     value,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// evictLocked drops expired entries, or the entry closest to expiry if none are
func (c *InMemoryCache) evictLocked(now time.Time) {
	var (
		victim   string
		earliest time.Time
	)
	for k, v := range c.data {
		if !now.Before(v.expiresAt) {
			delete(c.data, k)
			continue
		}
		if victim == "" || v.expiresAt.Before(earliest) {
			victim, earliest = k, v.expiresAt
		}
	}
	if len(c.data) >= c.maxSize && victim != "" {
		delete(c.data, victim)
	}
}

// Delete removes a value from cache
func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// Size returns the number of items in cache
func (c *InMemoryCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Stop ends the janitor goroutine
func (c *InMemoryCache) Stop() {
	c.once.Do(func() { close(c.stopCh) })
}

// cleanup periodically removes expired entries
func (c *InMemoryCache) cleanup() {
	ticker := c.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.Chan():
			c.mu.Lock()
			now := c.clock.Now()
			removed := 0
			for key, item := range c.data {
				if !now.Before(item.expiresAt) {
					delete(c.data, key)
					removed++
				}
			}
			c.mu.Unlock()
			if removed > 0 {
				c.logger.Debug("Evicted expired cache entries", zap.Int("count", removed))
			}
		}
	}
}

// CacheIdempotencyStore adapts a Cache into an IdempotencyStore for
// single-process deployments without Redis
type CacheIdempotencyStore struct {
	cache Cache
}

// NewCacheIdempotencyStore wraps cache
func NewCacheIdempotencyStore(cache Cache) *CacheIdempotencyStore {
	return &CacheIdempotencyStore{cache: cache}
}

// Get retrieves a cached response body
func (s *CacheIdempotencyStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.cache.Get(ctx, idempotencyKeyPrefix+key)
	if err != nil {
		return nil, err
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// Set stores a response body with TTL
func (s *CacheIdempotencyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.cache.Set(ctx, idempotencyKeyPrefix+key, append([]byte(nil), value...), ttl)
}

// Delete removes an idempotency key
func (s *CacheIdempotencyStore) Delete(ctx context.Context, key string) error {
	return s.cache.Delete(ctx, idempotencyKeyPrefix+key)
}

// Ping always succeeds
func (s *CacheIdempotencyStore) Ping(ctx context.Context) error { return nil }

// Close stops the underlying cache if it has a janitor
func (s *CacheIdempotencyStore) Close() error {
	if stopper, ok := s.cache.(interface{ Stop() }); ok {
		stopper.Stop()
	}
	return nil
}
