package cache

import (
	"context"
	"sync"
	"time"
)

// memEntry is one cached value with its expiry.
type memEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache implements Cache with an in-process map. Expired entries are
// dropped lazily on Get and swept periodically in the background.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	doneCh  chan struct{}
}

// NewMemory creates a new in-memory cache.
func NewMemory() *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memEntry),
		doneCh:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// sweepLoop periodically removes expired entries (runs every 10 minutes).
func (c *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.doneCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	for key, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	if time.Now().After(e.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	c.mu.Lock()
	c.entries[key] = memEntry{value: stored, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *MemoryCache) Close() error {
	select {
	case <-c.doneCh:
	default:
		close(c.doneCh)
	}
	return nil
}

// Compile-time check that MemoryCache implements Cache.
var _ Cache = (*MemoryCache)(nil)
