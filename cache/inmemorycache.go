// Package cache provides a small in-process TTL cache, used by the auth package to
// avoid re-verifying bearer tokens on every session establishment.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/roxdb/rox"
)

// Cache is a TTL'd key/value store interface.
type Cache interface {
	// Set stores value under key for the given expiration; expiration <= 0 means no expiry.
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	// Get returns (found, value).
	Get(ctx context.Context, key string) (bool, string, error)
	// SetStruct marshals value then stores it under key.
	SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error
	// GetStruct unmarshals the stored value into target, returning found.
	GetStruct(ctx context.Context, key string, target any) (bool, error)
	// Delete removes the given keys, returning true if any existed.
	Delete(ctx context.Context, keys []string) (bool, error)
	// Clear drops all entries.
	Clear(ctx context.Context) error
}

type item struct {
	data       string
	expiration time.Time
}

type inMemoryCache struct {
	mu        sync.RWMutex
	items     map[string]item
	marshaler rox.Marshaler
}

// NewInMemoryCache returns a map-backed Cache with per-entry expiration.
func NewInMemoryCache() Cache {
	return &inMemoryCache{
		items:     make(map[string]item),
		marshaler: rox.NewMarshaler(),
	}
}

func (c *inMemoryCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item{data: value, expiration: exp}
	return nil
}

func (c *inMemoryCache) Get(ctx context.Context, key string) (bool, string, error) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return false, "", nil
	}
	if !it.expiration.IsZero() && time.Now().After(it.expiration) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return false, "", nil
	}
	return true, it.data, nil
}

func (c *inMemoryCache) SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := c.marshaler.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(data), expiration)
}

func (c *inMemoryCache) GetStruct(ctx context.Context, key string, target any) (bool, error) {
	found, data, err := c.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := c.marshaler.Unmarshal([]byte(data), target); err != nil {
		return false, err
	}
	return true, nil
}

func (c *inMemoryCache) Delete(ctx context.Context, keys []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deleted := false
	for _, k := range keys {
		if _, ok := c.items[k]; ok {
			delete(c.items, k)
			deleted = true
		}
	}
	return deleted, nil
}

func (c *inMemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]item)
	return nil
}
