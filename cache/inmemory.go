// Package cache contains the in-process reference implementation of the
// drivesdk.EntityCache contract. It is a process-local map plus a tag ->
// key-set index, suitable for tests and short-lived sessions; persistent
// implementations live in the redis and cassandra packages.
package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/cloudrive/drivesdk"
)

type entry struct {
	value []byte
	tags  map[string]struct{}
}

type inMemoryCache struct {
	mu       sync.RWMutex
	lookup   map[string]*entry
	tagIndex map[string]map[string]struct{}
}

// NewEntityCache creates an empty in-memory entity cache.
func NewEntityCache() drivesdk.EntityCache {
	return &inMemoryCache{
		lookup:   make(map[string]*entry),
		tagIndex: make(map[string]map[string]struct{}),
	}
}

func (c *inMemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookup = make(map[string]*entry)
	c.tagIndex = make(map[string]map[string]struct{})
	return nil
}

func (c *inMemoryCache) Set(ctx context.Context, key string, value []byte, tags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup[key]
	if !ok {
		e = &entry{tags: map[string]struct{}{}}
		c.lookup[key] = e
	}
	v := make([]byte, len(value))
	copy(v, value)
	e.value = v

	// nil preserves existing tags; an empty non-nil list clears them.
	if tags == nil {
		return nil
	}
	for tag := range e.tags {
		c.dropFromTagIndex(tag, key)
	}
	e.tags = make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		e.tags[tag] = struct{}{}
		keys, ok := c.tagIndex[tag]
		if !ok {
			keys = map[string]struct{}{}
			c.tagIndex[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (c *inMemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.lookup[key]
	if !ok {
		return nil, drivesdk.ErrNotFound
	}
	v := make([]byte, len(e.value))
	copy(v, e.value)
	return v, nil
}

func (c *inMemoryCache) Remove(ctx context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		e, ok := c.lookup[key]
		if !ok {
			continue
		}
		for tag := range e.tags {
			c.dropFromTagIndex(tag, key)
		}
		delete(c.lookup, key)
	}
	return nil
}

// dropFromTagIndex must be called with the write lock held.
func (c *inMemoryCache) dropFromTagIndex(tag, key string) {
	keys, ok := c.tagIndex[tag]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.tagIndex, tag)
	}
}

func (c *inMemoryCache) Iterate(ctx context.Context, keys []string) drivesdk.CacheIterator {
	snapshot := make([]string, len(keys))
	copy(snapshot, keys)
	return &keyIterator{cache: c, keys: snapshot}
}

func (c *inMemoryCache) IterateByTag(ctx context.Context, tag string) drivesdk.CacheIterator {
	// Snapshot the tag's key set up front so mutations between creation and
	// consumption cannot alter the iterated sequence.
	c.mu.RLock()
	keys := c.tagIndex[tag]
	snapshot := make([]string, 0, len(keys))
	for key := range keys {
		snapshot = append(snapshot, key)
	}
	c.mu.RUnlock()
	sort.Strings(snapshot)
	return &tagIterator{snapshot: snapshot}
}

type keyIterator struct {
	cache *inMemoryCache
	keys  []string
	pos   int
}

func (it *keyIterator) Next(ctx context.Context) (*drivesdk.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &drivesdk.AbortError{Err: err}
	}
	if it.pos >= len(it.keys) {
		return nil, nil
	}
	key := it.keys[it.pos]
	it.pos++
	value, err := it.cache.Get(ctx, key)
	if err != nil {
		return &drivesdk.CacheEntry{Key: key, Err: err}, nil
	}
	return &drivesdk.CacheEntry{Key: key, OK: true, Value: value}, nil
}

type tagIterator struct {
	snapshot []string
	pos      int
}

func (it *tagIterator) Next(ctx context.Context) (*drivesdk.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &drivesdk.AbortError{Err: err}
	}
	if it.pos >= len(it.snapshot) {
		return nil, nil
	}
	key := it.snapshot[it.pos]
	it.pos++
	return &drivesdk.CacheEntry{Key: key, OK: true}, nil
}
