// Package redis provides a Redis-backed implementation of the
// drivesdk.EntityCache contract. Values live under their flat cache keys;
// the tag index is kept in Redis sets ("tag:<tag>" holding member keys and
// "tags:<key>" holding the key's current tags) so tag iteration is one
// SMEMBERS round trip, which doubles as the required iteration snapshot.
package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/cloudrive/drivesdk"
)

const (
	tagSetPrefix  = "tag:"
	keyTagsPrefix = "tags:"
)

type entityCache struct {
	conn    *Connection
	isOwner bool
}

// NewEntityCache wraps the singleton connection as an entity cache.
func NewEntityCache() drivesdk.EntityCache {
	return &entityCache{
		conn: connection,
	}
}

// NewConnectionEntityCache opens a dedicated Redis connection and returns an
// entity cache owning it. Close releases the connection.
func NewConnectionEntityCache(options Options) drivesdk.EntityCache {
	return &entityCache{
		conn:    openConnection(options),
		isOwner: true,
	}
}

// Close this cache's connection when it owns one.
func (c *entityCache) Close() error {
	if !c.isOwner || c.conn == nil {
		return nil
	}
	err := closeConnection(c.conn)
	c.conn = nil
	return err
}

// keyNotFound will detect whether error signifies key not found by Redis.
func (c *entityCache) keyNotFound(err error) bool {
	return err == redis.Nil
}

// Clear the cache. Be cautious calling this method as it will flush the DB.
func (c *entityCache) Clear(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return c.conn.Client.FlushDB(ctx).Err()
}

func (c *entityCache) Set(ctx context.Context, key string, value []byte, tags []string) error {
	if c.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	if err := c.conn.Client.Set(ctx, key, value, 0).Err(); err != nil {
		return err
	}
	// nil preserves existing tags; an empty non-nil list clears them.
	if tags == nil {
		return nil
	}
	oldTags, err := c.conn.Client.SMembers(ctx, keyTagsPrefix+key).Result()
	if err != nil && !c.keyNotFound(err) {
		return err
	}
	pipe := c.conn.Client.TxPipeline()
	for _, tag := range oldTags {
		pipe.SRem(ctx, tagSetPrefix+tag, key)
	}
	pipe.Del(ctx, keyTagsPrefix+key)
	for _, tag := range tags {
		pipe.SAdd(ctx, tagSetPrefix+tag, key)
		pipe.SAdd(ctx, keyTagsPrefix+key, tag)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *entityCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	ba, err := c.conn.Client.Get(ctx, key).Bytes()
	if c.keyNotFound(err) {
		return nil, drivesdk.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ba, nil
}

func (c *entityCache) Remove(ctx context.Context, keys []string) error {
	if c.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	for _, key := range keys {
		tags, err := c.conn.Client.SMembers(ctx, keyTagsPrefix+key).Result()
		if err != nil && !c.keyNotFound(err) {
			return err
		}
		pipe := c.conn.Client.TxPipeline()
		for _, tag := range tags {
			pipe.SRem(ctx, tagSetPrefix+tag, key)
		}
		pipe.Del(ctx, keyTagsPrefix+key)
		pipe.Del(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *entityCache) Iterate(ctx context.Context, keys []string) drivesdk.CacheIterator {
	snapshot := make([]string, len(keys))
	copy(snapshot, keys)
	return &keyIterator{cache: c, keys: snapshot}
}

func (c *entityCache) IterateByTag(ctx context.Context, tag string) drivesdk.CacheIterator {
	return &tagIterator{cache: c, tag: tag}
}

type keyIterator struct {
	cache *entityCache
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
	cache    *entityCache
	tag      string
	snapshot []string
	taken    bool
	pos      int
}

func (it *tagIterator) Next(ctx context.Context) (*drivesdk.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &drivesdk.AbortError{Err: err}
	}
	if !it.taken {
		keys, err := it.cache.conn.Client.SMembers(ctx, tagSetPrefix+it.tag).Result()
		if err != nil && !it.cache.keyNotFound(err) {
			return nil, err
		}
		sort.Strings(keys)
		it.snapshot = keys
		it.taken = true
	}
	if it.pos >= len(it.snapshot) {
		return nil, nil
	}
	key := it.snapshot[it.pos]
	it.pos++
	return &drivesdk.CacheEntry{Key: key, OK: true}, nil
}
