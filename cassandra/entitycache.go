package cassandra

import (
	"context"
	"fmt"
	"sort"

	"github.com/gocql/gocql"

	"github.com/cloudrive/drivesdk"
)

type entityCache struct{}

// NewEntityCache instantiates a new Cassandra-backed entity cache. The global
// connection must have been opened with OpenConnection.
func NewEntityCache() drivesdk.EntityCache {
	return &entityCache{}
}

func (c *entityCache) Clear(ctx context.Context) error {
	if connection == nil {
		return fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	if err := connection.Session.Query(fmt.Sprintf("TRUNCATE %s.entities;", connection.Config.Keyspace)).WithContext(ctx).Exec(); err != nil {
		return err
	}
	return connection.Session.Query(fmt.Sprintf("TRUNCATE %s.entity_tags;", connection.Config.Keyspace)).WithContext(ctx).Exec()
}

// readTags fetches the current tags of a key, empty when the row is absent.
func (c *entityCache) readTags(ctx context.Context, key string) ([]string, error) {
	selectStatement := fmt.Sprintf("SELECT tags FROM %s.entities WHERE key = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, key).WithContext(ctx)
	if connection.Config.ConsistencyBook.EntityGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.EntityGet)
	}
	var tags []string
	iter := qry.Iter()
	for iter.Scan(&tags) {
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return tags, nil
}

func (c *entityCache) Set(ctx context.Context, key string, value []byte, tags []string) error {
	if connection == nil {
		return fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	if tags == nil {
		// Preserve existing tags: update the value column only.
		updateStatement := fmt.Sprintf("UPDATE %s.entities SET value = ? WHERE key = ?;", connection.Config.Keyspace)
		qry := connection.Session.Query(updateStatement, value, key).WithContext(ctx)
		if connection.Config.ConsistencyBook.EntitySet > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.EntitySet)
		}
		return qry.Exec()
	}
	oldTags, err := c.readTags(ctx, key)
	if err != nil {
		return err
	}
	batch := connection.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, tag := range oldTags {
		batch.Query(fmt.Sprintf("DELETE FROM %s.entity_tags WHERE tag = ? AND key = ?;", connection.Config.Keyspace), tag, key)
	}
	batch.Query(fmt.Sprintf("INSERT INTO %s.entities (key, value, tags) VALUES(?,?,?);", connection.Config.Keyspace), key, value, tags)
	for _, tag := range tags {
		batch.Query(fmt.Sprintf("INSERT INTO %s.entity_tags (tag, key) VALUES(?,?);", connection.Config.Keyspace), tag, key)
	}
	if connection.Config.ConsistencyBook.EntitySet > gocql.Any {
		batch.Cons = connection.Config.ConsistencyBook.EntitySet
	}
	return connection.Session.ExecuteBatch(batch)
}

func (c *entityCache) Get(ctx context.Context, key string) ([]byte, error) {
	if connection == nil {
		return nil, fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	selectStatement := fmt.Sprintf("SELECT value FROM %s.entities WHERE key = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, key).WithContext(ctx)
	if connection.Config.ConsistencyBook.EntityGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.EntityGet)
	}
	var ba []byte
	found := false
	iter := qry.Iter()
	for iter.Scan(&ba) {
		found = true
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if !found {
		return nil, drivesdk.ErrNotFound
	}
	return ba, nil
}

func (c *entityCache) Remove(ctx context.Context, keys []string) error {
	if connection == nil {
		return fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	for _, key := range keys {
		tags, err := c.readTags(ctx, key)
		if err != nil {
			return err
		}
		batch := connection.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
		for _, tag := range tags {
			batch.Query(fmt.Sprintf("DELETE FROM %s.entity_tags WHERE tag = ? AND key = ?;", connection.Config.Keyspace), tag, key)
		}
		batch.Query(fmt.Sprintf("DELETE FROM %s.entities WHERE key = ?;", connection.Config.Keyspace), key)
		if connection.Config.ConsistencyBook.EntityRemove > gocql.Any {
			batch.Cons = connection.Config.ConsistencyBook.EntityRemove
		}
		if err := connection.Session.ExecuteBatch(batch); err != nil {
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
		if connection == nil {
			return nil, fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
		}
		selectStatement := fmt.Sprintf("SELECT key FROM %s.entity_tags WHERE tag = ?;", connection.Config.Keyspace)
		qry := connection.Session.Query(selectStatement, it.tag).WithContext(ctx)
		if connection.Config.ConsistencyBook.TagGet > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.TagGet)
		}
		var key string
		iter := qry.Iter()
		for iter.Scan(&key) {
			it.snapshot = append(it.snapshot, key)
		}
		if err := iter.Close(); err != nil {
			return nil, err
		}
		sort.Strings(it.snapshot)
		it.taken = true
	}
	if it.pos >= len(it.snapshot) {
		return nil, nil
	}
	key := it.snapshot[it.pos]
	it.pos++
	return &drivesdk.CacheEntry{Key: key, OK: true}, nil
}
