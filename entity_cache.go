package drivesdk

import "context"

// Tag categories used by the node cache. Multi-part tags are encoded as
// "category:value"; tags are otherwise opaque to the entity cache.
const (
	TagCategorySeparator = ":"
)

// CacheEntry is one result of an entity cache iteration. For keyed iteration
// OK reports whether the key was present; Err carries the per-key failure
// (ErrNotFound for absent keys). Tag iteration yields keys only.
type CacheEntry struct {
	Key   string
	OK    bool
	Value []byte
	Err   error
}

// CacheIterator is a pull-based, cancellable iteration over cache entries.
type CacheIterator interface {
	// Next returns the next entry, or nil, nil when the iteration is
	// exhausted. A cancelled context surfaces as an AbortError.
	Next(ctx context.Context) (*CacheEntry, error)
}

// EntityCache is the tag-indexed key/value store the synchronization core
// keeps all shared state in. The in-memory reference implementation lives in
// the cache package; redis and cassandra provide persistent implementations
// with the identical contract. Implementations must be safe for concurrent
// use and must snapshot the tag index at the start of a tag iteration:
// concurrent mutations during iteration must not alter the iterated sequence.
type EntityCache interface {
	// Clear removes every entry and the whole tag index.
	Clear(ctx context.Context) error
	// Set upserts the value under key. A nil tags argument preserves the
	// entry's existing tags; an empty (non-nil) list clears them.
	Set(ctx context.Context, key string, value []byte, tags []string) error
	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Remove deletes the given keys and their tag index entries. Missing
	// keys are ignored.
	Remove(ctx context.Context, keys []string) error
	// Iterate yields one entry per input key, preserving order.
	Iterate(ctx context.Context, keys []string) CacheIterator
	// IterateByTag yields the keys bearing exactly the given tag, from a
	// snapshot taken at the first Next call.
	IterateByTag(ctx context.Context, tag string) CacheIterator
}
