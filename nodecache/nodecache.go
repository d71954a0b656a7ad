// Package nodecache adds the drive domain semantics on top of the generic
// entity cache: node rows keyed "node-<uid>" with volume/parent/trashed tags,
// per-folder listing-complete markers, recursive leaf-to-root eviction, and
// volume-wide staleness marking. The crypto-material cache (KeysCache) mirrors
// it for key material on a separate backing store.
package nodecache

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/encoding"
)

const (
	nodeKeyPrefix     = "node-"
	childrenKeyPrefix = "node-children-"

	tagTrashed = "nodeTrashed"
)

func nodeKey(uid string) string     { return nodeKeyPrefix + uid }
func childrenKey(uid string) string { return childrenKeyPrefix + uid }

func tagVolume(volumeID string) string { return "volume" + drivesdk.TagCategorySeparator + volumeID }
func tagParent(parentUID string) string {
	return "nodeParentUid" + drivesdk.TagCategorySeparator + parentUID
}
func tagRoot(volumeID string) string { return "nodeRoot" + drivesdk.TagCategorySeparator + volumeID }
func tagChildren(volumeID string) string {
	return "children-volume" + drivesdk.TagCategorySeparator + volumeID
}

// uidFromNodeKey inverts nodeKey; ok is false for non-node keys.
func uidFromNodeKey(key string) (string, bool) {
	if !strings.HasPrefix(key, nodeKeyPrefix) || strings.HasPrefix(key, childrenKeyPrefix) {
		return "", false
	}
	return key[len(nodeKeyPrefix):], true
}

// NodeCache memoizes decrypted node metadata in an injected entity cache.
type NodeCache struct {
	store     drivesdk.EntityCache
	marshaler encoding.Marshaler
}

// NewNodeCache wraps the given entity cache with node semantics.
func NewNodeCache(store drivesdk.EntityCache) *NodeCache {
	return &NodeCache{
		store:     store,
		marshaler: encoding.DefaultMarshaler,
	}
}

// Store exposes the backing entity cache (used by tests and the events
// handler's tree removal path).
func (nc *NodeCache) Store() drivesdk.EntityCache { return nc.store }

// nodeTags computes the tag set written with every node row.
func nodeTags(n *drivesdk.Node) []string {
	tags := []string{tagVolume(n.VolumeID)}
	if n.ParentUID != "" {
		tags = append(tags, tagParent(n.ParentUID))
	} else {
		tags = append(tags, tagRoot(n.VolumeID))
	}
	if n.IsTrashed() {
		tags = append(tags, tagTrashed)
	}
	return tags
}

// SetNode serializes and upserts the node, refreshing its tag set.
func (nc *NodeCache) SetNode(ctx context.Context, n *drivesdk.Node) error {
	if n.UID == "" {
		return &drivesdk.ValidationError{Details: "node uid is required"}
	}
	if n.VolumeID == "" {
		return &drivesdk.ValidationError{Details: "node volume id is required"}
	}
	ba, err := nc.marshaler.Marshal(n)
	if err != nil {
		return err
	}
	return nc.store.Set(ctx, nodeKey(n.UID), ba, nodeTags(n))
}

// GetNode returns the cached node or drivesdk.ErrNotFound. A row that fails
// schema validation is removed and surfaced as CorruptedEntityError, never
// silently ignored.
func (nc *NodeCache) GetNode(ctx context.Context, uid string) (*drivesdk.Node, error) {
	ba, err := nc.store.Get(ctx, nodeKey(uid))
	if err != nil {
		return nil, err
	}
	n, err := nc.decode(ctx, nodeKey(uid), ba)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// decode unmarshals and validates a node row, evicting it on corruption.
// Removal must not throw; if it fails the warning is logged and the
// original corruption error is still returned.
func (nc *NodeCache) decode(ctx context.Context, key string, ba []byte) (*drivesdk.Node, error) {
	var n drivesdk.Node
	err := nc.marshaler.Unmarshal(ba, &n)
	if err == nil && (n.UID == "" || n.VolumeID == "") {
		err = fmt.Errorf("missing required fields")
	}
	if err != nil {
		if rerr := nc.store.Remove(ctx, []string{key}); rerr != nil {
			log.Warn("failed removing corrupted node row", "key", key, "error", rerr.Error())
		}
		return nil, &drivesdk.CorruptedEntityError{Key: key, Err: err}
	}
	return &n, nil
}

// RemoveNodes removes the target nodes, then discovers each target's
// descendants through the parent tag index and deletes them leaf to root so a
// partial failure cannot orphan a subtree.
func (nc *NodeCache) RemoveNodes(ctx context.Context, uids []string) error {
	for _, uid := range uids {
		if err := nc.store.Remove(ctx, []string{nodeKey(uid), childrenKey(uid)}); err != nil {
			return err
		}
	}
	for _, uid := range uids {
		descendants, err := nc.collectDescendants(ctx, uid)
		if err != nil {
			return err
		}
		// Reverse the discovery order: children before grandchildren
		// became grandchildren before children, i.e. leaf to root.
		for i := len(descendants) - 1; i >= 0; i-- {
			if err := nc.store.Remove(ctx, []string{nodeKey(descendants[i]), childrenKey(descendants[i])}); err != nil {
				return err
			}
		}
	}
	return nil
}

// collectDescendants walks the parent tag index breadth-first and returns
// descendant uids in discovery order (parents before their children).
func (nc *NodeCache) collectDescendants(ctx context.Context, uid string) ([]string, error) {
	var all []string
	frontier := []string{uid}
	for len(frontier) > 0 {
		next := make([]string, 0)
		for _, parent := range frontier {
			it := nc.store.IterateByTag(ctx, tagParent(parent))
			for {
				entry, err := it.Next(ctx)
				if err != nil {
					return nil, err
				}
				if entry == nil {
					break
				}
				if child, ok := uidFromNodeKey(entry.Key); ok {
					next = append(next, child)
				}
			}
		}
		all = append(all, next...)
		frontier = next
	}
	return all, nil
}

// SetNodesStaleFromVolume marks every cached node of the volume stale and
// drops every folder listing-complete marker under it.
func (nc *NodeCache) SetNodesStaleFromVolume(ctx context.Context, volumeID string) error {
	it := nc.store.IterateByTag(ctx, tagVolume(volumeID))
	for {
		entry, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		uid, ok := uidFromNodeKey(entry.Key)
		if !ok {
			continue
		}
		n, err := nc.GetNode(ctx, uid)
		if err != nil {
			// Row vanished or was corrupt (and evicted); move on.
			continue
		}
		n.IsStale = true
		ba, err := nc.marshaler.Marshal(n)
		if err != nil {
			return err
		}
		// nil tags: the staleness flip must not disturb the tag set.
		if err := nc.store.Set(ctx, nodeKey(uid), ba, nil); err != nil {
			return err
		}
	}

	markers := nc.store.IterateByTag(ctx, tagChildren(volumeID))
	for {
		entry, err := markers.Next(ctx)
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		if err := nc.store.Remove(ctx, []string{entry.Key}); err != nil {
			return err
		}
	}
	return nil
}

// SetNodeStale flips the staleness flag of one cached node in place. Missing
// nodes are a no-op (false is returned).
func (nc *NodeCache) SetNodeStale(ctx context.Context, uid string, stale bool) (bool, error) {
	n, err := nc.GetNode(ctx, uid)
	if err != nil {
		if err == drivesdk.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	n.IsStale = stale
	if err := nc.SetNode(ctx, n); err != nil {
		return false, err
	}
	return true, nil
}

// NodeIterator is a pull-based iteration over decoded nodes.
type NodeIterator struct {
	nc   *NodeCache
	keys drivesdk.CacheIterator
	skip func(*drivesdk.Node) bool
}

// Next returns the next node, or nil, nil at the end. Corrupt rows are
// evicted and skipped.
func (it *NodeIterator) Next(ctx context.Context) (*drivesdk.Node, error) {
	for {
		entry, err := it.keys.Next(ctx)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, nil
		}
		uid, ok := uidFromNodeKey(entry.Key)
		if !ok {
			continue
		}
		n, err := it.nc.GetNode(ctx, uid)
		if err != nil {
			// Skipped during iteration per the cache contract; direct
			// Get is where corruption surfaces.
			continue
		}
		if it.skip != nil && it.skip(n) {
			continue
		}
		return n, nil
	}
}

// IterateChildren yields the non-trashed cached children of the folder.
func (nc *NodeCache) IterateChildren(ctx context.Context, parentUID string) *NodeIterator {
	return &NodeIterator{
		nc:   nc,
		keys: nc.store.IterateByTag(ctx, tagParent(parentUID)),
		skip: func(n *drivesdk.Node) bool { return n.IsTrashed() },
	}
}

// IterateTrashedNodes yields every trashed node, across volumes.
func (nc *NodeCache) IterateTrashedNodes(ctx context.Context) *NodeIterator {
	return &NodeIterator{
		nc:   nc,
		keys: nc.store.IterateByTag(ctx, tagTrashed),
	}
}

// IterateRoots yields the cached root nodes of the volume.
func (nc *NodeCache) IterateRoots(ctx context.Context, volumeID string) *NodeIterator {
	return &NodeIterator{
		nc:   nc,
		keys: nc.store.IterateByTag(ctx, tagRoot(volumeID)),
	}
}

// SetFolderChildrenLoaded records that every child of the folder has been
// fetched at least once.
func (nc *NodeCache) SetFolderChildrenLoaded(ctx context.Context, uid string) error {
	volumeID, _, err := drivesdk.SplitNodeUID(uid)
	if err != nil {
		return err
	}
	ba, err := nc.marshaler.Marshal(true)
	if err != nil {
		return err
	}
	return nc.store.Set(ctx, childrenKey(uid), ba, []string{tagChildren(volumeID)})
}

// ResetFolderChildrenLoaded drops the folder's listing-complete marker.
func (nc *NodeCache) ResetFolderChildrenLoaded(ctx context.Context, uid string) error {
	return nc.store.Remove(ctx, []string{childrenKey(uid)})
}

// IsFolderChildrenLoaded reports whether the folder's listing is complete.
func (nc *NodeCache) IsFolderChildrenLoaded(ctx context.Context, uid string) (bool, error) {
	_, err := nc.store.Get(ctx, childrenKey(uid))
	if err != nil {
		if err == drivesdk.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
