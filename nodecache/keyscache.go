package nodecache

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/encoding"
)

const keysKeyPrefix = "nodeKeys-"

func keysKey(uid string) string { return keysKeyPrefix + uid }

// KeysCache memoizes decrypted per-node key material. It is backed by its own
// entity cache so an implementer may use a secure keychain for keys while
// using plain storage for node metadata; key rows are never written to the
// metadata store.
type KeysCache struct {
	store     drivesdk.EntityCache
	marshaler encoding.Marshaler
}

// NewKeysCache wraps the given (crypto) entity cache.
func NewKeysCache(store drivesdk.EntityCache) *KeysCache {
	return &KeysCache{
		store:     store,
		marshaler: encoding.DefaultMarshaler,
	}
}

// SetNodeKeys serializes and upserts the key material of one node.
func (kc *KeysCache) SetNodeKeys(ctx context.Context, keys *drivesdk.NodeKeys) error {
	if keys.UID == "" {
		return &drivesdk.ValidationError{Details: "node keys uid is required"}
	}
	if keys.Passphrase == "" {
		return &drivesdk.ValidationError{Details: "node keys passphrase is required"}
	}
	ba, err := kc.marshaler.Marshal(keys)
	if err != nil {
		return err
	}
	return kc.store.Set(ctx, keysKey(keys.UID), ba, []string{})
}

// GetNodeKeys returns the cached key material or drivesdk.ErrNotFound. A row
// missing its passphrase is removed and surfaced as CorruptedKeysError.
func (kc *KeysCache) GetNodeKeys(ctx context.Context, uid string) (*drivesdk.NodeKeys, error) {
	ba, err := kc.store.Get(ctx, keysKey(uid))
	if err != nil {
		return nil, err
	}
	var keys drivesdk.NodeKeys
	err = kc.marshaler.Unmarshal(ba, &keys)
	if err == nil && keys.Passphrase == "" {
		err = fmt.Errorf("missing passphrase")
	}
	if err != nil {
		if rerr := kc.store.Remove(ctx, []string{keysKey(uid)}); rerr != nil {
			log.Warn("failed removing corrupted node keys row", "uid", uid, "error", rerr.Error())
		}
		return nil, &drivesdk.CorruptedKeysError{UID: uid, Err: err}
	}
	return &keys, nil
}

// RemoveNodeKeys drops the key material of the given nodes.
func (kc *KeysCache) RemoveNodeKeys(ctx context.Context, uids []string) error {
	keys := make([]string, len(uids))
	for i, uid := range uids {
		keys[i] = keysKey(uid)
	}
	return kc.store.Remove(ctx, keys)
}
