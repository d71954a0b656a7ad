// Package node is the decrypted view of the remote tree: cache-first reads
// with API fallback (access.go) and the metadata write operations
// (management.go). It composes the api client, the node/keys caches, the
// crypto provider and the shares service.
package node

import (
	"context"
	"errors"
	log "log/slog"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/api"
	"github.com/cloudrive/drivesdk/crypto"
	"github.com/cloudrive/drivesdk/nodecache"
	"github.com/cloudrive/drivesdk/shares"
)

// BatchLoadingSize is how many uncached uids accumulate before a batch node
// fetch is issued during listing.
const BatchLoadingSize = 10

// ReadAPI is the api client surface the access layer consumes.
type ReadAPI interface {
	GetNode(ctx context.Context, uid string) (*api.EncryptedNode, error)
	GetNodes(ctx context.Context, uids []string) ([]api.EncryptedNode, error)
	IterateFolderChildrenUIDs(ctx context.Context, folderUID string) (*api.UIDIterator, error)
	IterateTrashedUIDs(ctx context.Context, volumeID string) (*api.UIDIterator, error)
}

// Access is the read path over the decrypted node tree.
type Access struct {
	api       ReadAPI
	nodes     *nodecache.NodeCache
	keys      *nodecache.KeysCache
	crypto    crypto.Provider
	shares    shares.Service
	telemetry drivesdk.Telemetry
}

// NewAccess wires the read path. A nil telemetry falls back to the no-op sink.
func NewAccess(readAPI ReadAPI, nodes *nodecache.NodeCache, keys *nodecache.KeysCache, provider crypto.Provider, sharing shares.Service, telemetry drivesdk.Telemetry) *Access {
	if telemetry == nil {
		telemetry = drivesdk.NopTelemetry{}
	}
	return &Access{
		api:       readAPI,
		nodes:     nodes,
		keys:      keys,
		crypto:    provider,
		shares:    sharing,
		telemetry: telemetry,
	}
}

// GetNode returns the decrypted node, serving from cache when the cached copy
// is fresh and falling back to an API fetch (with writeback) when it is
// missing, stale or corrupt.
func (a *Access) GetNode(ctx context.Context, uid string) (*drivesdk.Node, error) {
	n, err := a.nodes.GetNode(ctx, uid)
	if err == nil && !n.IsStale {
		return n, nil
	}
	if err != nil && !errors.Is(err, drivesdk.ErrNotFound) {
		var corrupt *drivesdk.CorruptedEntityError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
		// The corrupt row was already evicted; refetch below.
	}
	return a.fetchNode(ctx, uid)
}

// LoadNodes force-fetches the given uids from the API, decrypts them and
// writes them back, bypassing any cached copies. All uids must belong to one
// volume.
func (a *Access) LoadNodes(ctx context.Context, uids []string) ([]*drivesdk.Node, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	encrypted, err := a.api.GetNodes(ctx, uids)
	if err != nil {
		return nil, err
	}
	nodes := make([]*drivesdk.Node, 0, len(encrypted))
	for i := range encrypted {
		n, err := a.decryptAndCache(ctx, &encrypted[i])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (a *Access) fetchNode(ctx context.Context, uid string) (*drivesdk.Node, error) {
	enc, err := a.api.GetNode(ctx, uid)
	if err != nil {
		return nil, err
	}
	return a.decryptAndCache(ctx, enc)
}

// GetNodeKeys resolves the decrypted key material of a node, walking up the
// ancestry as far as needed: cache hit, otherwise decrypt with the parent's
// keys (resolved recursively), with the share root key terminating the chain.
func (a *Access) GetNodeKeys(ctx context.Context, uid string) (*drivesdk.NodeKeys, error) {
	keys, err := a.keys.GetNodeKeys(ctx, uid)
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, drivesdk.ErrNotFound) {
		var corrupt *drivesdk.CorruptedKeysError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
	}
	enc, err := a.api.GetNode(ctx, uid)
	if err != nil {
		return nil, err
	}
	parentKeys, err := a.parentKeys(ctx, enc)
	if err != nil {
		return nil, err
	}
	keys, verification, err := a.crypto.DecryptNodeKeys(ctx, envelope(enc), parentKeys)
	if err != nil {
		a.reportDecryption(ctx, enc.UID, err)
		return nil, err
	}
	if verification.Status != crypto.SignedAndValid {
		a.reportVerification(ctx, enc.UID, verification)
	}
	keys.UID = enc.UID
	if cerr := a.keys.SetNodeKeys(ctx, keys); cerr != nil {
		log.Warn("failed caching node keys", "uid", enc.UID, "error", cerr.Error())
	}
	return keys, nil
}

// GetParentKeys resolves the key material used to decrypt the node itself:
// the parent node's keys, or the share root key for volume roots.
func (a *Access) GetParentKeys(ctx context.Context, enc *api.EncryptedNode) (*drivesdk.NodeKeys, error) {
	return a.parentKeys(ctx, enc)
}

func (a *Access) parentKeys(ctx context.Context, enc *api.EncryptedNode) (*drivesdk.NodeKeys, error) {
	if enc.ParentUID == "" {
		return a.shares.GetSharePrivateKey(ctx, enc.ShareID)
	}
	return a.GetNodeKeys(ctx, enc.ParentUID)
}

func envelope(enc *api.EncryptedNode) crypto.NodeEnvelope {
	return crypto.NodeEnvelope{
		UID:                 enc.UID,
		EncryptedName:       enc.EncryptedName,
		ArmoredKey:          enc.EncryptedCrypto.ArmoredKey,
		EncryptedPassphrase: enc.EncryptedCrypto.EncryptedPassphrase,
		PassphraseSignature: enc.EncryptedCrypto.PassphraseSignature,
		ContentKeyPacket:    enc.EncryptedCrypto.ContentKeyPacket,
		EncryptedHashKey:    enc.EncryptedCrypto.EncryptedHashKey,
		SignatureEmail:      enc.SignatureEmail,
		NameSignatureEmail:  enc.NameSignatureEmail,
	}
}

// decryptAndCache turns the wire node into its decrypted form and writes it
// (and its key material) back to the caches. A failed name decryption
// degrades to the claimed value; a failed key decryption degrades the author
// to a failed result but still yields a node.
func (a *Access) decryptAndCache(ctx context.Context, enc *api.EncryptedNode) (*drivesdk.Node, error) {
	env := envelope(enc)

	var parentKeys *drivesdk.NodeKeys
	parentKeys, parentErr := a.parentKeys(ctx, enc)
	if parentErr != nil {
		a.reportDecryption(ctx, enc.UID, parentErr)
	}

	n := &drivesdk.Node{
		UID:              enc.UID,
		ParentUID:        enc.ParentUID,
		VolumeID:         enc.VolumeID,
		Hash:             enc.Hash,
		Type:             enc.Type,
		MediaType:        enc.MediaType,
		CreationTime:     enc.CreationTime,
		TrashTime:        enc.TrashTime,
		TotalStorageSize: enc.TotalStorageSize,
		ShareID:          enc.ShareID,
		IsShared:         enc.IsShared,
		DirectMemberRole: enc.DirectMemberRole,
	}
	if enc.ActiveRevision != nil {
		n.ActiveRevision = &drivesdk.Revision{
			UID:          enc.ActiveRevision.UID,
			State:        enc.ActiveRevision.State,
			CreationTime: enc.ActiveRevision.CreationTime,
			StorageSize:  enc.ActiveRevision.StorageSize,
			Thumbnails:   enc.ActiveRevision.Thumbnails,
		}
	}

	if parentErr != nil {
		n.Name = drivesdk.Failed(enc.EncryptedName, "parent keys unavailable: "+parentErr.Error())
		n.KeyAuthor = drivesdk.Failed(enc.SignatureEmail, "parent keys unavailable")
		n.NameAuthor = drivesdk.Failed(enc.NameSignatureEmail, "parent keys unavailable")
	} else {
		name, nameVerification, err := a.crypto.DecryptName(ctx, env, parentKeys)
		if err != nil {
			a.reportDecryption(ctx, enc.UID, err)
			n.Name = drivesdk.Failed(enc.EncryptedName, err.Error())
			n.NameAuthor = drivesdk.Failed(enc.NameSignatureEmail, err.Error())
		} else {
			n.Name = drivesdk.Ok(name)
			if nameVerification.Status != crypto.SignedAndValid {
				a.reportVerification(ctx, enc.UID, nameVerification)
			}
			n.NameAuthor = nameVerification.Result()
		}

		keys, keyVerification, err := a.crypto.DecryptNodeKeys(ctx, env, parentKeys)
		if err != nil {
			a.reportDecryption(ctx, enc.UID, err)
			n.KeyAuthor = drivesdk.Failed(enc.SignatureEmail, err.Error())
		} else {
			if keyVerification.Status != crypto.SignedAndValid {
				a.reportVerification(ctx, enc.UID, keyVerification)
			}
			n.KeyAuthor = keyVerification.Result()
			keys.UID = enc.UID
			if cerr := a.keys.SetNodeKeys(ctx, keys); cerr != nil {
				log.Warn("failed caching node keys", "uid", enc.UID, "error", cerr.Error())
			}
		}
	}

	if err := a.nodes.SetNode(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (a *Access) reportDecryption(ctx context.Context, uid string, err error) {
	volumeID, _, _ := drivesdk.SplitNodeUID(uid)
	values := map[string]any{"uid": uid, "error": err.Error()}
	if metricContext, cerr := a.shares.GetVolumeMetricContext(ctx, volumeID); cerr == nil {
		values["context"] = metricContext
	}
	a.telemetry.LogEvent(ctx, drivesdk.TelemetryRecord{
		Name:   drivesdk.MetricDecryptionError,
		Values: values,
	})
}

func (a *Access) reportVerification(ctx context.Context, uid string, v crypto.Verification) {
	a.telemetry.LogEvent(ctx, drivesdk.TelemetryRecord{
		Name: drivesdk.MetricVerificationError,
		Values: map[string]any{
			"uid":           uid,
			"claimedAuthor": v.ClaimedAuthor,
			"reason":        v.Reason,
		},
	})
}

// Iterator yields decrypted nodes until nil, nil.
type Iterator interface {
	Next(ctx context.Context) (*drivesdk.Node, error)
}

// IterateChildren yields the folder's non-trashed children. When the folder's
// listing-complete marker is set the cache alone serves the iteration;
// otherwise the children uid stream is consulted, cached fresh nodes are
// yielded immediately and the rest are fetched in batches. The marker is set
// once the stream ends cleanly.
func (a *Access) IterateChildren(ctx context.Context, folderUID string) (Iterator, error) {
	loaded, err := a.nodes.IsFolderChildrenLoaded(ctx, folderUID)
	if err != nil {
		return nil, err
	}
	if loaded {
		return &refreshingIterator{
			access:    a,
			inner:     a.nodes.IterateChildren(ctx, folderUID),
			folderUID: folderUID,
		}, nil
	}
	uids, err := a.api.IterateFolderChildrenUIDs(ctx, folderUID)
	if err != nil {
		return nil, err
	}
	return &loadingIterator{
		access: a,
		uids:   uids,
		skip:   func(n *drivesdk.Node) bool { return n.IsTrashed() },
		onDone: func(ctx context.Context) error {
			return a.nodes.SetFolderChildrenLoaded(ctx, folderUID)
		},
	}, nil
}

// IterateTrashedNodes yields the volume's trashed nodes from the trash
// listing, batch-loading uncached entries.
func (a *Access) IterateTrashedNodes(ctx context.Context, volumeID string) (Iterator, error) {
	uids, err := a.api.IterateTrashedUIDs(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	return &loadingIterator{access: a, uids: uids}, nil
}

// IterateNodes yields the given uids as decrypted nodes, serving fresh cached
// copies directly and batch-loading the rest.
func (a *Access) IterateNodes(ctx context.Context, uids []string) Iterator {
	return &loadingIterator{access: a, uids: &sliceUIDs{uids: uids}}
}

// refreshingIterator serves a completed listing from cache, refetching any
// row an event marked stale. A refetched node that left the folder (moved or
// trashed meanwhile) is dropped from the listing.
type refreshingIterator struct {
	access    *Access
	inner     Iterator
	folderUID string
}

func (it *refreshingIterator) Next(ctx context.Context) (*drivesdk.Node, error) {
	for {
		n, err := it.inner.Next(ctx)
		if err != nil || n == nil {
			return n, err
		}
		if !n.IsStale {
			return n, nil
		}
		fresh, err := it.access.fetchNode(ctx, n.UID)
		if err != nil {
			if errors.Is(err, drivesdk.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if fresh.ParentUID != it.folderUID || fresh.IsTrashed() {
			continue
		}
		return fresh, nil
	}
}

// uidStream is the uid source a loadingIterator drains.
type uidStream interface {
	Next(ctx context.Context) (uid string, done bool, err error)
}

type sliceUIDs struct {
	uids []string
	pos  int
}

func (s *sliceUIDs) Next(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, &drivesdk.AbortError{Err: err}
	}
	if s.pos >= len(s.uids) {
		return "", true, nil
	}
	uid := s.uids[s.pos]
	s.pos++
	return uid, false, nil
}

// loadingIterator drains a uid stream, emitting fresh cached nodes in stream
// order and flushing uncached uids through LoadNodes in batches. A batch is
// flushed when it is full or when the stream ends, so cached entries between
// two uncached ones are emitted before the batch that surrounds them.
type loadingIterator struct {
	access *Access
	uids   uidStream
	skip   func(*drivesdk.Node) bool
	onDone func(ctx context.Context) error

	ready   []*drivesdk.Node
	pending []string
	done    bool
}

func (it *loadingIterator) Next(ctx context.Context) (*drivesdk.Node, error) {
	for {
		if len(it.ready) > 0 {
			n := it.ready[0]
			it.ready = it.ready[1:]
			if it.skip != nil && it.skip(n) {
				continue
			}
			return n, nil
		}
		if it.done {
			return nil, nil
		}
		uid, done, err := it.uids.Next(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			it.done = true
			if err := it.flush(ctx); err != nil {
				return nil, err
			}
			if it.onDone != nil {
				if err := it.onDone(ctx); err != nil {
					return nil, err
				}
			}
			continue
		}
		cached, err := it.access.nodes.GetNode(ctx, uid)
		if err == nil && !cached.IsStale {
			it.ready = append(it.ready, cached)
			continue
		}
		if err != nil && !errors.Is(err, drivesdk.ErrNotFound) {
			var corrupt *drivesdk.CorruptedEntityError
			if !errors.As(err, &corrupt) {
				return nil, err
			}
		}
		it.pending = append(it.pending, uid)
		if len(it.pending) >= BatchLoadingSize {
			if err := it.flush(ctx); err != nil {
				return nil, err
			}
		}
	}
}

// flush batch-loads the pending uids. Batches never span volumes, so mixed
// pending sets are partitioned first, preserving order within each volume.
func (it *loadingIterator) flush(ctx context.Context) error {
	if len(it.pending) == 0 {
		return nil
	}
	for _, batch := range groupByVolume(it.pending) {
		loaded, err := it.access.LoadNodes(ctx, batch)
		if err != nil {
			return err
		}
		it.ready = append(it.ready, loaded...)
	}
	it.pending = it.pending[:0]
	return nil
}

// groupByVolume partitions uids by their volume part, keeping first-seen
// volume order and in-volume uid order.
func groupByVolume(uids []string) [][]string {
	var order []string
	byVolume := make(map[string][]string)
	for _, uid := range uids {
		volumeID, _, err := drivesdk.SplitNodeUID(uid)
		if err != nil {
			volumeID = ""
		}
		if _, ok := byVolume[volumeID]; !ok {
			order = append(order, volumeID)
		}
		byVolume[volumeID] = append(byVolume[volumeID], uid)
	}
	groups := make([][]string, 0, len(order))
	for _, volumeID := range order {
		groups = append(groups, byVolume[volumeID])
	}
	return groups
}
