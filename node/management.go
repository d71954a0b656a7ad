package node

import (
	"context"
	"errors"
	"time"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/api"
	"github.com/cloudrive/drivesdk/crypto"
	"github.com/cloudrive/drivesdk/nodecache"
	"github.com/cloudrive/drivesdk/shares"
)

// WriteAPI is the api client surface the management layer consumes.
type WriteAPI interface {
	RenameNode(ctx context.Context, uid string, req api.RenameRequest) error
	MoveNode(ctx context.Context, uid string, req api.MoveRequest) error
	TrashNodes(ctx context.Context, volumeID string, uids []string) ([]api.PartialResult, error)
	RestoreNodes(ctx context.Context, volumeID string, uids []string) ([]api.PartialResult, error)
	DeleteNodes(ctx context.Context, volumeID string, uids []string) ([]api.PartialResult, error)
	CreateFolder(ctx context.Context, req api.CreateFolderRequest) (string, error)
}

// ChangeNotifier publishes local write results to downstream change
// subscribers (satisfied by the events handler).
type ChangeNotifier interface {
	NotifyNodeCreated(ctx context.Context, n *drivesdk.Node)
	NotifyNodeUpdated(ctx context.Context, n *drivesdk.Node)
}

type nopNotifier struct{}

func (nopNotifier) NotifyNodeCreated(context.Context, *drivesdk.Node) {}
func (nopNotifier) NotifyNodeUpdated(context.Context, *drivesdk.Node) {}

// Management is the metadata write path: rename, move, trash, restore,
// delete and folder creation. Every operation commits to the server first
// and writes the cache back only for the uids the server accepted.
type Management struct {
	api      WriteAPI
	access   *Access
	nodes    *nodecache.NodeCache
	keys     *nodecache.KeysCache
	crypto   crypto.Provider
	shares   shares.Service
	notifier ChangeNotifier
}

// NewManagement wires the write path. A nil notifier is replaced with a no-op.
func NewManagement(writeAPI WriteAPI, access *Access, nodes *nodecache.NodeCache, keys *nodecache.KeysCache, provider crypto.Provider, sharing shares.Service, notifier ChangeNotifier) *Management {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Management{
		api:      writeAPI,
		access:   access,
		nodes:    nodes,
		keys:     keys,
		crypto:   provider,
		shares:   sharing,
		notifier: notifier,
	}
}

// signingEmail picks the address that signs writes in the node's context.
func (m *Management) signingEmail(ctx context.Context, volumeID, shareID string) (string, error) {
	own, err := m.shares.IsOwnVolume(ctx, volumeID)
	if err != nil {
		return "", err
	}
	if own || shareID == "" {
		return m.shares.GetMyFilesShareMemberEmailKey(ctx)
	}
	return m.shares.GetContextShareMemberEmailKey(ctx, shareID)
}

// RenameNode renames the node in place: the new name is encrypted and hashed
// under the parent's keys, committed, then the cached copy is rewritten.
func (m *Management) RenameNode(ctx context.Context, uid string, newName string) (*drivesdk.Node, error) {
	if newName == "" {
		return nil, &drivesdk.ValidationError{Details: "new name can't be empty string"}
	}
	n, err := m.access.GetNode(ctx, uid)
	if err != nil {
		return nil, err
	}
	if n.IsRoot() {
		return nil, &drivesdk.ValidationError{Details: "root nodes can't be renamed"}
	}
	parentKeys, err := m.access.GetNodeKeys(ctx, n.ParentUID)
	if err != nil {
		return nil, err
	}
	email, err := m.signingEmail(ctx, n.VolumeID, n.ShareID)
	if err != nil {
		return nil, err
	}
	encryptedName, err := m.crypto.EncryptName(ctx, newName, parentKeys, email)
	if err != nil {
		return nil, err
	}
	hash, err := m.crypto.HashName(ctx, newName, parentKeys.HashKey)
	if err != nil {
		return nil, err
	}
	err = m.api.RenameNode(ctx, uid, api.RenameRequest{
		EncryptedName:      encryptedName,
		Hash:               hash,
		NameSignatureEmail: email,
		OriginalHash:       n.Hash,
	})
	if err != nil {
		return nil, err
	}
	n.Name = drivesdk.Ok(newName)
	n.NameAuthor = drivesdk.Ok(email)
	n.Hash = hash
	if err := m.nodes.SetNode(ctx, n); err != nil {
		return nil, err
	}
	m.notifier.NotifyNodeUpdated(ctx, n)
	return n, nil
}

// MoveNode reparents the node within its volume: its passphrase is rewrapped
// and its name re-encrypted under the new parent's keys.
func (m *Management) MoveNode(ctx context.Context, uid string, newParentUID string) (*drivesdk.Node, error) {
	n, err := m.access.GetNode(ctx, uid)
	if err != nil {
		return nil, err
	}
	if n.IsRoot() {
		return nil, &drivesdk.ValidationError{Details: "root nodes can't be moved"}
	}
	targetVolume, _, err := drivesdk.SplitNodeUID(newParentUID)
	if err != nil {
		return nil, err
	}
	if targetVolume != n.VolumeID {
		return nil, &drivesdk.ValidationError{Details: "move can't cross volumes"}
	}
	name, err := n.DecryptedName()
	if err != nil {
		// An undecryptable name can't be re-encrypted for the new parent.
		return nil, err
	}
	keys, err := m.access.GetNodeKeys(ctx, uid)
	if err != nil {
		return nil, err
	}
	newParentKeys, err := m.access.GetNodeKeys(ctx, newParentUID)
	if err != nil {
		return nil, err
	}
	if newParentKeys.HashKey == "" {
		return nil, &drivesdk.ValidationError{Details: "move target is not a folder (no hash key)"}
	}
	email, err := m.signingEmail(ctx, n.VolumeID, n.ShareID)
	if err != nil {
		return nil, err
	}
	encryptedName, err := m.crypto.EncryptName(ctx, name, newParentKeys, email)
	if err != nil {
		return nil, err
	}
	hash, err := m.crypto.HashName(ctx, name, newParentKeys.HashKey)
	if err != nil {
		return nil, err
	}
	encryptedPassphrase, passphraseSignature, err := m.crypto.RewrapPassphrase(ctx, keys, newParentKeys, email)
	if err != nil {
		return nil, err
	}
	err = m.api.MoveNode(ctx, uid, api.MoveRequest{
		NewParentUID:        newParentUID,
		EncryptedName:       encryptedName,
		Hash:                hash,
		OriginalHash:        n.Hash,
		EncryptedPassphrase: encryptedPassphrase,
		PassphraseSignature: passphraseSignature,
		SignatureEmail:      email,
		NameSignatureEmail:  email,
	})
	if err != nil {
		return nil, err
	}
	n.ParentUID = newParentUID
	n.Hash = hash
	n.NameAuthor = drivesdk.Ok(email)
	if err := m.nodes.SetNode(ctx, n); err != nil {
		return nil, err
	}
	m.notifier.NotifyNodeUpdated(ctx, n)
	return n, nil
}

// batchOutcome applies a per-uid cache writeback for the server-accepted uids
// of a batch mutation and aggregates the rejected ones into ResultErrors.
func (m *Management) batchOutcome(ctx context.Context, results []api.PartialResult, commit func(ctx context.Context, uid string) error) error {
	nodeErrors := make(map[string]string)
	for _, r := range results {
		if err := r.Err(); err != nil {
			nodeErrors[r.UID] = err.Error()
			continue
		}
		if err := commit(ctx, r.UID); err != nil {
			return err
		}
	}
	if len(nodeErrors) > 0 {
		return &drivesdk.ResultErrors{NodeErrors: nodeErrors}
	}
	return nil
}

// rewriteCached applies mutate to the cached copy of uid, if any, and
// republishes it. Missing cache rows are fine: the node was simply never read.
func (m *Management) rewriteCached(ctx context.Context, uid string, mutate func(n *drivesdk.Node)) error {
	n, err := m.nodes.GetNode(ctx, uid)
	if err != nil {
		if err == drivesdk.ErrNotFound {
			return nil
		}
		return err
	}
	mutate(n)
	if err := m.nodes.SetNode(ctx, n); err != nil {
		return err
	}
	m.notifier.NotifyNodeUpdated(ctx, n)
	return nil
}

// TrashNodes moves the nodes to trash, grouped per parent folder so each
// batch hits the trash endpoint for siblings together. Partial failures
// surface as ResultErrors after the accepted uids are committed to cache.
func (m *Management) TrashNodes(ctx context.Context, uids []string) error {
	now := time.Now().UTC()
	groups, err := m.groupByParent(ctx, uids)
	if err != nil {
		return err
	}
	merged := make(map[string]string)
	for _, group := range groups {
		volumeID, _, err := drivesdk.SplitNodeUID(group[0])
		if err != nil {
			return err
		}
		results, err := m.api.TrashNodes(ctx, volumeID, group)
		if err != nil {
			return err
		}
		outcome := m.batchOutcome(ctx, results, func(ctx context.Context, uid string) error {
			return m.rewriteCached(ctx, uid, func(n *drivesdk.Node) {
				t := now
				n.TrashTime = &t
			})
		})
		if outcome != nil {
			var partial *drivesdk.ResultErrors
			if !errors.As(outcome, &partial) {
				return outcome
			}
			for uid, msg := range partial.NodeErrors {
				merged[uid] = msg
			}
		}
	}
	if len(merged) > 0 {
		return &drivesdk.ResultErrors{NodeErrors: merged}
	}
	return nil
}

// RestoreNodes restores trashed nodes, clearing their trash time so the
// cached copy is immediately consistent with the listing again. All uids must
// share one volume.
func (m *Management) RestoreNodes(ctx context.Context, uids []string) error {
	volumeID, err := singleVolume(uids)
	if err != nil {
		return err
	}
	results, err := m.api.RestoreNodes(ctx, volumeID, uids)
	if err != nil {
		return err
	}
	return m.batchOutcome(ctx, results, func(ctx context.Context, uid string) error {
		return m.rewriteCached(ctx, uid, func(n *drivesdk.Node) {
			n.TrashTime = nil
		})
	})
}

// DeleteNodes permanently deletes nodes, evicting each accepted uid (with its
// cached subtree and key material). All uids must share one volume.
func (m *Management) DeleteNodes(ctx context.Context, uids []string) error {
	volumeID, err := singleVolume(uids)
	if err != nil {
		return err
	}
	results, err := m.api.DeleteNodes(ctx, volumeID, uids)
	if err != nil {
		return err
	}
	return m.batchOutcome(ctx, results, func(ctx context.Context, uid string) error {
		if err := m.keys.RemoveNodeKeys(ctx, []string{uid}); err != nil {
			return err
		}
		return m.nodes.RemoveNodes(ctx, []string{uid})
	})
}

// singleVolume validates that every uid belongs to one volume.
func singleVolume(uids []string) (string, error) {
	if len(uids) == 0 {
		return "", &drivesdk.ValidationError{Details: "at least one uid is required"}
	}
	volumeID, _, err := drivesdk.SplitNodeUID(uids[0])
	if err != nil {
		return "", err
	}
	for _, uid := range uids[1:] {
		v, _, err := drivesdk.SplitNodeUID(uid)
		if err != nil {
			return "", err
		}
		if v != volumeID {
			return "", &drivesdk.ValidationError{Details: "uids span volumes"}
		}
	}
	return volumeID, nil
}

// groupByParent partitions uids by the cached parent uid, keeping first-seen
// group order. Uncached uids group by their volume so they still batch.
func (m *Management) groupByParent(ctx context.Context, uids []string) ([][]string, error) {
	var order []string
	byParent := make(map[string][]string)
	for _, uid := range uids {
		key := ""
		if n, err := m.nodes.GetNode(ctx, uid); err == nil {
			key = "parent:" + n.ParentUID
		} else {
			volumeID, _, verr := drivesdk.SplitNodeUID(uid)
			if verr != nil {
				return nil, verr
			}
			key = "volume:" + volumeID
		}
		if _, ok := byParent[key]; !ok {
			order = append(order, key)
		}
		byParent[key] = append(byParent[key], uid)
	}
	groups := make([][]string, 0, len(order))
	for _, key := range order {
		groups = append(groups, byParent[key])
	}
	return groups, nil
}

// CreateFolder creates a folder under the parent and returns the decrypted
// node, already cached and published.
func (m *Management) CreateFolder(ctx context.Context, parentUID string, name string) (*drivesdk.Node, error) {
	if name == "" {
		return nil, &drivesdk.ValidationError{Details: "folder name can't be empty string"}
	}
	parent, err := m.access.GetNode(ctx, parentUID)
	if err != nil {
		return nil, err
	}
	parentKeys, err := m.access.GetNodeKeys(ctx, parentUID)
	if err != nil {
		return nil, err
	}
	email, err := m.signingEmail(ctx, parent.VolumeID, parent.ShareID)
	if err != nil {
		return nil, err
	}
	keys, encryptedKeys, err := m.crypto.GenerateNodeKeys(ctx, "", parentKeys, email)
	if err != nil {
		return nil, err
	}
	hashKey, encryptedHashKey, err := m.crypto.GenerateHashKey(ctx, keys)
	if err != nil {
		return nil, err
	}
	encryptedName, err := m.crypto.EncryptName(ctx, name, parentKeys, email)
	if err != nil {
		return nil, err
	}
	hash, err := m.crypto.HashName(ctx, name, parentKeys.HashKey)
	if err != nil {
		return nil, err
	}
	uid, err := m.api.CreateFolder(ctx, api.CreateFolderRequest{
		ParentUID:           parentUID,
		EncryptedName:       encryptedName,
		Hash:                hash,
		ArmoredKey:          encryptedKeys.ArmoredKey,
		EncryptedPassphrase: encryptedKeys.EncryptedPassphrase,
		PassphraseSignature: encryptedKeys.PassphraseSignature,
		EncryptedHashKey:    encryptedHashKey,
		SignatureEmail:      email,
	})
	if err != nil {
		return nil, err
	}
	keys.UID = uid
	keys.HashKey = hashKey
	if err := m.keys.SetNodeKeys(ctx, keys); err != nil {
		return nil, err
	}
	n := &drivesdk.Node{
		UID:          uid,
		ParentUID:    parentUID,
		VolumeID:     parent.VolumeID,
		Hash:         hash,
		Type:         drivesdk.NodeTypeFolder,
		CreationTime: time.Now().UTC(),
		ShareID:      parent.ShareID,
		Name:         drivesdk.Ok(name),
		KeyAuthor:    drivesdk.Ok(email),
		NameAuthor:   drivesdk.Ok(email),
	}
	if err := m.nodes.SetNode(ctx, n); err != nil {
		return nil, err
	}
	m.notifier.NotifyNodeCreated(ctx, n)
	return n, nil
}
