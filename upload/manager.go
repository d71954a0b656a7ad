// Package upload is the write path for file content: draft creation with
// conflict resolution, the block verifier, and the chunked upload pipeline
// that encrypts, verifies and ships blocks before committing a manifest.
package upload

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/api"
	"github.com/cloudrive/drivesdk/crypto"
	"github.com/cloudrive/drivesdk/node"
	"github.com/cloudrive/drivesdk/nodecache"
	"github.com/cloudrive/drivesdk/shares"
)

// NameCandidateBatch is how many alternative names are hashed and checked per
// round trip in FindAvailableName.
const NameCandidateBatch = 10

// DraftAPI is the api client surface the upload manager consumes.
type DraftAPI interface {
	CreateDraft(ctx context.Context, req api.CreateDraftRequest) (nodeUID string, revisionUID string, err error)
	DeleteDraft(ctx context.Context, uid string) error
	CreateDraftRevision(ctx context.Context, uid string, req api.CreateDraftRevisionRequest) (string, error)
	CommitDraft(ctx context.Context, revisionUID string, req api.CommitDraftRequest) error
	CheckAvailableHashes(ctx context.Context, folderUID string, hashes []string) ([]string, error)
}

// Draft is an uncommitted upload target.
type Draft struct {
	NodeUID     string
	RevisionUID string
	ParentUID   string
	Name        string
	Keys        *drivesdk.NodeKeys
	// IsNewNode is true for a new-node draft and false for a revision draft
	// on an existing file; it selects the notification emitted on commit.
	IsNewNode bool
}

// DraftOptions tunes draft-node creation.
type DraftOptions struct {
	MediaType string
	// OverrideExistingDraftByOtherClient also deletes and retries when the
	// conflicting draft was left by another client.
	OverrideExistingDraftByOtherClient bool
}

// Manager drives drafts: creation, name-conflict resolution and commit.
type Manager struct {
	api       DraftAPI
	access    *node.Access
	keys      *nodecache.KeysCache
	crypto    crypto.Provider
	shares    shares.Service
	notifier  node.ChangeNotifier
	clientUID string
}

// NewManager wires the upload manager. The client uid identifies this
// client's own abandoned drafts across restarts; empty means a fresh random
// one (own-draft detection then only works within this process).
func NewManager(draftAPI DraftAPI, access *node.Access, keys *nodecache.KeysCache, provider crypto.Provider, sharing shares.Service, notifier node.ChangeNotifier, clientUID string) *Manager {
	if clientUID == "" {
		clientUID = uuid.NewString()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Manager{
		api:       draftAPI,
		access:    access,
		keys:      keys,
		crypto:    provider,
		shares:    sharing,
		notifier:  notifier,
		clientUID: clientUID,
	}
}

type nopNotifier struct{}

func (nopNotifier) NotifyNodeCreated(context.Context, *drivesdk.Node) {}
func (nopNotifier) NotifyNodeUpdated(context.Context, *drivesdk.Node) {}

// ClientUID returns the stable client identifier drafts are stamped with.
func (m *Manager) ClientUID() string { return m.clientUID }

func (m *Manager) signingEmail(ctx context.Context, volumeID, shareID string) (string, error) {
	own, err := m.shares.IsOwnVolume(ctx, volumeID)
	if err != nil {
		return "", err
	}
	if own || shareID == "" {
		return m.shares.GetMyFilesShareMemberEmailKey(ctx)
	}
	return m.shares.GetContextShareMemberEmailKey(ctx, shareID)
}

// CreateDraftNode creates a draft file node under the parent. A conflict with
// this client's own abandoned draft (or any draft, when the override option
// is set) is deleted and the creation retried once; any other conflict
// surfaces as NodeAlreadyExistsError.
func (m *Manager) CreateDraftNode(ctx context.Context, parentUID string, name string, opts DraftOptions) (*Draft, error) {
	if name == "" {
		return nil, &drivesdk.ValidationError{Details: "file name can't be empty string"}
	}
	parent, err := m.access.GetNode(ctx, parentUID)
	if err != nil {
		return nil, err
	}
	parentKeys, err := m.access.GetNodeKeys(ctx, parentUID)
	if err != nil {
		return nil, err
	}
	if parentKeys.HashKey == "" {
		return nil, &drivesdk.ValidationError{Details: "parent is not a folder (no hash key)"}
	}
	email, err := m.signingEmail(ctx, parent.VolumeID, parent.ShareID)
	if err != nil {
		return nil, err
	}
	keys, encryptedKeys, err := m.crypto.GenerateNodeKeys(ctx, "", parentKeys, email)
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
	req := api.CreateDraftRequest{
		ParentUID:                 parentUID,
		EncryptedName:             encryptedName,
		Hash:                      hash,
		ArmoredKey:                encryptedKeys.ArmoredKey,
		EncryptedPassphrase:       encryptedKeys.EncryptedPassphrase,
		PassphraseSignature:       encryptedKeys.PassphraseSignature,
		ContentKeyPacket:          encryptedKeys.ContentKeyPacket,
		ContentKeyPacketSignature: encryptedKeys.ContentKeyPacketSignature,
		SignatureEmail:            email,
		MediaType:                 opts.MediaType,
		ClientUID:                 m.clientUID,
	}

	nodeUID, revisionUID, err := m.api.CreateDraft(ctx, req)
	if err != nil {
		var conflict *api.DraftConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		if !m.canReplaceDraft(conflict, opts) {
			return nil, &conflict.NodeAlreadyExistsError
		}
		if derr := m.api.DeleteDraft(ctx, conflict.ExistingNodeUID); derr != nil {
			return nil, derr
		}
		nodeUID, revisionUID, err = m.api.CreateDraft(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	keys.UID = nodeUID
	if err := m.keys.SetNodeKeys(ctx, keys); err != nil {
		return nil, err
	}
	return &Draft{
		NodeUID:     nodeUID,
		RevisionUID: revisionUID,
		ParentUID:   parentUID,
		Name:        name,
		Keys:        keys,
		IsNewNode:   true,
	}, nil
}

// canReplaceDraft decides whether a conflicting draft may be deleted. A draft
// without a known client uid is never treated as our own.
func (m *Manager) canReplaceDraft(conflict *api.DraftConflictError, opts DraftOptions) bool {
	if !conflict.HasDraftConflict || conflict.ExistingNodeUID == "" {
		return false
	}
	if opts.OverrideExistingDraftByOtherClient {
		return true
	}
	return conflict.ConflictingClientUID != "" && conflict.ConflictingClientUID == m.clientUID
}

// FindAvailableName probes "<base> (<i>).<ext>" candidates in batches against
// the server's free-hash check and returns the first free one in batch order.
func (m *Manager) FindAvailableName(ctx context.Context, parentUID string, name string) (string, error) {
	parentKeys, err := m.access.GetNodeKeys(ctx, parentUID)
	if err != nil {
		return "", err
	}
	if parentKeys.HashKey == "" {
		return "", &drivesdk.ValidationError{Details: "parent is not a folder (no hash key)"}
	}
	base, ext := splitExtension(name)
	for i := 1; ; i += NameCandidateBatch {
		candidates := make([]string, 0, NameCandidateBatch)
		hashes := make([]string, 0, NameCandidateBatch)
		byHash := make(map[string]int, NameCandidateBatch)
		for j := 0; j < NameCandidateBatch; j++ {
			candidate := candidateName(base, ext, i+j)
			hash, err := m.crypto.HashName(ctx, candidate, parentKeys.HashKey)
			if err != nil {
				return "", err
			}
			candidates = append(candidates, candidate)
			hashes = append(hashes, hash)
			byHash[hash] = j
		}
		available, err := m.api.CheckAvailableHashes(ctx, parentUID, hashes)
		if err != nil {
			return "", err
		}
		best := -1
		for _, hash := range available {
			if j, ok := byHash[hash]; ok && (best == -1 || j < best) {
				best = j
			}
		}
		if best >= 0 {
			return candidates[best], nil
		}
	}
}

func splitExtension(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

func candidateName(base, ext string, i int) string {
	candidate := fmt.Sprintf("%s (%d)", base, i)
	if ext != "" {
		candidate += "." + ext
	}
	return candidate
}

// CreateDraftRevision creates a draft revision superseding the file's active
// revision.
func (m *Manager) CreateDraftRevision(ctx context.Context, uid string) (*Draft, error) {
	n, err := m.access.GetNode(ctx, uid)
	if err != nil {
		return nil, err
	}
	if n.Type != drivesdk.NodeTypeFile || n.ActiveRevision == nil {
		return nil, &drivesdk.ValidationError{Details: "draft revisions require a file with an active revision"}
	}
	keys, err := m.access.GetNodeKeys(ctx, uid)
	if err != nil {
		return nil, err
	}
	revisionUID, err := m.api.CreateDraftRevision(ctx, uid, api.CreateDraftRevisionRequest{
		CurrentRevisionUID: n.ActiveRevision.UID,
		ClientUID:          m.clientUID,
	})
	if err != nil {
		return nil, err
	}
	name := ""
	if v, ok := n.Name.Get(); ok {
		name = v
	}
	return &Draft{
		NodeUID:     uid,
		RevisionUID: revisionUID,
		ParentUID:   n.ParentUID,
		Name:        name,
		Keys:        keys,
		IsNewNode:   false,
	}, nil
}

// DeleteDraft abandons an uncommitted draft, dropping its cached key material.
func (m *Manager) DeleteDraft(ctx context.Context, draft *Draft) error {
	if err := m.api.DeleteDraft(ctx, draft.NodeUID); err != nil {
		return err
	}
	if draft.IsNewNode {
		if err := m.keys.RemoveNodeKeys(ctx, []string{draft.NodeUID}); err != nil {
			log.Warn("failed dropping draft key material", "uid", draft.NodeUID, "error", err.Error())
		}
	}
	return nil
}

// CommitDraft signs the manifest, encrypts the extended attributes and
// commits the draft revision. The committed node is re-fetched and published
// as created (new-node draft) or updated (revision draft). A failed refetch
// surfaces as an error even though the commit itself went through; callers
// must not treat such an error as license to delete the draft.
func (m *Manager) CommitDraft(ctx context.Context, draft *Draft, manifest []byte, extendedAttributes []byte) (*drivesdk.Node, error) {
	volumeID, _, err := drivesdk.SplitNodeUID(draft.NodeUID)
	if err != nil {
		return nil, err
	}
	email, err := m.signingEmail(ctx, volumeID, "")
	if err != nil {
		return nil, err
	}
	manifestSignature, err := m.crypto.SignManifest(ctx, manifest, email)
	if err != nil {
		return nil, err
	}
	req := api.CommitDraftRequest{
		ManifestSignature: manifestSignature,
		SignatureEmail:    email,
	}
	if len(extendedAttributes) > 0 {
		xattr, err := m.crypto.EncryptExtendedAttributes(ctx, extendedAttributes, draft.Keys, email)
		if err != nil {
			return nil, err
		}
		req.XAttr = xattr
	}
	if err := m.api.CommitDraft(ctx, draft.RevisionUID, req); err != nil {
		return nil, err
	}

	committed, err := m.access.LoadNodes(ctx, []string{draft.NodeUID})
	if err != nil {
		return nil, fmt.Errorf("refreshing committed node %s: %w", draft.NodeUID, err)
	}
	if len(committed) == 0 {
		return nil, fmt.Errorf("committed node %s missing from refresh: %w", draft.NodeUID, drivesdk.ErrNotFound)
	}
	n := committed[0]
	if draft.IsNewNode {
		m.notifier.NotifyNodeCreated(ctx, n)
	} else {
		m.notifier.NotifyNodeUpdated(ctx, n)
	}
	return n, nil
}
