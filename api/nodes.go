package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudrive/drivesdk"
)

// EncryptedRevision is the wire form of a file content version.
type EncryptedRevision struct {
	UID            string                 `json:"uid"`
	State          drivesdk.RevisionState `json:"state"`
	CreationTime   time.Time              `json:"creationTime"`
	StorageSize    int64                  `json:"storageSize"`
	XAttr          string                 `json:"xAttr,omitempty"`
	Thumbnails     []drivesdk.Thumbnail   `json:"thumbnails,omitempty"`
	SignatureEmail string                 `json:"signatureEmail,omitempty"`
}

// EncryptedNode is the wire form of a node before decryption.
type EncryptedNode struct {
	UID              string              `json:"uid"`
	ParentUID        string              `json:"parentUid,omitempty"`
	VolumeID         string              `json:"volumeId"`
	Hash             string              `json:"hash,omitempty"`
	Type             drivesdk.NodeType   `json:"type"`
	MediaType        string              `json:"mediaType,omitempty"`
	CreationTime     time.Time           `json:"creationTime"`
	TrashTime        *time.Time          `json:"trashTime,omitempty"`
	TotalStorageSize *int64              `json:"totalStorageSize,omitempty"`
	ShareID          string              `json:"shareId,omitempty"`
	IsShared         bool                `json:"isShared"`
	DirectMemberRole drivesdk.MemberRole `json:"directMemberRole,omitempty"`

	EncryptedName      string     `json:"encryptedName"`
	NameSignatureEmail string     `json:"nameSignatureEmail,omitempty"`
	SignatureEmail     string     `json:"signatureEmail,omitempty"`
	EncryptedCrypto    NodeCrypto `json:"crypto"`

	ActiveRevision *EncryptedRevision `json:"activeRevision,omitempty"`
}

// NodeCrypto carries the encrypted key material of a node.
type NodeCrypto struct {
	ArmoredKey          string `json:"armoredKey"`
	EncryptedPassphrase string `json:"encryptedPassphrase"`
	PassphraseSignature string `json:"passphraseSignature,omitempty"`
	ContentKeyPacket    string `json:"contentKeyPacket,omitempty"`
	EncryptedHashKey    string `json:"encryptedHashKey,omitempty"`
}

type nodeResponse struct {
	Code    int           `json:"code"`
	Message string        `json:"message,omitempty"`
	Node    EncryptedNode `json:"node"`
}

type nodesResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Nodes   []EncryptedNode `json:"nodes"`
}

// PartialResult is the per-uid outcome of a batch mutation endpoint.
type PartialResult struct {
	UID     string `json:"uid"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Err converts the per-uid outcome into a typed error, nil on success.
func (r PartialResult) Err() error {
	return codeError(r.Code, r.Message, "")
}

type batchResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Results []PartialResult `json:"results"`
}

func volumePath(uid string) (string, string, error) {
	volumeID, nodeID, err := drivesdk.SplitNodeUID(uid)
	if err != nil {
		return "", "", err
	}
	return volumeID, nodeID, nil
}

// GetNode fetches one encrypted node.
func (c *Client) GetNode(ctx context.Context, uid string) (*EncryptedNode, error) {
	volumeID, nodeID, err := volumePath(uid)
	if err != nil {
		return nil, err
	}
	var resp nodeResponse
	if err := c.transport.Get(ctx, fmt.Sprintf("/volumes/%s/nodes/%s", volumeID, nodeID), &resp); err != nil {
		return nil, err
	}
	if err := codeError(resp.Code, resp.Message, ""); err != nil {
		return nil, err
	}
	return &resp.Node, nil
}

// GetNodes fetches a batch of encrypted nodes from one volume.
func (c *Client) GetNodes(ctx context.Context, uids []string) ([]EncryptedNode, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	volumeID, _, err := volumePath(uids[0])
	if err != nil {
		return nil, err
	}
	nodeIDs := make([]string, len(uids))
	for i, uid := range uids {
		v, nodeID, err := volumePath(uid)
		if err != nil {
			return nil, err
		}
		if v != volumeID {
			return nil, &drivesdk.ValidationError{Details: "batch node fetch spans volumes"}
		}
		nodeIDs[i] = nodeID
	}
	var resp nodesResponse
	body := map[string]any{"nodeIds": nodeIDs}
	if err := c.transport.Post(ctx, fmt.Sprintf("/volumes/%s/nodes", volumeID), body, &resp); err != nil {
		return nil, err
	}
	if err := codeError(resp.Code, resp.Message, ""); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

type uidPageResponse struct {
	Code    int      `json:"code"`
	Message string   `json:"message,omitempty"`
	UIDs    []string `json:"uids"`
	More    bool     `json:"more"`
	Anchor  string   `json:"anchor,omitempty"`
}

// UIDIterator pages through a uid-listing endpoint lazily.
type UIDIterator struct {
	client *Client
	path   string
	page   []string
	pos    int
	anchor string
	more   bool
	first  bool
}

// Next returns the next uid; done is true at end of stream.
func (it *UIDIterator) Next(ctx context.Context) (uid string, done bool, err error) {
	if err := ctx.Err(); err != nil {
		return "", false, &drivesdk.AbortError{Err: err}
	}
	for it.pos >= len(it.page) {
		if it.first && !it.more {
			return "", true, nil
		}
		path := it.path
		if it.anchor != "" {
			sep := "?"
			if strings.Contains(path, "?") {
				sep = "&"
			}
			path += sep + "anchor=" + it.anchor
		}
		var resp uidPageResponse
		if err := it.client.transport.Get(ctx, path, &resp); err != nil {
			return "", false, err
		}
		if err := codeError(resp.Code, resp.Message, ""); err != nil {
			return "", false, err
		}
		it.first = true
		it.page = resp.UIDs
		it.pos = 0
		it.anchor = resp.Anchor
		it.more = resp.More
		if len(it.page) == 0 && !it.more {
			return "", true, nil
		}
	}
	uid = it.page[it.pos]
	it.pos++
	return uid, false, nil
}

// IterateFolderChildrenUIDs streams the uids of the folder's children.
func (c *Client) IterateFolderChildrenUIDs(ctx context.Context, folderUID string) (*UIDIterator, error) {
	volumeID, nodeID, err := volumePath(folderUID)
	if err != nil {
		return nil, err
	}
	return &UIDIterator{
		client: c,
		path:   fmt.Sprintf("/volumes/%s/folders/%s/children", volumeID, nodeID),
	}, nil
}

// IterateTrashedUIDs streams the uids of the volume's trashed nodes.
func (c *Client) IterateTrashedUIDs(ctx context.Context, volumeID string) (*UIDIterator, error) {
	if volumeID == "" {
		return nil, &drivesdk.ValidationError{Details: "volume id is required"}
	}
	return &UIDIterator{
		client: c,
		path:   fmt.Sprintf("/volumes/%s/trash", volumeID),
	}, nil
}

// RenameRequest carries the re-encrypted name of a node.
type RenameRequest struct {
	EncryptedName      string `json:"encryptedName"`
	Hash               string `json:"hash"`
	NameSignatureEmail string `json:"nameSignatureEmail"`
	OriginalHash       string `json:"originalHash"`
}

// RenameNode renames a node in place.
func (c *Client) RenameNode(ctx context.Context, uid string, req RenameRequest) error {
	volumeID, nodeID, err := volumePath(uid)
	if err != nil {
		return err
	}
	var resp struct {
		Code    int    `json:"code"`
		Message string `json:"message,omitempty"`
	}
	if err := c.transport.Put(ctx, fmt.Sprintf("/volumes/%s/nodes/%s/rename", volumeID, nodeID), req, &resp); err != nil {
		return err
	}
	return codeError(resp.Code, resp.Message, "")
}

// MoveRequest carries the re-wrapped key material for a reparented node.
type MoveRequest struct {
	NewParentUID        string `json:"newParentUid"`
	EncryptedName       string `json:"encryptedName"`
	Hash                string `json:"hash"`
	OriginalHash        string `json:"originalHash"`
	EncryptedPassphrase string `json:"encryptedPassphrase"`
	PassphraseSignature string `json:"passphraseSignature"`
	SignatureEmail      string `json:"signatureEmail"`
	NameSignatureEmail  string `json:"nameSignatureEmail"`
}

// MoveNode moves a node under a new parent.
func (c *Client) MoveNode(ctx context.Context, uid string, req MoveRequest) error {
	volumeID, nodeID, err := volumePath(uid)
	if err != nil {
		return err
	}
	var resp struct {
		Code    int    `json:"code"`
		Message string `json:"message,omitempty"`
	}
	if err := c.transport.Put(ctx, fmt.Sprintf("/volumes/%s/nodes/%s/move", volumeID, nodeID), req, &resp); err != nil {
		return err
	}
	return codeError(resp.Code, resp.Message, "")
}

// batchMutation posts uids to a per-volume batch endpoint and returns the
// per-uid outcomes, rehydrating full uids on the results.
func (c *Client) batchMutation(ctx context.Context, verb, volumeID string, uids []string) ([]PartialResult, error) {
	nodeIDs := make([]string, len(uids))
	byNodeID := make(map[string]string, len(uids))
	for i, uid := range uids {
		v, nodeID, err := volumePath(uid)
		if err != nil {
			return nil, err
		}
		if v != volumeID {
			return nil, &drivesdk.ValidationError{Details: verb + " batch spans volumes"}
		}
		nodeIDs[i] = nodeID
		byNodeID[nodeID] = uid
	}
	var resp batchResponse
	body := map[string]any{"nodeIds": nodeIDs}
	if err := c.transport.Post(ctx, fmt.Sprintf("/volumes/%s/%s", volumeID, verb), body, &resp); err != nil {
		return nil, err
	}
	if err := codeError(resp.Code, resp.Message, ""); err != nil {
		return nil, err
	}
	for i := range resp.Results {
		if full, ok := byNodeID[resp.Results[i].UID]; ok {
			resp.Results[i].UID = full
		}
	}
	return resp.Results, nil
}

// TrashNodes moves the nodes of one volume to trash.
func (c *Client) TrashNodes(ctx context.Context, volumeID string, uids []string) ([]PartialResult, error) {
	return c.batchMutation(ctx, "trash_multiple", volumeID, uids)
}

// RestoreNodes restores previously trashed nodes.
func (c *Client) RestoreNodes(ctx context.Context, volumeID string, uids []string) ([]PartialResult, error) {
	return c.batchMutation(ctx, "restore_multiple", volumeID, uids)
}

// DeleteNodes permanently deletes nodes.
func (c *Client) DeleteNodes(ctx context.Context, volumeID string, uids []string) ([]PartialResult, error) {
	return c.batchMutation(ctx, "delete_multiple", volumeID, uids)
}

// CreateFolderRequest carries a new folder's encrypted payload.
type CreateFolderRequest struct {
	ParentUID           string `json:"parentUid"`
	EncryptedName       string `json:"encryptedName"`
	Hash                string `json:"hash"`
	ArmoredKey          string `json:"armoredKey"`
	EncryptedPassphrase string `json:"encryptedPassphrase"`
	PassphraseSignature string `json:"passphraseSignature"`
	EncryptedHashKey    string `json:"encryptedHashKey"`
	SignatureEmail      string `json:"signatureEmail"`
}

type createFolderResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	UID     string `json:"uid"`
}

// CreateFolder creates a folder and returns its uid.
func (c *Client) CreateFolder(ctx context.Context, req CreateFolderRequest) (string, error) {
	volumeID, _, err := volumePath(req.ParentUID)
	if err != nil {
		return "", err
	}
	var resp createFolderResponse
	if err := c.transport.Post(ctx, fmt.Sprintf("/volumes/%s/folders", volumeID), req, &resp); err != nil {
		return "", err
	}
	if err := codeError(resp.Code, resp.Message, ""); err != nil {
		return "", err
	}
	return resp.UID, nil
}

type availableHashesResponse struct {
	Code            int      `json:"code"`
	Message         string   `json:"message,omitempty"`
	AvailableHashes []string `json:"availableHashes"`
}

// CheckAvailableHashes asks the server which of the candidate name hashes are
// free under the folder.
func (c *Client) CheckAvailableHashes(ctx context.Context, folderUID string, hashes []string) ([]string, error) {
	volumeID, nodeID, err := volumePath(folderUID)
	if err != nil {
		return nil, err
	}
	var resp availableHashesResponse
	body := map[string]any{"hashes": hashes}
	if err := c.transport.Post(ctx, fmt.Sprintf("/volumes/%s/folders/%s/available_hashes", volumeID, nodeID), body, &resp); err != nil {
		return nil, err
	}
	if err := codeError(resp.Code, resp.Message, ""); err != nil {
		return nil, err
	}
	return resp.AvailableHashes, nil
}
