package drivesdk

import (
	"time"
)

// NodeType discriminates the entity kinds of the remote tree.
type NodeType string

const (
	NodeTypeFile   NodeType = "file"
	NodeTypeFolder NodeType = "folder"
	NodeTypeAlbum  NodeType = "album"
)

// MemberRole is the caller's direct membership role on a node.
type MemberRole string

const (
	RoleViewer    MemberRole = "viewer"
	RoleEditor    MemberRole = "editor"
	RoleAdmin     MemberRole = "admin"
	RoleInherited MemberRole = "inherited"
)

// RevisionState tracks the lifecycle of a file content version.
type RevisionState string

const (
	RevisionStateDraft    RevisionState = "draft"
	RevisionStateActive   RevisionState = "active"
	RevisionStateObsolete RevisionState = "obsolete"
)

// Thumbnail describes one thumbnail attached to a revision.
type Thumbnail struct {
	Type   int    `json:"type"`
	Sha256 string `json:"sha256,omitempty"`
}

// Revision is a content version of a file node. A draft revision is mutable;
// an active revision is immutable and authoritative.
type Revision struct {
	UID                     string        `json:"uid"`
	State                   RevisionState `json:"state"`
	CreationTime            time.Time     `json:"creationTime"`
	StorageSize             int64         `json:"storageSize"`
	ClaimedSize             *int64        `json:"claimedSize,omitempty"`
	ClaimedModificationTime *time.Time    `json:"claimedModificationTime,omitempty"`
	ClaimedDigests          []string      `json:"claimedDigests,omitempty"`
	Thumbnails              []Thumbnail   `json:"thumbnails,omitempty"`
}

// FolderExtras carries folder-only decrypted attributes.
type FolderExtras struct {
	ClaimedModificationTime *time.Time `json:"claimedModificationTime,omitempty"`
}

// Node is a decrypted file, folder or album of the remote tree. Adjacency is
// by ParentUID string only; children are discovered through the cache tag
// index, never through object pointers.
type Node struct {
	UID              string     `json:"uid"`
	ParentUID        string     `json:"parentUid,omitempty"`
	VolumeID         string     `json:"volumeId"`
	Hash             string     `json:"hash,omitempty"`
	Type             NodeType   `json:"type"`
	MediaType        string     `json:"mediaType,omitempty"`
	CreationTime     time.Time  `json:"creationTime"`
	TrashTime        *time.Time `json:"trashTime,omitempty"`
	TotalStorageSize *int64     `json:"totalStorageSize,omitempty"`
	ShareID          string     `json:"shareId,omitempty"`
	IsShared         bool       `json:"isShared"`
	DirectMemberRole MemberRole `json:"directMemberRole,omitempty"`

	// Decrypted extras. Name and authorship keep the claimed value when
	// decryption or signature verification failed.
	Name       Result[string] `json:"name"`
	KeyAuthor  Result[string] `json:"keyAuthor"`
	NameAuthor Result[string] `json:"nameAuthor"`

	ActiveRevision *Revision     `json:"activeRevision,omitempty"`
	Folder         *FolderExtras `json:"folder,omitempty"`

	// IsStale is true when events indicate the cached copy is out of date.
	IsStale bool `json:"isStale"`
}

// IsRoot reports whether the node is a volume root (no parent).
func (n *Node) IsRoot() bool { return n.ParentUID == "" }

// IsTrashed reports whether the node currently sits in the trash.
func (n *Node) IsTrashed() bool { return n.TrashTime != nil }

// DecryptedName returns the node name or an InvalidNameError carrying the
// claimed value.
func (n *Node) DecryptedName() (string, error) {
	if v, ok := n.Name.Get(); ok {
		return v, nil
	}
	return "", &InvalidNameError{Claimed: n.Name.Claimed, Reason: n.Name.Reason}
}

// VerifiedKeyAuthor returns the key signature author or a VerificationError
// carrying the claimed author.
func (n *Node) VerifiedKeyAuthor() (string, error) {
	if v, ok := n.KeyAuthor.Get(); ok {
		return v, nil
	}
	return "", &VerificationError{ClaimedAuthor: n.KeyAuthor.Claimed, Reason: n.KeyAuthor.Reason}
}

// VerifiedNameAuthor returns the name signature author or a VerificationError.
func (n *Node) VerifiedNameAuthor() (string, error) {
	if v, ok := n.NameAuthor.Get(); ok {
		return v, nil
	}
	return "", &VerificationError{ClaimedAuthor: n.NameAuthor.Claimed, Reason: n.NameAuthor.Reason}
}

// NodeKeys is the decrypted key material of one node. It is stored only in
// the crypto cache, never alongside node metadata.
type NodeKeys struct {
	UID                        string `json:"uid"`
	Passphrase                 string `json:"passphrase"`
	PrivateKey                 string `json:"privateKey"`
	PassphraseSessionKey       string `json:"passphraseSessionKey"`
	ContentKeyPacketSessionKey string `json:"contentKeyPacketSessionKey,omitempty"`
	HashKey                    string `json:"hashKey,omitempty"`
}
