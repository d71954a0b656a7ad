// Package crypto declares the cryptography contract the synchronization core
// consumes. Key derivation, name/block encryption and signature verification
// are external collaborators; the core only routes their inputs and outputs.
// A deterministic mock implementation for tests lives in mock_provider.go.
package crypto

import (
	"context"

	"github.com/cloudrive/drivesdk"
)

// VerificationStatus is the outcome of a signature check.
type VerificationStatus int

const (
	SignedAndValid VerificationStatus = iota
	SignedAndInvalid
	NotSigned
)

// Verification carries a signature check outcome plus the claimed author so
// non-valid statuses can round-trip to callers.
type Verification struct {
	Status        VerificationStatus
	ClaimedAuthor string
	Reason        string
}

// Result converts the verification into the Result form stored on nodes.
func (v Verification) Result() drivesdk.Result[string] {
	if v.Status == SignedAndValid {
		return drivesdk.Ok(v.ClaimedAuthor)
	}
	return drivesdk.Failed(v.ClaimedAuthor, v.Reason)
}

// NodeEnvelope is the encrypted material of one node as the API returns it.
type NodeEnvelope struct {
	UID                 string
	EncryptedName       string
	ArmoredKey          string
	EncryptedPassphrase string
	PassphraseSignature string
	ContentKeyPacket    string
	EncryptedHashKey    string
	SignatureEmail      string
	NameSignatureEmail  string
}

// EncryptedNodeKeys is freshly generated key material in its wire form.
type EncryptedNodeKeys struct {
	ArmoredKey                string
	EncryptedPassphrase       string
	PassphraseSignature       string
	ContentKeyPacket          string
	ContentKeyPacketSignature string
	EncryptedHashKey          string
}

// Provider is the injected cryptography collaborator.
type Provider interface {
	// DecryptNodeKeys unwraps a node's key material with its parent keys
	// and verifies the key signature.
	DecryptNodeKeys(ctx context.Context, envelope NodeEnvelope, parentKeys *drivesdk.NodeKeys) (*drivesdk.NodeKeys, Verification, error)

	// DecryptName decrypts a node name with the parent keys and verifies
	// the name signature.
	DecryptName(ctx context.Context, envelope NodeEnvelope, parentKeys *drivesdk.NodeKeys) (string, Verification, error)

	// GenerateNodeKeys mints key material for a new node, wrapped with the
	// parent keys and signed by the given email.
	GenerateNodeKeys(ctx context.Context, uid string, parentKeys *drivesdk.NodeKeys, signatureEmail string) (*drivesdk.NodeKeys, *EncryptedNodeKeys, error)

	// GenerateHashKey mints a folder hash key for the node.
	GenerateHashKey(ctx context.Context, keys *drivesdk.NodeKeys) (hashKey string, encryptedHashKey string, err error)

	// EncryptName encrypts and signs a node name with the parent keys.
	EncryptName(ctx context.Context, name string, parentKeys *drivesdk.NodeKeys, signatureEmail string) (string, error)

	// HashName computes the lookup hash of a name under the parent's hash
	// key.
	HashName(ctx context.Context, name string, parentHashKey string) (string, error)

	// RewrapPassphrase re-encrypts a node's passphrase for a new parent,
	// used by move.
	RewrapPassphrase(ctx context.Context, keys *drivesdk.NodeKeys, newParentKeys *drivesdk.NodeKeys, signatureEmail string) (encryptedPassphrase string, passphraseSignature string, err error)

	// EncryptBlock encrypts one content block with the node's content
	// session key, returning the ciphertext and its encrypted signature.
	EncryptBlock(ctx context.Context, data []byte, keys *drivesdk.NodeKeys, signatureEmail string) ([]byte, string, error)

	// DecryptBlock decrypts a block given a base64 content key packet.
	// Corrupted input fails with an IntegrityError.
	DecryptBlock(ctx context.Context, encrypted []byte, base64ContentKeyPacket string) ([]byte, error)

	// SignManifest signs the SHA-1 manifest of an upload.
	SignManifest(ctx context.Context, manifest []byte, signatureEmail string) (string, error)

	// EncryptExtendedAttributes encrypts the extended-attributes document
	// of a revision.
	EncryptExtendedAttributes(ctx context.Context, xattr []byte, keys *drivesdk.NodeKeys, signatureEmail string) (string, error)
}
