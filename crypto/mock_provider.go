package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudrive/drivesdk"
)

// MockProvider is a deterministic, reversible Provider for tests. Names are
// wrapped as "enc(<name>)", passphrases as "wrap(<parent>|<passphrase>)" and
// blocks carry a fixed prefix so corruption is detectable. Individual methods
// can be scripted to fail via Fail.
type MockProvider struct {
	mu sync.Mutex

	// Fail maps a method name ("DecryptName", "EncryptBlock", ...) to the
	// error its next call returns.
	Fail map[string]error

	// KeyVerification and NameVerification, when set, override the default
	// valid outcome of the decrypt methods.
	KeyVerification  *Verification
	NameVerification *Verification
}

const blockPrefix = "BLK1"

// NewMockProvider creates the mock.
func NewMockProvider() *MockProvider {
	return &MockProvider{Fail: make(map[string]error)}
}

func (m *MockProvider) fail(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.Fail[method]; ok {
		delete(m.Fail, method)
		return err
	}
	return nil
}

func (m *MockProvider) verification(override *Verification, email string) Verification {
	if override != nil {
		return *override
	}
	if email == "" {
		return Verification{Status: NotSigned, Reason: "no signature"}
	}
	return Verification{Status: SignedAndValid, ClaimedAuthor: email}
}

func (m *MockProvider) DecryptNodeKeys(_ context.Context, envelope NodeEnvelope, parentKeys *drivesdk.NodeKeys) (*drivesdk.NodeKeys, Verification, error) {
	if err := m.fail("DecryptNodeKeys"); err != nil {
		return nil, Verification{}, err
	}
	parent := ""
	if parentKeys != nil {
		parent = parentKeys.Passphrase
	}
	inner, ok := strings.CutPrefix(envelope.EncryptedPassphrase, "wrap("+parent+"|")
	if !ok || !strings.HasSuffix(inner, ")") {
		return nil, Verification{}, &drivesdk.DecryptionError{
			UID: envelope.UID,
			Err: fmt.Errorf("passphrase not wrapped with expected parent keys"),
		}
	}
	keys := &drivesdk.NodeKeys{
		UID:                  envelope.UID,
		Passphrase:           strings.TrimSuffix(inner, ")"),
		PrivateKey:           envelope.ArmoredKey,
		PassphraseSessionKey: "sk:" + envelope.UID,
	}
	if envelope.ContentKeyPacket != "" {
		keys.ContentKeyPacketSessionKey = "ck:" + envelope.ContentKeyPacket
	}
	if envelope.EncryptedHashKey != "" {
		keys.HashKey = strings.TrimPrefix(envelope.EncryptedHashKey, "enc(")
		keys.HashKey = strings.TrimSuffix(keys.HashKey, ")")
	}
	return keys, m.verification(m.KeyVerification, envelope.SignatureEmail), nil
}

func (m *MockProvider) DecryptName(_ context.Context, envelope NodeEnvelope, _ *drivesdk.NodeKeys) (string, Verification, error) {
	if err := m.fail("DecryptName"); err != nil {
		return "", Verification{}, err
	}
	inner, ok := strings.CutPrefix(envelope.EncryptedName, "enc(")
	if !ok || !strings.HasSuffix(inner, ")") {
		return "", Verification{}, &drivesdk.DecryptionError{
			UID: envelope.UID,
			Err: fmt.Errorf("name is not in the mock ciphertext form"),
		}
	}
	return strings.TrimSuffix(inner, ")"), m.verification(m.NameVerification, envelope.NameSignatureEmail), nil
}

func (m *MockProvider) GenerateNodeKeys(_ context.Context, uid string, parentKeys *drivesdk.NodeKeys, signatureEmail string) (*drivesdk.NodeKeys, *EncryptedNodeKeys, error) {
	if err := m.fail("GenerateNodeKeys"); err != nil {
		return nil, nil, err
	}
	parent := ""
	if parentKeys != nil {
		parent = parentKeys.Passphrase
	}
	keys := &drivesdk.NodeKeys{
		UID:                        uid,
		Passphrase:                 "pp:" + uid,
		PrivateKey:                 "pk:" + uid,
		PassphraseSessionKey:       "sk:" + uid,
		ContentKeyPacketSessionKey: "cks:" + uid,
	}
	enc := &EncryptedNodeKeys{
		ArmoredKey:                keys.PrivateKey,
		EncryptedPassphrase:       "wrap(" + parent + "|" + keys.Passphrase + ")",
		PassphraseSignature:       "sig(" + signatureEmail + ")",
		ContentKeyPacket:          "ckp(" + uid + ")",
		ContentKeyPacketSignature: "sig(" + signatureEmail + ")",
	}
	return keys, enc, nil
}

func (m *MockProvider) GenerateHashKey(_ context.Context, keys *drivesdk.NodeKeys) (string, string, error) {
	if err := m.fail("GenerateHashKey"); err != nil {
		return "", "", err
	}
	hashKey := "hk:" + keys.UID
	return hashKey, "enc(" + hashKey + ")", nil
}

func (m *MockProvider) EncryptName(_ context.Context, name string, _ *drivesdk.NodeKeys, _ string) (string, error) {
	if err := m.fail("EncryptName"); err != nil {
		return "", err
	}
	return "enc(" + name + ")", nil
}

func (m *MockProvider) HashName(_ context.Context, name string, parentHashKey string) (string, error) {
	if err := m.fail("HashName"); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(parentHashKey + ":" + name))
	return hex.EncodeToString(sum[:]), nil
}

func (m *MockProvider) RewrapPassphrase(_ context.Context, keys *drivesdk.NodeKeys, newParentKeys *drivesdk.NodeKeys, signatureEmail string) (string, string, error) {
	if err := m.fail("RewrapPassphrase"); err != nil {
		return "", "", err
	}
	parent := ""
	if newParentKeys != nil {
		parent = newParentKeys.Passphrase
	}
	return "wrap(" + parent + "|" + keys.Passphrase + ")", "sig(" + signatureEmail + ")", nil
}

func (m *MockProvider) EncryptBlock(_ context.Context, data []byte, keys *drivesdk.NodeKeys, signatureEmail string) ([]byte, string, error) {
	if err := m.fail("EncryptBlock"); err != nil {
		return nil, "", err
	}
	out := make([]byte, 0, len(blockPrefix)+len(data))
	out = append(out, blockPrefix...)
	out = append(out, data...)
	return out, "sig(" + signatureEmail + ")", nil
}

func (m *MockProvider) DecryptBlock(_ context.Context, encrypted []byte, base64ContentKeyPacket string) ([]byte, error) {
	if err := m.fail("DecryptBlock"); err != nil {
		return nil, err
	}
	if base64ContentKeyPacket == "" {
		return nil, &drivesdk.DecryptionError{Err: fmt.Errorf("missing content key packet")}
	}
	if len(encrypted) < len(blockPrefix) || string(encrypted[:len(blockPrefix)]) != blockPrefix {
		return nil, &drivesdk.IntegrityError{Debug: "block prefix mismatch"}
	}
	return encrypted[len(blockPrefix):], nil
}

func (m *MockProvider) SignManifest(_ context.Context, manifest []byte, signatureEmail string) (string, error) {
	if err := m.fail("SignManifest"); err != nil {
		return "", err
	}
	sum := sha256.Sum256(manifest)
	return "sig(" + signatureEmail + ":" + hex.EncodeToString(sum[:8]) + ")", nil
}

func (m *MockProvider) EncryptExtendedAttributes(_ context.Context, xattr []byte, _ *drivesdk.NodeKeys, _ string) (string, error) {
	if err := m.fail("EncryptExtendedAttributes"); err != nil {
		return "", err
	}
	return "enc(" + string(xattr) + ")", nil
}
