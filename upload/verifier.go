package upload

import (
	"context"
	"errors"
	"sync"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/api"
	"github.com/cloudrive/drivesdk/crypto"
)

// VerificationAPI fetches the per-revision verification material.
type VerificationAPI interface {
	GetVerificationData(ctx context.Context, revisionUID string) (*api.VerificationData, error)
}

// BlockVerifier produces verification tokens for encrypted blocks of one
// draft revision. The revision's verification data is fetched once, on the
// first block, and reused for the rest.
type BlockVerifier struct {
	api         VerificationAPI
	crypto      crypto.Provider
	telemetry   drivesdk.Telemetry
	revisionUID string

	mu   sync.Mutex
	data *api.VerificationData
}

// NewBlockVerifier creates a verifier bound to one draft revision.
func NewBlockVerifier(verificationAPI VerificationAPI, provider crypto.Provider, telemetry drivesdk.Telemetry, revisionUID string) *BlockVerifier {
	if telemetry == nil {
		telemetry = drivesdk.NopTelemetry{}
	}
	return &BlockVerifier{
		api:         verificationAPI,
		crypto:      provider,
		telemetry:   telemetry,
		revisionUID: revisionUID,
	}
}

func (v *BlockVerifier) verificationData(ctx context.Context) (*api.VerificationData, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.data != nil {
		return v.data, nil
	}
	data, err := v.api.GetVerificationData(ctx, v.revisionUID)
	if err != nil {
		return nil, err
	}
	v.data = data
	return data, nil
}

// VerifyBlock checks the encrypted block still decrypts (catching bit-flip
// corruption before upload) and derives the verification token the server
// uses for its own integrity check.
func (v *BlockVerifier) VerifyBlock(ctx context.Context, encryptedBlock []byte) ([]byte, error) {
	data, err := v.verificationData(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := v.crypto.DecryptBlock(ctx, encryptedBlock, data.Base64ContentKeyPacket); err != nil {
		v.telemetry.LogEvent(ctx, drivesdk.TelemetryRecord{
			Name: drivesdk.MetricBlockVerificationError,
			Values: map[string]any{
				"revisionUid": v.revisionUID,
				"error":       err.Error(),
			},
		})
		var integrity *drivesdk.IntegrityError
		if errors.As(err, &integrity) {
			return nil, err
		}
		return nil, &drivesdk.IntegrityError{Debug: "block failed decryption check: " + err.Error()}
	}
	return verificationToken(data.VerificationCode, encryptedBlock), nil
}

// verificationToken XORs the verification code with the block, zero-padding
// the block when it is shorter. The token length equals the code length.
func verificationToken(code []byte, block []byte) []byte {
	token := make([]byte, len(code))
	for i := range code {
		var b byte
		if i < len(block) {
			b = block[i]
		}
		token[i] = code[i] ^ b
	}
	return token
}
