package api

import (
	"context"
	"fmt"

	"github.com/cloudrive/drivesdk"
)

// CreateDraftRequest carries a new draft node's encrypted payload.
type CreateDraftRequest struct {
	ParentUID                 string `json:"parentUid"`
	EncryptedName             string `json:"encryptedName"`
	Hash                      string `json:"hash"`
	ArmoredKey                string `json:"armoredKey"`
	EncryptedPassphrase       string `json:"encryptedPassphrase"`
	PassphraseSignature       string `json:"passphraseSignature"`
	ContentKeyPacket          string `json:"contentKeyPacket"`
	ContentKeyPacketSignature string `json:"contentKeyPacketSignature,omitempty"`
	SignatureEmail            string `json:"signatureEmail"`
	MediaType                 string `json:"mediaType,omitempty"`
	// ClientUID is the stable client identifier used to recognize this
	// client's own abandoned drafts on conflict. Optional.
	ClientUID string `json:"clientUid,omitempty"`
}

type createDraftResponse struct {
	Code        int    `json:"code"`
	Message     string `json:"message,omitempty"`
	UID         string `json:"uid"`
	RevisionUID string `json:"revisionUid"`

	// Conflict details accompany an ALREADY_EXISTS code.
	ConflictingNodeUID   string `json:"conflictingNodeUid,omitempty"`
	ConflictingIsDraft   bool   `json:"conflictingIsDraft,omitempty"`
	ConflictingClientUID string `json:"conflictingClientUid,omitempty"`
}

// DraftConflictError decorates NodeAlreadyExistsError with the conflicting
// draft's client uid so the uploader can detect its own abandoned drafts.
type DraftConflictError struct {
	drivesdk.NodeAlreadyExistsError
	ConflictingClientUID string
}

// Unwrap exposes the embedded conflict so errors.As matching on
// *drivesdk.NodeAlreadyExistsError (and the error classifier) sees it.
func (e *DraftConflictError) Unwrap() error {
	return &e.NodeAlreadyExistsError
}

// CreateDraft creates a draft node under the parent and returns its node and
// revision uids. An ALREADY_EXISTS response surfaces as DraftConflictError.
func (c *Client) CreateDraft(ctx context.Context, req CreateDraftRequest) (nodeUID string, revisionUID string, err error) {
	volumeID, _, err := volumePath(req.ParentUID)
	if err != nil {
		return "", "", err
	}
	var resp createDraftResponse
	if err := c.transport.Post(ctx, fmt.Sprintf("/volumes/%s/drafts", volumeID), req, &resp); err != nil {
		return "", "", err
	}
	if resp.Code == ResponseCodeAlreadyExists {
		return "", "", &DraftConflictError{
			NodeAlreadyExistsError: drivesdk.NodeAlreadyExistsError{
				ValidationError:  drivesdk.ValidationError{Code: resp.Code, Details: resp.Message},
				ExistingNodeUID:  resp.ConflictingNodeUID,
				HasDraftConflict: resp.ConflictingIsDraft,
			},
			ConflictingClientUID: resp.ConflictingClientUID,
		}
	}
	if err := codeError(resp.Code, resp.Message, resp.ConflictingNodeUID); err != nil {
		return "", "", err
	}
	return resp.UID, resp.RevisionUID, nil
}

// DeleteDraft removes an uncommitted draft node.
func (c *Client) DeleteDraft(ctx context.Context, uid string) error {
	volumeID, nodeID, err := volumePath(uid)
	if err != nil {
		return err
	}
	var resp struct {
		Code    int    `json:"code"`
		Message string `json:"message,omitempty"`
	}
	if err := c.transport.Delete(ctx, fmt.Sprintf("/volumes/%s/drafts/%s", volumeID, nodeID), nil, &resp); err != nil {
		return err
	}
	return codeError(resp.Code, resp.Message, "")
}

// CreateDraftRevisionRequest points a new draft revision at the revision it
// supersedes.
type CreateDraftRevisionRequest struct {
	CurrentRevisionUID string `json:"currentRevisionUid"`
	ClientUID          string `json:"clientUid,omitempty"`
}

type createDraftRevisionResponse struct {
	Code        int    `json:"code"`
	Message     string `json:"message,omitempty"`
	RevisionUID string `json:"revisionUid"`
}

// CreateDraftRevision creates a draft revision on an existing file node.
func (c *Client) CreateDraftRevision(ctx context.Context, uid string, req CreateDraftRevisionRequest) (string, error) {
	volumeID, nodeID, err := volumePath(uid)
	if err != nil {
		return "", err
	}
	var resp createDraftRevisionResponse
	if err := c.transport.Post(ctx, fmt.Sprintf("/volumes/%s/nodes/%s/revisions", volumeID, nodeID), req, &resp); err != nil {
		return "", err
	}
	if err := codeError(resp.Code, resp.Message, ""); err != nil {
		return "", err
	}
	return resp.RevisionUID, nil
}

// VerificationData is the per-revision material for block verification.
type VerificationData struct {
	VerificationCode       []byte `json:"verificationCode"`
	Base64ContentKeyPacket string `json:"base64ContentKeyPacket"`
}

type verificationDataResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	VerificationData
}

// GetVerificationData fetches the verification code and content key packet of
// a draft revision. Fetched once per revision by the block verifier.
func (c *Client) GetVerificationData(ctx context.Context, revisionUID string) (*VerificationData, error) {
	volumeID, nodeID, revisionID, err := drivesdk.SplitRevisionUID(revisionUID)
	if err != nil {
		return nil, err
	}
	var resp verificationDataResponse
	if err := c.transport.Get(ctx, fmt.Sprintf("/volumes/%s/nodes/%s/revisions/%s/verification", volumeID, nodeID, revisionID), &resp); err != nil {
		return nil, err
	}
	if err := codeError(resp.Code, resp.Message, ""); err != nil {
		return nil, err
	}
	return &resp.VerificationData, nil
}

// BlockUploadInfo describes one content block in a token request.
type BlockUploadInfo struct {
	Index             int    `json:"index"`
	Size              int    `json:"size"`
	EncSignature      string `json:"encSignature,omitempty"`
	Hash              string `json:"hash"`
	VerificationToken string `json:"verificationToken"`
}

// ThumbnailUploadInfo describes one thumbnail in a token request.
type ThumbnailUploadInfo struct {
	Type int    `json:"type"`
	Size int    `json:"size"`
	Hash string `json:"hash"`
}

// BlockUploadRequest asks for upload tokens for a batch of blocks and
// thumbnails in one round trip.
type BlockUploadRequest struct {
	Blocks     []BlockUploadInfo     `json:"blocks"`
	Thumbnails []ThumbnailUploadInfo `json:"thumbnails,omitempty"`
}

// BlockToken is one issued upload token.
type BlockToken struct {
	Index     int    `json:"index"`
	Token     string `json:"token"`
	UploadURL string `json:"uploadUrl"`
}

// BlockUploadTokens is the token response; thumbnail tokens are keyed by
// thumbnail type.
type BlockUploadTokens struct {
	Blocks     []BlockToken `json:"blocks"`
	Thumbnails []BlockToken `json:"thumbnails,omitempty"`
}

type blockUploadResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	BlockUploadTokens
}

// RequestBlockUpload requests upload tokens for the given blocks (and any
// thumbnails) of a draft revision.
func (c *Client) RequestBlockUpload(ctx context.Context, revisionUID string, req BlockUploadRequest) (*BlockUploadTokens, error) {
	volumeID, nodeID, revisionID, err := drivesdk.SplitRevisionUID(revisionUID)
	if err != nil {
		return nil, err
	}
	var resp blockUploadResponse
	if err := c.transport.Post(ctx, fmt.Sprintf("/volumes/%s/nodes/%s/revisions/%s/blocks", volumeID, nodeID, revisionID), req, &resp); err != nil {
		return nil, err
	}
	if err := codeError(resp.Code, resp.Message, ""); err != nil {
		return nil, err
	}
	return &resp.BlockUploadTokens, nil
}

// CommitDraftRequest finishes an upload: the signed SHA-1 manifest over the
// uploaded blocks plus encrypted extended attributes.
type CommitDraftRequest struct {
	ManifestSignature string `json:"manifestSignature"`
	SignatureEmail    string `json:"signatureEmail"`
	XAttr             string `json:"xAttr,omitempty"`
}

// CommitDraft commits a draft revision, making it the active revision.
func (c *Client) CommitDraft(ctx context.Context, revisionUID string, req CommitDraftRequest) error {
	volumeID, nodeID, revisionID, err := drivesdk.SplitRevisionUID(revisionUID)
	if err != nil {
		return err
	}
	var resp struct {
		Code    int    `json:"code"`
		Message string `json:"message,omitempty"`
	}
	if err := c.transport.Put(ctx, fmt.Sprintf("/volumes/%s/nodes/%s/revisions/%s", volumeID, nodeID, revisionID), req, &resp); err != nil {
		return err
	}
	return codeError(resp.Code, resp.Message, "")
}
