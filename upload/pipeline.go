package upload

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	log "log/slog"
	"time"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/api"
	"github.com/cloudrive/drivesdk/async"
	"github.com/cloudrive/drivesdk/crypto"
	"github.com/cloudrive/drivesdk/encoding"
	"github.com/cloudrive/drivesdk/shares"
)

// FileChunkSize is the plaintext block size files are split into.
const FileChunkSize = 4 * 1024 * 1024

// BlockAPI is the api client surface the pipeline consumes on top of the
// draft manager's.
type BlockAPI interface {
	VerificationAPI
	RequestBlockUpload(ctx context.Context, revisionUID string, req api.BlockUploadRequest) (*api.BlockUploadTokens, error)
}

// BlockUploader ships one encrypted block to block storage. Implementations
// include the direct HTTP uploader and the S3 backend in blobstore.
type BlockUploader interface {
	UploadBlock(ctx context.Context, token api.BlockToken, data []byte) error
}

// Thumbnail is one thumbnail payload attached to an upload.
type Thumbnail struct {
	Type int
	Data []byte
}

// FileMetadata describes the content being uploaded. ExpectedSize, when set,
// arms the finish integrity checks (block count and size sum).
type FileMetadata struct {
	MediaType        string
	ExpectedSize     *int64
	ModificationTime *time.Time
	Thumbnails       []Thumbnail
}

// xattrCommon is the extended-attributes document committed with a revision.
type xattrCommon struct {
	Common struct {
		ModificationTime *time.Time `json:"ModificationTime,omitempty"`
		Size             int64      `json:"Size"`
		BlockSizes       []int      `json:"BlockSizes"`
	} `json:"Common"`
}

// FileUploader runs the chunked upload pipeline: encrypt each 4 MiB block,
// verify it, request all upload tokens in one round trip, ship blocks with
// bounded concurrency (one-off retry, token re-request on expiry) and commit
// a SHA-1 manifest.
type FileUploader struct {
	manager   *Manager
	api       BlockAPI
	blocks    BlockUploader
	crypto    crypto.Provider
	shares    shares.Service
	telemetry drivesdk.Telemetry
	// controller, when set, lets callers pause and resume block shipping.
	controller *async.Controller
}

// NewFileUploader wires the pipeline. controller may be nil.
func NewFileUploader(manager *Manager, blockAPI BlockAPI, blocks BlockUploader, provider crypto.Provider, sharing shares.Service, telemetry drivesdk.Telemetry, controller *async.Controller) *FileUploader {
	if telemetry == nil {
		telemetry = drivesdk.NopTelemetry{}
	}
	return &FileUploader{
		manager:    manager,
		api:        blockAPI,
		blocks:     blocks,
		crypto:     provider,
		shares:     sharing,
		telemetry:  telemetry,
		controller: controller,
	}
}

// UploadFile uploads new file content under the parent folder, creating and
// committing a draft node. The draft is deleted when staging fails; a failed
// commit leaves it in place for later adoption via the own-draft conflict
// path.
func (u *FileUploader) UploadFile(ctx context.Context, parentUID string, name string, content io.Reader, meta FileMetadata, opts DraftOptions) (*drivesdk.Node, error) {
	opts.MediaType = meta.MediaType
	draft, err := u.manager.CreateDraftNode(ctx, parentUID, name, opts)
	if err != nil {
		return nil, err
	}
	return u.uploadToDraft(ctx, draft, content, meta)
}

// UploadFileRevision uploads replacement content for an existing file as a
// new revision. The draft revision is deleted when staging fails.
func (u *FileUploader) UploadFileRevision(ctx context.Context, uid string, content io.Reader, meta FileMetadata) (*drivesdk.Node, error) {
	draft, err := u.manager.CreateDraftRevision(ctx, uid)
	if err != nil {
		return nil, err
	}
	return u.uploadToDraft(ctx, draft, content, meta)
}

func (u *FileUploader) cleanupDraft(ctx context.Context, draft *Draft) {
	if err := u.manager.DeleteDraft(ctx, draft); err != nil {
		log.Warn("failed cleaning up draft after upload failure", "uid", draft.NodeUID, "error", err.Error())
	}
}

type blockJob struct {
	// index is 1-based for content blocks; thumbnails use their type and
	// isThumbnail set.
	index        int
	isThumbnail  bool
	data         []byte
	originalSize int
	digest       []byte
	info         api.BlockUploadInfo
	thumbInfo    api.ThumbnailUploadInfo
	token        api.BlockToken
}

// signingEmail picks the address that signs blocks: the caller's own address
// in their volume, the share member address elsewhere.
func (u *FileUploader) signingEmail(ctx context.Context, draft *Draft) (string, error) {
	volumeID, _, err := drivesdk.SplitNodeUID(draft.NodeUID)
	if err != nil {
		return "", err
	}
	own, err := u.shares.IsOwnVolume(ctx, volumeID)
	if err != nil {
		return "", err
	}
	if own || draft.ParentUID == "" {
		return u.shares.GetMyFilesShareMemberEmailKey(ctx)
	}
	parent, err := u.manager.access.GetNode(ctx, draft.ParentUID)
	if err != nil {
		return "", err
	}
	if parent.ShareID != "" {
		return u.shares.GetContextShareMemberEmailKey(ctx, parent.ShareID)
	}
	return u.shares.GetMyFilesShareMemberEmailKey(ctx)
}

func (u *FileUploader) uploadToDraft(ctx context.Context, draft *Draft, content io.Reader, meta FileMetadata) (*drivesdk.Node, error) {
	manifest, xattr, totalSize, blocks, err := u.stageBlocks(ctx, draft, content, meta)
	if err != nil {
		u.cleanupDraft(ctx, draft)
		return nil, err
	}
	// From here on the revision may already be committed server-side, so the
	// draft is never deleted on failure.
	n, err := u.manager.CommitDraft(ctx, draft, manifest, xattr)
	if err != nil {
		return nil, err
	}
	u.telemetry.LogEvent(ctx, drivesdk.TelemetryRecord{
		Name: drivesdk.MetricUpload,
		Values: map[string]any{
			"uid":    draft.NodeUID,
			"size":   totalSize,
			"blocks": blocks,
		},
	})
	return n, nil
}

// stageBlocks runs everything up to the commit: chunking, encryption,
// verification, token requests and block shipping. It returns the manifest
// and extended attributes for the commit.
func (u *FileUploader) stageBlocks(ctx context.Context, draft *Draft, content io.Reader, meta FileMetadata) (manifest []byte, xattr []byte, totalSize int64, blocks int, err error) {
	email, err := u.signingEmail(ctx, draft)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	verifier := NewBlockVerifier(u.api, u.crypto, u.telemetry, draft.RevisionUID)

	jobs, totalSize, err := u.prepareBlocks(ctx, draft, verifier, content, email)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	if err := checkFinishedRead(len(jobs), totalSize, meta.ExpectedSize); err != nil {
		return nil, nil, 0, 0, err
	}

	thumbJobs, err := u.prepareThumbnails(ctx, draft, meta.Thumbnails, email)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	all := append(jobs, thumbJobs...)

	if len(all) > 0 {
		if err := u.requestTokens(ctx, draft.RevisionUID, all); err != nil {
			return nil, nil, 0, 0, err
		}
		if err := async.ForEach(ctx, all, async.DefaultConcurrency, func(ctx context.Context, job *blockJob) error {
			return u.shipBlock(ctx, draft.RevisionUID, job)
		}); err != nil {
			return nil, nil, 0, 0, err
		}
	}

	xattr, err = buildXAttr(totalSize, jobs, meta.ModificationTime)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	return buildManifest(all), xattr, totalSize, len(jobs), nil
}

// prepareBlocks chunks the stream, encrypting and verifying each block.
func (u *FileUploader) prepareBlocks(ctx context.Context, draft *Draft, verifier *BlockVerifier, content io.Reader, email string) ([]*blockJob, int64, error) {
	var jobs []*blockJob
	var totalSize int64
	buf := make([]byte, FileChunkSize)
	for index := 1; ; index++ {
		read, rerr := io.ReadFull(content, buf)
		if read > 0 {
			if err := u.pause(ctx); err != nil {
				return nil, 0, err
			}
			chunk := make([]byte, read)
			copy(chunk, buf[:read])
			encrypted, encSignature, err := u.crypto.EncryptBlock(ctx, chunk, draft.Keys, email)
			if err != nil {
				return nil, 0, err
			}
			token, err := verifier.VerifyBlock(ctx, encrypted)
			if err != nil {
				return nil, 0, err
			}
			digest := sha1.Sum(encrypted)
			jobs = append(jobs, &blockJob{
				index:        index,
				data:         encrypted,
				originalSize: read,
				digest:       digest[:],
				info: api.BlockUploadInfo{
					Index:             index,
					Size:              len(encrypted),
					EncSignature:      encSignature,
					Hash:              hex.EncodeToString(digest[:]),
					VerificationToken: base64.StdEncoding.EncodeToString(token),
				},
			})
			totalSize += int64(read)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				return jobs, totalSize, nil
			}
			return nil, 0, rerr
		}
	}
}

func (u *FileUploader) prepareThumbnails(ctx context.Context, draft *Draft, thumbnails []Thumbnail, email string) ([]*blockJob, error) {
	var jobs []*blockJob
	for _, t := range thumbnails {
		encrypted, _, err := u.crypto.EncryptBlock(ctx, t.Data, draft.Keys, email)
		if err != nil {
			return nil, err
		}
		digest := sha1.Sum(encrypted)
		jobs = append(jobs, &blockJob{
			index:       t.Type,
			isThumbnail: true,
			data:        encrypted,
			digest:      digest[:],
			thumbInfo: api.ThumbnailUploadInfo{
				Type: t.Type,
				Size: len(encrypted),
				Hash: hex.EncodeToString(digest[:]),
			},
		})
	}
	return jobs, nil
}

// checkFinishedRead enforces the finish invariants against the claimed size.
func checkFinishedRead(blockCount int, totalSize int64, expectedSize *int64) error {
	if expectedSize == nil {
		return nil
	}
	expected := *expectedSize
	if totalSize != expected {
		return &drivesdk.IntegrityError{Debug: "uploaded size does not match expected size"}
	}
	wantBlocks := int((expected + FileChunkSize - 1) / FileChunkSize)
	if blockCount != wantBlocks {
		return &drivesdk.IntegrityError{Debug: "block count does not match expected size"}
	}
	return nil
}

// requestTokens obtains the upload tokens for every block and thumbnail in a
// single round trip.
func (u *FileUploader) requestTokens(ctx context.Context, revisionUID string, jobs []*blockJob) error {
	req := api.BlockUploadRequest{}
	for _, job := range jobs {
		if job.isThumbnail {
			req.Thumbnails = append(req.Thumbnails, job.thumbInfo)
		} else {
			req.Blocks = append(req.Blocks, job.info)
		}
	}
	tokens, err := u.api.RequestBlockUpload(ctx, revisionUID, req)
	if err != nil {
		return err
	}
	byIndex := make(map[int]api.BlockToken, len(tokens.Blocks))
	for _, t := range tokens.Blocks {
		byIndex[t.Index] = t
	}
	byType := make(map[int]api.BlockToken, len(tokens.Thumbnails))
	for _, t := range tokens.Thumbnails {
		byType[t.Index] = t
	}
	for _, job := range jobs {
		var (
			token api.BlockToken
			ok    bool
		)
		if job.isThumbnail {
			token, ok = byType[job.index]
		} else {
			token, ok = byIndex[job.index]
		}
		if !ok {
			return &drivesdk.ServerError{Message: "missing upload token for block"}
		}
		job.token = token
	}
	return nil
}

// shipBlock uploads one block with a single retry. An expired or unknown
// token (not-found) is re-requested before the retry.
func (u *FileUploader) shipBlock(ctx context.Context, revisionUID string, job *blockJob) error {
	if err := u.pause(ctx); err != nil {
		return err
	}
	err := u.blocks.UploadBlock(ctx, job.token, job.data)
	if err == nil {
		return nil
	}
	if isTokenExpired(err) {
		if rerr := u.refreshToken(ctx, revisionUID, job); rerr != nil {
			return rerr
		}
	} else if !drivesdk.ShouldRetry(err) {
		return err
	}
	return u.blocks.UploadBlock(ctx, job.token, job.data)
}

func isTokenExpired(err error) bool {
	if drivesdk.ClassifyError(err) == drivesdk.CodeNotFound {
		return true
	}
	var apiErr *drivesdk.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// refreshToken re-requests the token for a single block.
func (u *FileUploader) refreshToken(ctx context.Context, revisionUID string, job *blockJob) error {
	req := api.BlockUploadRequest{}
	if job.isThumbnail {
		req.Thumbnails = []api.ThumbnailUploadInfo{job.thumbInfo}
	} else {
		req.Blocks = []api.BlockUploadInfo{job.info}
	}
	tokens, err := u.api.RequestBlockUpload(ctx, revisionUID, req)
	if err != nil {
		return err
	}
	if job.isThumbnail {
		if len(tokens.Thumbnails) == 0 {
			return &drivesdk.ServerError{Message: "missing refreshed thumbnail token"}
		}
		job.token = tokens.Thumbnails[0]
		return nil
	}
	if len(tokens.Blocks) == 0 {
		return &drivesdk.ServerError{Message: "missing refreshed block token"}
	}
	job.token = tokens.Blocks[0]
	return nil
}

func (u *FileUploader) pause(ctx context.Context) error {
	if u.controller == nil {
		if err := ctx.Err(); err != nil {
			return &drivesdk.AbortError{Err: err}
		}
		return nil
	}
	return u.controller.Wait(ctx)
}

// buildManifest concatenates the SHA-1 digests of every uploaded block,
// content blocks in index order first, then thumbnails.
func buildManifest(jobs []*blockJob) []byte {
	var manifest []byte
	for _, job := range jobs {
		if !job.isThumbnail {
			manifest = append(manifest, job.digest...)
		}
	}
	for _, job := range jobs {
		if job.isThumbnail {
			manifest = append(manifest, job.digest...)
		}
	}
	return manifest
}

// buildXAttr serializes the extended-attributes document: claimed size,
// per-block plaintext sizes and the claimed modification time.
func buildXAttr(totalSize int64, jobs []*blockJob, modificationTime *time.Time) ([]byte, error) {
	var doc xattrCommon
	doc.Common.Size = totalSize
	doc.Common.ModificationTime = modificationTime
	doc.Common.BlockSizes = make([]int, 0, len(jobs))
	for _, job := range jobs {
		doc.Common.BlockSizes = append(doc.Common.BlockSizes, job.originalSize)
	}
	return encoding.DefaultMarshaler.Marshal(doc)
}
