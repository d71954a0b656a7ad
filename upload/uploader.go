package upload

import (
	"bytes"
	"context"
	"net/http"
	"strconv"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/api"
)

// HTTPBlockUploader ships blocks directly to the storage URL issued with each
// token. Block bodies are raw octet streams, so this bypasses the JSON
// transport and speaks HTTP itself.
type HTTPBlockUploader struct {
	client *http.Client
}

// NewHTTPBlockUploader creates the uploader. A nil client falls back to
// http.DefaultClient.
func NewHTTPBlockUploader(client *http.Client) *HTTPBlockUploader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBlockUploader{client: client}
}

// UploadBlock PUTs the encrypted block to the token's upload URL. Failures
// map onto the shared error taxonomy so the pipeline's retry policy applies.
func (u *HTTPBlockUploader) UploadBlock(ctx context.Context, token api.BlockToken, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, token.UploadURL, bytes.NewReader(data))
	if err != nil {
		return &drivesdk.ValidationError{Details: "invalid block upload url: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Block-Token", token.Token)

	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &drivesdk.AbortError{Err: ctx.Err()}
		}
		return &drivesdk.ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &drivesdk.APIError{StatusCode: resp.StatusCode, Message: "upload token not found"}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &drivesdk.RateLimitedError{RetryAfterSeconds: retryAfter}
	case resp.StatusCode >= 500:
		return &drivesdk.ServerError{StatusCode: resp.StatusCode, Message: resp.Status}
	default:
		return &drivesdk.APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
}
