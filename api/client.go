// Package api adapts the remote drive service's HTTP endpoints to the types
// the synchronization core consumes: encrypted node payloads, per-uid batch
// results, draft/block/commit upload calls, and the core and volume event
// sources. The raw HTTP transport is injected; this package only shapes
// requests and decodes responses.
package api

import (
	"context"
	"fmt"

	"github.com/cloudrive/drivesdk"
)

// Application response codes returned inside API bodies. Codes in the 2xxx
// range are validation failures.
const (
	ResponseCodeOK            = 1000
	ResponseCodeAlreadyExists = 2500
)

// Transport is the injected HTTP layer. Implementations marshal body to JSON,
// decode the response into out, honor ctx cancellation, and surface failures
// as the drivesdk error taxonomy (ErrNotFound, RateLimitedError, ServerError,
// ConnectionError, APIError, ValidationError).
type Transport interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body any, out any) error
	Put(ctx context.Context, path string, body any, out any) error
	Delete(ctx context.Context, path string, body any, out any) error
}

// Client shapes core/volume/node/upload calls over an injected Transport.
type Client struct {
	transport Transport
}

// NewClient wraps the transport.
func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// codeError converts an application response code into a typed error, nil for
// OK. ALREADY_EXISTS carries the conflicting uid when the server names one.
func codeError(code int, message, existingNodeUID string) error {
	switch {
	case code == 0 || code == ResponseCodeOK:
		return nil
	case code == ResponseCodeAlreadyExists:
		return &drivesdk.NodeAlreadyExistsError{
			ValidationError: drivesdk.ValidationError{Code: code, Details: message},
			ExistingNodeUID: existingNodeUID,
		}
	case code >= 2000 && code < 3000:
		return &drivesdk.ValidationError{Code: code, Details: message}
	}
	return &drivesdk.APIError{StatusCode: 0, Message: fmt.Sprintf("code %d: %s", code, message)}
}
