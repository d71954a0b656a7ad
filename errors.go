package drivesdk

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode classifies SDK errors for retry decisions and telemetry.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	CodeValidation
	CodeNotFound
	CodeAlreadyExists
	CodeRateLimited
	CodeServer
	CodeConnection
	CodeDecryption
	CodeIntegrity
	CodeVerification
	CodeAborted
	CodeCorruptedEntity
	CodeCorruptedKeys
	CodeConfiguration
)

// ErrNotFound is returned by cache lookups and single-entity fetches when the
// requested key does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnsubscribe signals that the server no longer serves the event scope.
// The scope event manager stops permanently when its source raises it.
var ErrUnsubscribe = errors.New("unsubscribe from events source")

// ValidationError reports caller-supplied bad data or state. Code carries the
// application error code from the server when the validation happened there.
type ValidationError struct {
	Code    int
	Details string
}

func (e *ValidationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("validation error (code %d): %s", e.Code, e.Details)
	}
	return "validation error: " + e.Details
}

// NodeAlreadyExistsError is the write-path conflict raised when a draft or
// node with the same name hash already exists under the target parent.
type NodeAlreadyExistsError struct {
	ValidationError
	ExistingNodeUID  string
	HasDraftConflict bool
}

func (e *NodeAlreadyExistsError) Error() string {
	return fmt.Sprintf("node already exists (existing uid %q, draft conflict %v)", e.ExistingNodeUID, e.HasDraftConflict)
}

// AbortError reports a cancelled operation.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string {
	if e.Err != nil {
		return "aborted: " + e.Err.Error()
	}
	return "aborted"
}

func (e *AbortError) Unwrap() error { return e.Err }

// RateLimitedError is a transient server push-back (HTTP 429).
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfterSeconds)
}

// ServerError covers 5xx responses and server-side timeouts.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// ConnectionError covers network failures before an HTTP status was obtained.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "connection error: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// APIError is a non-5xx, non-validation HTTP failure (4xx range).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// DecryptionError reports undecryptable content or metadata.
type DecryptionError struct {
	UID string
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed for %q: %v", e.UID, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// IntegrityError reports detected data corruption (e.g. a bit-flipped block).
type IntegrityError struct {
	Debug string
}

func (e *IntegrityError) Error() string {
	if e.Debug == "" {
		return "integrity error"
	}
	return "integrity error: " + e.Debug
}

// VerificationError reports a signature that is missing or does not verify.
// ClaimedAuthor keeps the unverified author so callers can still display it.
type VerificationError struct {
	ClaimedAuthor string
	Reason        string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed (claimed author %q): %s", e.ClaimedAuthor, e.Reason)
}

// InvalidNameError reports a node name that failed decryption or validation.
// Claimed keeps the raw value for display.
type InvalidNameError struct {
	Claimed string
	Reason  string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid node name (claimed %q): %s", e.Claimed, e.Reason)
}

// CorruptedEntityError is returned when a cached row fails schema validation.
// The corrupt row is removed before this error is surfaced.
type CorruptedEntityError struct {
	Key string
	Err error
}

func (e *CorruptedEntityError) Error() string {
	return fmt.Sprintf("corrupted cache entity %q: %v", e.Key, e.Err)
}

func (e *CorruptedEntityError) Unwrap() error { return e.Err }

// CorruptedKeysError is the crypto-cache analog of CorruptedEntityError.
type CorruptedKeysError struct {
	UID string
	Err error
}

func (e *CorruptedKeysError) Error() string {
	return fmt.Sprintf("corrupted node keys for %q: %v", e.UID, e.Err)
}

func (e *CorruptedKeysError) Unwrap() error { return e.Err }

// ConfigurationError reports a missing or inconsistent caller-supplied
// dependency (e.g. subscribing to core events without a latest-event-id
// provider).
type ConfigurationError struct {
	Details string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Details }

// ResultErrors aggregates per-node failures of a batch mutation. Successful
// uids are already committed to cache when this error is returned.
type ResultErrors struct {
	NodeErrors map[string]string
}

func (e *ResultErrors) Error() string {
	uids := make([]string, 0, len(e.NodeErrors))
	for uid := range e.NodeErrors {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d node(s) failed:", len(uids)))
	for _, uid := range uids {
		sb.WriteString(" " + uid + ": " + e.NodeErrors[uid] + ";")
	}
	return sb.String()
}

// ClassifyError maps an error to its ErrorCode. Unknown for nil or
// unrecognized errors.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return Unknown
	}
	var (
		validation *ValidationError
		exists     *NodeAlreadyExistsError
		abort      *AbortError
		rate       *RateLimitedError
		server     *ServerError
		conn       *ConnectionError
		decrypt    *DecryptionError
		integrity  *IntegrityError
		verify     *VerificationError
		corrupt    *CorruptedEntityError
		corruptKey *CorruptedKeysError
		config     *ConfigurationError
	)
	switch {
	case errors.As(err, &exists):
		return CodeAlreadyExists
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &abort):
		return CodeAborted
	case errors.As(err, &rate):
		return CodeRateLimited
	case errors.As(err, &server):
		return CodeServer
	case errors.As(err, &conn):
		return CodeConnection
	case errors.As(err, &decrypt):
		return CodeDecryption
	case errors.As(err, &integrity):
		return CodeIntegrity
	case errors.As(err, &verify):
		return CodeVerification
	case errors.As(err, &corrupt):
		return CodeCorruptedEntity
	case errors.As(err, &corruptKey):
		return CodeCorruptedKeys
	case errors.As(err, &config):
		return CodeConfiguration
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	}
	return Unknown
}
