package drivesdk

import (
	"context"
	"errors"
)

// Telemetry event names form a closed set.
const (
	MetricDownload                         = "download"
	MetricUpload                           = "upload"
	MetricBlockVerificationError           = "blockVerificationError"
	MetricVolumeEventsSubscriptionsChanged = "volumeEventsSubscriptionsChanged"
	MetricDecryptionError                  = "decryptionError"
	MetricVerificationError                = "verificationError"
)

// Error categories reported on telemetry records.
const (
	CategoryRateLimited     = "rate_limited"
	CategoryIntegrityError  = "integrity_error"
	CategoryDecryptionError = "decryption_error"
	Category4xx             = "4xx"
	CategoryServerError     = "server_error"
	CategoryNetworkError    = "network_error"
	CategoryUnknown         = "unknown"
)

// TelemetryRecord is one metric event.
type TelemetryRecord struct {
	Name   string
	Values map[string]any
}

// Telemetry is the injected metrics sink. Implementations must be safe for
// concurrent use.
type Telemetry interface {
	LogEvent(ctx context.Context, record TelemetryRecord)
}

// NopTelemetry discards all records.
type NopTelemetry struct{}

func (NopTelemetry) LogEvent(ctx context.Context, record TelemetryRecord) {}

// CategorizeError maps an error to its telemetry category. Validation and
// abort errors are deliberately dropped from metrics; for those (and nil) the
// second return is false.
func CategorizeError(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	switch ClassifyError(err) {
	case CodeValidation, CodeAborted:
		return "", false
	case CodeRateLimited:
		return CategoryRateLimited, true
	case CodeIntegrity:
		return CategoryIntegrityError, true
	case CodeDecryption:
		return CategoryDecryptionError, true
	case CodeServer:
		return CategoryServerError, true
	case CodeConnection:
		return CategoryNetworkError, true
	case CodeNotFound, CodeAlreadyExists:
		return Category4xx, true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return Category4xx, true
	}
	return CategoryUnknown, true
}
