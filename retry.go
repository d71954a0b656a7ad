package drivesdk

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// FibonacciBackoff is the multiplier table used for event polling backoff.
// After k consecutive failures the next delay is
// pollingInterval * FibonacciBackoff[min(k, len-1)].
var FibonacciBackoff = []int{1, 1, 2, 3, 5, 8, 13}

// BackoffDelay computes the polling delay after retryIndex consecutive
// failures of an event-manager iteration.
func BackoffDelay(pollingInterval time.Duration, retryIndex int) time.Duration {
	i := retryIndex
	if i < 0 {
		i = 0
	}
	if i >= len(FibonacciBackoff) {
		i = len(FibonacciBackoff) - 1
	}
	return pollingInterval * time.Duration(FibonacciBackoff[i])
}

// Retry executes task with Fibonacci backoff up to 5 retries.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final
// error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is retryable (non-nil and not a known
// permanent failure). Validation, conflict, abort and not-found errors are
// permanent; rate limits, 5xx and network failures are transient.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	// Context cancellations/timeouts are permanent from the caller's POV.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch ClassifyError(err) {
	case CodeValidation, CodeAlreadyExists, CodeAborted, CodeNotFound,
		CodeDecryption, CodeIntegrity, CodeVerification,
		CodeCorruptedEntity, CodeCorruptedKeys, CodeConfiguration:
		return false
	case CodeRateLimited, CodeServer, CodeConnection:
		return true
	}
	return true
}

// RetryableError marks err for the go-retry helpers when it is transient.
func RetryableError(err error) error {
	if ShouldRetry(err) {
		return retry.RetryableError(err)
	}
	return err
}
