// Package async holds the small concurrency helpers the pipelines share:
// bounded-concurrency mapping, batch grouping and condition polling.
package async

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudrive/drivesdk"
)

// DefaultConcurrency bounds in-flight work in the mapping helpers.
const DefaultConcurrency = 10

// WaitPollInterval is the cadence of WaitForCondition checks.
const WaitPollInterval = 50 * time.Millisecond

// Map applies fn to every item with at most limit goroutines in flight and
// returns the results in input order. The first failure cancels the rest.
// limit <= 0 falls back to DefaultConcurrency.
func Map[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) (R, error)) ([]R, error) {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	results := make([]R, len(items))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for i := range items {
		i := i
		eg.Go(func() error {
			r, err := fn(egCtx, items[i])
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ForEach is Map without results.
func ForEach[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) error {
	_, err := Map(ctx, items, limit, func(ctx context.Context, item T) (struct{}, error) {
		return struct{}{}, fn(ctx, item)
	})
	return err
}

// Batch splits items into consecutive groups of at most size elements,
// preserving order. size <= 0 yields one group.
func Batch[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]T{items}
	}
	groups := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		groups = append(groups, items[start:end])
	}
	return groups
}

// WaitForCondition polls cond every WaitPollInterval until it reports true,
// fails, or the context is cancelled (AbortError). cond is checked once
// before the first sleep.
func WaitForCondition(ctx context.Context, cond func(ctx context.Context) (bool, error)) error {
	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return &drivesdk.AbortError{Err: ctx.Err()}
		case <-time.After(WaitPollInterval):
		}
	}
}
