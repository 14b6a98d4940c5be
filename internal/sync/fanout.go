package sync

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const maxConcurrency = 8

// FetchResult is the outcome of one item of a fan-out
type FetchResult[T any] struct {
	ID    string
	Value T
	Err   error
}

// Concurrency sizes the per-account worker pool from the declared rate limit.
func Concurrency(caps Capabilities) int {
	n := caps.RateLimitPerMinute / 60
	if n < 1 {
		return 1
	}
	if n > maxConcurrency {
		return maxConcurrency
	}
	return n
}

// NewLimiter converts a per-minute budget into a token bucket.
func NewLimiter(caps Capabilities) *rate.Limiter {
	if caps.RateLimitPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(caps.RateLimitPerMinute)/60.0), Concurrency(caps))
}

// FetchAll runs fn for every id with at most workers in flight, waiting on
// limiter before each call. Results come back in input order. A failed item
// never cancels its siblings; callers inspect Err per result.
func FetchAll[T any](
	ctx context.Context,
	ids []string,
	workers int,
	limiter *rate.Limiter,
	fn func(ctx context.Context, id string) (T, error),
) []FetchResult[T] {
	results := make([]FetchResult[T], len(ids))
	if len(ids) == 0 {
		return results
	}
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, id := range ids {
		results[i].ID = id
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					results[i].Err = err
					return nil
				}
			}
			results[i].Value, results[i].Err = fn(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
