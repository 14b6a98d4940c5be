package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestFetchAllKeepsOrderAndIsolatesFailures(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	results := FetchAll(context.Background(), ids, 3, nil, func(_ context.Context, id string) (string, error) {
		if id == "c" {
			return "", errors.New("boom")
		}
		// later ids finish first
		time.Sleep(time.Duration(len(ids)-int(id[0]-'a')) * time.Millisecond)
		return "v-" + id, nil
	})

	require.Len(t, results, len(ids))
	for i, r := range results {
		assert.Equal(t, ids[i], r.ID)
		if r.ID == "c" {
			assert.EqualError(t, r.Err, "boom")
			continue
		}
		assert.NoError(t, r.Err)
		assert.Equal(t, "v-"+r.ID, r.Value)
	}
}

func TestFetchAllBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprint(i)
	}

	FetchAll(context.Background(), ids, 2, nil, func(context.Context, string) (int, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return 0, nil
	})

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFetchAllCancelledLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	limiter.Allow()

	var calls atomic.Int32
	results := FetchAll(ctx, []string{"a", "b"}, 1, limiter, func(context.Context, string) (int, error) {
		calls.Add(1)
		return 1, nil
	})
	assert.Zero(t, calls.Load())
	for _, r := range results {
		assert.Error(t, r.Err)
	}
}

func TestConcurrency(t *testing.T) {
	assert.Equal(t, 1, Concurrency(Capabilities{RateLimitPerMinute: 10}))
	assert.Equal(t, 4, Concurrency(Capabilities{RateLimitPerMinute: 250}))
	assert.Equal(t, 8, Concurrency(Capabilities{RateLimitPerMinute: 6000}))
}
