package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualClock is advanced explicitly by tests.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newManualBucket(rate int64) (*TokenBucket, *manualClock) {
	clock := &manualClock{t: time.Unix(1000, 0)}
	tb := NewTokenBucket(rate)
	tb.now = clock.now
	tb.lastRefill = clock.now()
	return tb, clock
}

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	tb, clock := newManualBucket(100_000)

	assert.True(t, tb.Allow(100_000))
	assert.False(t, tb.Allow(1))

	clock.advance(100 * time.Millisecond)
	assert.True(t, tb.Allow(10_000))
	assert.False(t, tb.Allow(1))

	// Never refills beyond one second of tokens
	clock.advance(10 * time.Second)
	assert.True(t, tb.Allow(100_000))
	assert.False(t, tb.Allow(1))
}

func TestTokenBucket_MinimumCapacity(t *testing.T) {
	tb, _ := newManualBucket(1000)
	assert.True(t, tb.Allow(65507))
}

func TestTokenBucket_WaitComputesDelay(t *testing.T) {
	tb, _ := newManualBucket(100_000)
	require.True(t, tb.Allow(100_000))

	delay, err := tb.reserve(5_000)
	require.NoError(t, err)
	assert.InDelta(t, float64(50*time.Millisecond), float64(delay), float64(time.Microsecond))
}

func TestTokenBucket_WaitBlocks(t *testing.T) {
	tb := NewTokenBucket(1_000_000)
	require.True(t, tb.Allow(int(tb.capacity)))

	start := time.Now()
	require.NoError(t, tb.Wait(context.Background(), 20_000)) // ~20ms of tokens
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestTokenBucket_WaitCancelled(t *testing.T) {
	tb, _ := newManualBucket(65536)
	require.True(t, tb.Allow(65536))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tb.Wait(ctx, 65536)
	assert.ErrorIs(t, err, context.Canceled)

	// The reservation was returned
	tb.mu.Lock()
	assert.InDelta(t, 0, tb.tokens, 1e-9)
	tb.mu.Unlock()
}

func TestTokenBucket_WaitExceedsCapacity(t *testing.T) {
	tb, _ := newManualBucket(1000)
	err := tb.Wait(context.Background(), minCapacity+1)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds bucket capacity")
}

func TestTokenBucket_SetRate(t *testing.T) {
	tb, _ := newManualBucket(1_000_000)
	assert.Equal(t, int64(1_000_000), tb.Rate())

	tb.SetRate(100_000)
	assert.Equal(t, int64(100_000), tb.Rate())
	assert.True(t, tb.Allow(100_000))
	assert.False(t, tb.Allow(1))
}

func TestNew(t *testing.T) {
	_, unlimited := New(0).(Unlimited)
	assert.True(t, unlimited)
	assert.NoError(t, New(-1).Wait(context.Background(), 1<<20))

	_, bucket := New(1000).(*TokenBucket)
	assert.True(t, bucket)
}

func TestTokenBucket_Concurrent(t *testing.T) {
	tb, _ := newManualBucket(100_000)

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				if tb.Allow(10) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// Clock never moves, so exactly the initial bucket is handed out
	assert.Equal(t, 10_000, allowed)
}
