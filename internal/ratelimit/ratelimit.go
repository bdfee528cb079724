// Package ratelimit caps the byte rate of a sender client.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter bounds the number of bytes put on the wire per second.
type Limiter interface {
	// Allow consumes n bytes if they are available now.
	Allow(n int) bool
	// Wait blocks until n bytes are available or ctx is done.
	Wait(ctx context.Context, n int) error
	// SetRate changes the rate in bytes per second.
	SetRate(bytesPerSecond int64)
	// Rate returns the rate in bytes per second.
	Rate() int64
}

// minCapacity keeps a single maximum-size datagram admissible at low rates.
const minCapacity = 64 * 1024

// TokenBucket is a byte token bucket holding up to one second of tokens.
type TokenBucket struct {
	mu         sync.Mutex
	rate       int64 // bytes per second
	capacity   int64
	tokens     float64
	lastRefill time.Time

	now func() time.Time
}

// NewTokenBucket creates a full bucket refilling at bytesPerSecond.
func NewTokenBucket(bytesPerSecond int64) *TokenBucket {
	tb := &TokenBucket{now: time.Now}
	tb.setRate(bytesPerSecond)
	tb.tokens = float64(tb.capacity)
	tb.lastRefill = tb.now()
	return tb
}

func (tb *TokenBucket) setRate(bytesPerSecond int64) {
	tb.rate = bytesPerSecond
	tb.capacity = bytesPerSecond
	if tb.capacity < minCapacity {
		tb.capacity = minCapacity
	}
	if tb.tokens > float64(tb.capacity) {
		tb.tokens = float64(tb.capacity)
	}
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed.Seconds() * float64(tb.rate)
	if tb.tokens > float64(tb.capacity) {
		tb.tokens = float64(tb.capacity)
	}
	tb.lastRefill = now
}

func (tb *TokenBucket) Allow(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if float64(n) <= tb.tokens {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// reserve takes n tokens, letting the balance go negative, and returns how
// long the caller must wait before the debt is repaid.
func (tb *TokenBucket) reserve(n int) (time.Duration, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if int64(n) > tb.capacity {
		return 0, fmt.Errorf("requested %d bytes exceeds bucket capacity %d", n, tb.capacity)
	}
	if tb.rate <= 0 {
		return 0, fmt.Errorf("rate must be positive, got %d", tb.rate)
	}

	tb.refill()
	tb.tokens -= float64(n)
	if tb.tokens >= 0 {
		return 0, nil
	}
	return time.Duration(-tb.tokens / float64(tb.rate) * float64(time.Second)), nil
}

func (tb *TokenBucket) cancel(n int) {
	tb.mu.Lock()
	tb.tokens += float64(n)
	if tb.tokens > float64(tb.capacity) {
		tb.tokens = float64(tb.capacity)
	}
	tb.mu.Unlock()
}

func (tb *TokenBucket) Wait(ctx context.Context, n int) error {
	delay, err := tb.reserve(n)
	if err != nil {
		return err
	}
	if delay == 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		tb.cancel(n)
		return ctx.Err()
	}
}

func (tb *TokenBucket) SetRate(bytesPerSecond int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	tb.setRate(bytesPerSecond)
}

func (tb *TokenBucket) Rate() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.rate
}

// Unlimited never blocks.
type Unlimited struct{}

func (Unlimited) Allow(int) bool                  { return true }
func (Unlimited) Wait(context.Context, int) error { return nil }
func (Unlimited) SetRate(int64)                   {}
func (Unlimited) Rate() int64                     { return 0 }

// New returns a TokenBucket for a positive rate and Unlimited otherwise.
func New(bytesPerSecond int64) Limiter {
	if bytesPerSecond <= 0 {
		return Unlimited{}
	}
	return NewTokenBucket(bytesPerSecond)
}
