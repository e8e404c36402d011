package queue

import (
	"context"
	"sync"
	"time"
)

// bucket is a token bucket pacing admissions. take blocks on an empty
// bucket by sleeping exactly until the next token is due, never polling.
type bucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
}

// newBucket builds a bucket that starts full. A non-positive capacity or
// refill rate disables pacing entirely.
func newBucket(capacity int, refillPerSec float64) *bucket {
	return &bucket{
		capacity:     float64(capacity),
		tokens:       float64(capacity),
		refillPerSec: refillPerSec,
		last:         time.Now(),
	}
}

func (b *bucket) disabled() bool {
	return b.capacity <= 0 || b.refillPerSec <= 0
}

func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// take consumes one token, blocking until refill makes one available or
// ctx is cancelled.
func (b *bucket) take(ctx context.Context) error {
	if b.disabled() {
		return nil
	}
	for {
		b.mu.Lock()
		b.refillLocked(time.Now())
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.refillPerSec * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// remaining reports the current token count after refill.
func (b *bucket) remaining() float64 {
	if b.disabled() {
		return b.capacity
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}
