package llm

import (
	"context"
	"sync"
	"time"

	"github.com/ngmhub/siteledger/internal/apperr"
)

// tokenBucket throttles calls to one model tier. Acquire waits up to
// maxWait for a token before giving up with rate_limited.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   int
	capacity int
	refill   time.Duration
	maxWait  time.Duration
	lastFill time.Time
	now      func() time.Time
}

func newTokenBucket(capacity int, refill, maxWait time.Duration) *tokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		refill:   refill,
		maxWait:  maxWait,
		lastFill: time.Now(),
		now:      time.Now,
	}
}

// Acquire takes one token, polling until maxWait elapses.
func (b *tokenBucket) Acquire(ctx context.Context) error {
	deadline := b.now().Add(b.maxWait)
	for {
		if b.tryTake() {
			return nil
		}
		if b.now().After(deadline) {
			return apperr.New(apperr.KindRateLimited, "model tier at capacity")
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindUpstreamTimeout, "canceled waiting for model capacity", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (b *tokenBucket) tryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Full refill once per interval rather than fractional drip.
	now := b.now()
	if now.Sub(b.lastFill) >= b.refill {
		b.tokens = b.capacity
		b.lastFill = now
	}
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}
