package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/ratelimit"
)

// LeakyBucket releases requests at a fixed output rate. At most maxQueue
// callers may wait; further Acquire calls fail fast with ErrQueueFull.
type LeakyBucket struct {
	rl       ratelimit.Limiter
	interval time.Duration
	queue    chan struct{}

	mu   sync.Mutex
	last time.Time

	nowFunc func() time.Time
}

// NewLeakyBucket creates a bucket draining ratePerSec requests per second.
func NewLeakyBucket(ratePerSec float64, maxQueue int) *LeakyBucket {
	if maxQueue <= 0 {
		maxQueue = 1
	}
	interval := time.Duration(float64(time.Second) / ratePerSec)
	return &LeakyBucket{
		rl:       ratelimit.New(1, ratelimit.Per(interval), ratelimit.WithoutSlack),
		interval: interval,
		queue:    make(chan struct{}, maxQueue),
		nowFunc:  time.Now,
	}
}

// Allow admits a request only when nobody is queued and the previous
// release is at least one interval old.
func (b *LeakyBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 {
		return false
	}
	if !b.last.IsZero() && b.nowFunc().Sub(b.last) < b.interval {
		return false
	}
	b.last = b.rl.Take()
	return true
}

// Acquire queues the caller until its release slot. If ctx ends first the
// caller returns early but its slot is still drained from the bucket.
func (b *LeakyBucket) Acquire(ctx context.Context) error {
	select {
	case b.queue <- struct{}{}:
	default:
		return ErrQueueFull
	}

	done := make(chan struct{})
	go func() {
		t := b.rl.Take()
		b.mu.Lock()
		b.last = t
		b.mu.Unlock()
		<-b.queue
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "ratelimit: leaky bucket wait")
	}
}

// Queued returns the number of callers currently waiting.
func (b *LeakyBucket) Queued() int {
	return len(b.queue)
}
