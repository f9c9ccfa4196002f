package ratelimit

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// TokenBucket permits bursts up to its capacity and refills at a fixed rate.
type TokenBucket struct {
	lim *rate.Limiter
}

// NewTokenBucket creates a bucket holding capacity tokens, refilled at
// refillPerSec tokens per second. The bucket starts full.
func NewTokenBucket(capacity int, refillPerSec float64) *TokenBucket {
	return &TokenBucket{lim: rate.NewLimiter(rate.Limit(refillPerSec), capacity)}
}

// Allow takes a token if one is available.
func (b *TokenBucket) Allow() bool {
	return b.lim.Allow()
}

// Acquire waits for a token.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	if err := b.lim.Wait(ctx); err != nil {
		return eris.Wrap(err, "ratelimit: token bucket wait")
	}
	return nil
}

// SetRate changes the refill rate, used by adaptive callers on 429s.
func (b *TokenBucket) SetRate(perSec float64) {
	b.lim.SetLimit(rate.Limit(perSec))
}

// Rate returns the current refill rate.
func (b *TokenBucket) Rate() float64 {
	return float64(b.lim.Limit())
}
