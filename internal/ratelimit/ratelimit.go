// Package ratelimit provides admission control for outbound portal requests.
//
// Four strategies share the Limiter interface: token bucket, leaky bucket,
// sliding window and fixed window. Every implementation is safe for use by
// many goroutines; one instance is normally shared by all fetch workers.
package ratelimit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Limiter admits or delays requests.
type Limiter interface {
	// Allow reports whether a request may proceed right now, consuming
	// capacity if so. It never blocks.
	Allow() bool

	// Acquire blocks until a request is permitted or ctx is done.
	Acquire(ctx context.Context) error
}

// Strategy names a limiter implementation.
type Strategy string

const (
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategyLeakyBucket   Strategy = "leaky_bucket"
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyFixedWindow   Strategy = "fixed_window"
)

// ErrQueueFull is returned by a leaky bucket whose wait queue is at capacity.
var ErrQueueFull = eris.New("ratelimit: queue full")

// Config selects and parameterizes a limiter.
type Config struct {
	Strategy Strategy `yaml:"strategy" mapstructure:"strategy"`

	// Token bucket: Capacity tokens, refilled at Rate per second.
	// Leaky bucket: drains at Rate per second, at most MaxQueue waiters.
	Rate     float64 `yaml:"rate" mapstructure:"rate"`
	Capacity int     `yaml:"capacity" mapstructure:"capacity"`
	MaxQueue int     `yaml:"max_queue" mapstructure:"max_queue"`

	// Window strategies: Limit requests per Window.
	Limit  int           `yaml:"limit" mapstructure:"limit"`
	Window time.Duration `yaml:"window" mapstructure:"window"`

	// Strict makes the fixed window account for the previous window so a
	// boundary burst cannot reach twice the limit.
	Strict bool `yaml:"strict" mapstructure:"strict"`
}

// DefaultConfig is a conservative token bucket for the disclosure portal.
func DefaultConfig() Config {
	return Config{
		Strategy: StrategyTokenBucket,
		Rate:     2,
		Capacity: 3,
		MaxQueue: 16,
		Limit:    60,
		Window:   time.Minute,
	}
}

// New builds the limiter described by cfg.
func New(cfg Config) (Limiter, error) {
	switch cfg.Strategy {
	case StrategyTokenBucket, "":
		if cfg.Rate <= 0 || cfg.Capacity <= 0 {
			return nil, eris.New("ratelimit: token bucket needs rate > 0 and capacity > 0")
		}
		return NewTokenBucket(cfg.Capacity, cfg.Rate), nil
	case StrategyLeakyBucket:
		if cfg.Rate <= 0 {
			return nil, eris.New("ratelimit: leaky bucket needs rate > 0")
		}
		return NewLeakyBucket(cfg.Rate, cfg.MaxQueue), nil
	case StrategySlidingWindow:
		if cfg.Limit <= 0 || cfg.Window <= 0 {
			return nil, eris.New("ratelimit: sliding window needs limit > 0 and window > 0")
		}
		return NewSlidingWindow(cfg.Limit, cfg.Window), nil
	case StrategyFixedWindow:
		if cfg.Limit <= 0 || cfg.Window <= 0 {
			return nil, eris.New("ratelimit: fixed window needs limit > 0 and window > 0")
		}
		return NewFixedWindow(cfg.Limit, cfg.Window, cfg.Strict), nil
	default:
		return nil, eris.Errorf("ratelimit: unknown strategy %q", cfg.Strategy)
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "ratelimit: acquire")
	case <-t.C:
		return nil
	}
}
