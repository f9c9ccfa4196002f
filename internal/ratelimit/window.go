package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow admits at most limit requests in any trailing window. The
// request log is pruned on every check, so no reset job is needed.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu  sync.Mutex
	log []time.Time

	nowFunc func() time.Time
}

// NewSlidingWindow creates a sliding-window log limiter.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		log:     make([]time.Time, 0, limit),
		nowFunc: time.Now,
	}
}

// tryLocked admits if room remains; otherwise returns how long until the
// oldest entry leaves the window. Caller holds mu.
func (w *SlidingWindow) tryLocked() (bool, time.Duration) {
	now := w.nowFunc()
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.log) && !w.log[i].After(cutoff) {
		i++
	}
	w.log = w.log[i:]

	if len(w.log) < w.limit {
		w.log = append(w.log, now)
		return true, 0
	}
	return false, w.log[0].Add(w.window).Sub(now)
}

// Allow admits the request if fewer than limit requests fall in the window.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	ok, _ := w.tryLocked()
	return ok
}

// Acquire waits until the window has room.
func (w *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		w.mu.Lock()
		ok, wait := w.tryLocked()
		w.mu.Unlock()
		if ok {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// FixedWindow counts requests per aligned window and resets at each
// boundary. In the default mode a client can issue limit requests at the end
// of one window and limit more at the start of the next, so up to 2x limit
// may pass within one window length. That burst is accepted behavior; set
// strict to weight the previous window's count by its remaining overlap,
// which caps any window-length span at limit.
type FixedWindow struct {
	limit  int
	window time.Duration
	strict bool

	mu        sync.Mutex
	start     time.Time
	count     int
	prevCount int

	nowFunc func() time.Time
}

// NewFixedWindow creates a fixed-window counter limiter.
func NewFixedWindow(limit int, window time.Duration, strict bool) *FixedWindow {
	return &FixedWindow{
		limit:   limit,
		window:  window,
		strict:  strict,
		nowFunc: time.Now,
	}
}

func (w *FixedWindow) rollLocked(now time.Time) {
	aligned := now.Truncate(w.window)
	if aligned.Equal(w.start) {
		return
	}
	if aligned.Sub(w.start) == w.window {
		w.prevCount = w.count
	} else {
		w.prevCount = 0
	}
	w.start = aligned
	w.count = 0
}

// tryLocked admits or reports how long to wait. Caller holds mu.
func (w *FixedWindow) tryLocked() (bool, time.Duration) {
	now := w.nowFunc()
	w.rollLocked(now)
	elapsed := now.Sub(w.start)
	untilBoundary := w.window - elapsed

	if w.count >= w.limit {
		return false, untilBoundary
	}
	if w.strict && w.prevCount > 0 {
		overlap := 1 - float64(elapsed)/float64(w.window)
		weighted := float64(w.count) + float64(w.prevCount)*overlap
		if weighted+1 > float64(w.limit) {
			// Need prevCount*(1-e/W) <= limit-count-1.
			room := float64(w.limit - w.count - 1)
			needElapsed := time.Duration(float64(w.window) * (1 - room/float64(w.prevCount)))
			wait := needElapsed - elapsed + time.Millisecond
			if wait > untilBoundary {
				wait = untilBoundary
			}
			return false, wait
		}
	}
	w.count++
	return true, 0
}

// Allow admits the request if the current window has room.
func (w *FixedWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	ok, _ := w.tryLocked()
	return ok
}

// Acquire waits until the window has room.
func (w *FixedWindow) Acquire(ctx context.Context) error {
	for {
		w.mu.Lock()
		ok, wait := w.tryLocked()
		w.mu.Unlock()
		if ok {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}
