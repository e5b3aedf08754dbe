package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quillforge/quillforge/internal/clock"
)

const pruneThreshold = 8192

type bucketState struct {
	remaining   int
	windowStart time.Time
}

// LocalLimiter is a process-local bucket: capacity tokens per key, refilled in
// full every window. No cross-instance consistency — abuse mitigation only.
type LocalLimiter struct {
	mu       sync.Mutex
	clk      clock.Clock
	capacity int
	window   time.Duration
	buckets  map[string]*bucketState
}

func NewLocalLimiter(clk clock.Clock, capacity int, window time.Duration) (*LocalLimiter, error) {
	if capacity <= 0 {
		return nil, errors.New("rate limiter capacity must be positive")
	}
	if window <= 0 {
		return nil, errors.New("rate limiter window must be positive")
	}
	return &LocalLimiter{
		clk:      clk,
		capacity: capacity,
		window:   window,
		buckets:  make(map[string]*bucketState),
	}, nil
}

func (l *LocalLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	_ = ctx
	if key == "" {
		return nil, errors.New("rate limiter key is empty")
	}

	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buckets) > pruneThreshold {
		l.prune(now)
	}

	st, ok := l.buckets[key]
	if !ok || now.Sub(st.windowStart) >= l.window {
		st = &bucketState{remaining: l.capacity, windowStart: now}
		l.buckets[key] = st
	}

	if st.remaining <= 0 {
		return &Result{
			Allowed:    false,
			Limit:      l.capacity,
			Remaining:  0,
			RetryAfter: st.windowStart.Add(l.window).Sub(now),
		}, nil
	}

	st.remaining--
	return &Result{
		Allowed:   true,
		Limit:     l.capacity,
		Remaining: st.remaining,
	}, nil
}

func (l *LocalLimiter) prune(now time.Time) {
	for key, st := range l.buckets {
		if now.Sub(st.windowStart) >= l.window {
			delete(l.buckets, key)
		}
	}
}
