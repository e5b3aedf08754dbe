package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimitExceeded is transient; callers may retry after backoff.
var ErrRateLimitExceeded = errors.New("rate_limit_exceeded")

// Result reports one consume attempt against a key's bucket.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter applies token-bucket limits per caller key. It is advisory: it
// protects mutating endpoints from abuse and never touches ledger state.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
}
