package ports

import (
	"context"
	"time"
)

// Decision is the outcome of a rate limit check. RetryAfter is only
// meaningful when Limited is true and is always at least one second.
type Decision struct {
	Limited    bool
	RetryAfter time.Duration
}

// RateLimiter counts attempts per key over a sliding window. Check never
// fails: backend trouble silently degrades to the in-process fallback.
type RateLimiter interface {
	// Check records an attempt for key and reports whether the caller
	// went over the limit.
	Check(ctx context.Context, key string) Decision

	// Clear drops all tracked state for key, e.g. after a successful
	// login.
	Clear(ctx context.Context, key string)
}
