/**
 * @description
 * Fixed-window request throttling for the claim endpoint. The Redis limiter is
 * shared by every instance; the memory limiter is the fallback when Redis is not
 * configured or unreachable at startup.
 */
package ratelimit

import (
	"context"
	"time"
)

// Limiter counts a hit for subject within scope and reports the running count
// for the current window together with the seconds until the window resets.
type Limiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}
