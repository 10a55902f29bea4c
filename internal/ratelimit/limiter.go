// Package ratelimit throttles sync requests per user with a sliding
// 60-second window.
package ratelimit

import (
	"context"
	"time"
)

// Defaults for the sync endpoint.
const (
	DefaultLimit  = 10
	DefaultWindow = time.Minute
)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts events in a trailing window per key. Implementations
// must be safe for concurrent use. Callers are expected to fail open
// when Check returns an error: availability over strictness.
type Limiter interface {
	Check(ctx context.Context, key string, now time.Time) (Decision, error)
}
