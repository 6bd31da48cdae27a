package ports

import (
	"context"

	"github.com/eleven-am/dagflow/internal/domain"
)

// TargetLimit is the point-in-time view of one target's limiter.
type TargetLimit struct {
	Target            string  `json:"target"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	BurstSize         int     `json:"burst_size"`
	TokensAvailable   float64 `json:"tokens_available"`
	Admitted          int64   `json:"admitted"`
	Delayed           int64   `json:"delayed"`
	Throttled         int64   `json:"throttled"`
}

// RateLimiter throttles outbound calls per integration target.
type RateLimiter interface {
	// Wait blocks until target may be called. It fails with
	// domain.ErrRateLimited when the wait would exceed the limiter's wait
	// timeout, and with ctx.Err() when ctx ends first.
	Wait(ctx context.Context, target string) error
	Allow(target string) bool
	SetLimit(target string, limit domain.RateLimitSettings)
	Limits() map[string]TargetLimit
	Close()
}
