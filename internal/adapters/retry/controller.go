package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

type Controller struct {
	breakers ports.CircuitBreakerProvider
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func(bound time.Duration) time.Duration
}

type Option func(*Controller)

// WithSleeper replaces the backoff sleeper, mainly for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.sleep = sleep
	}
}

func WithJitterSource(jitter func(bound time.Duration) time.Duration) Option {
	return func(c *Controller) {
		c.jitter = jitter
	}
}

func NewController(breakers ports.CircuitBreakerProvider, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		breakers: breakers,
		logger:   logger.With("component", "retry-controller"),
		sleep:    sleepContext,
		jitter:   randomJitter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Breakers() ports.CircuitBreakerProvider {
	return c.breakers
}

// RunWithPolicy runs op until it succeeds, fails with a non-retryable error, or
// exhausts policy.MaxAttempts. With a non-empty target every attempt passes
// through that target's circuit breaker.
func (c *Controller) RunWithPolicy(ctx context.Context, policy domain.RetryPolicy, target string, op ports.Operation, observers ...ports.RetryObserver) (ports.RetryOutcome, error) {
	policy = policy.Normalize()
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 && domain.CancelRequested(ctx) {
			return ports.RetryOutcome{Attempts: attempt - 1, Elapsed: time.Since(start)}, domain.ErrCancelled
		}

		lastErr = c.attempt(ctx, target, attempt, op)
		if lastErr == nil {
			return ports.RetryOutcome{Attempts: attempt, Elapsed: time.Since(start)}, nil
		}

		if attempt == policy.MaxAttempts || !policy.Retryable(lastErr) {
			return ports.RetryOutcome{Attempts: attempt, Elapsed: time.Since(start)}, lastErr
		}

		if domain.CancelRequested(ctx) {
			return ports.RetryOutcome{Attempts: attempt, Elapsed: time.Since(start)}, domain.ErrCancelled
		}

		delay := c.Backoff(policy, attempt)
		c.logger.Debug("retrying operation",
			"target", target,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)

		for _, observe := range observers {
			observe(attempt, lastErr, delay)
		}

		if err := c.sleep(ctx, delay); err != nil {
			return ports.RetryOutcome{Attempts: attempt, Elapsed: time.Since(start)}, lastErr
		}
	}

	return ports.RetryOutcome{Attempts: policy.MaxAttempts, Elapsed: time.Since(start)}, lastErr
}

func (c *Controller) attempt(ctx context.Context, target string, attempt int, op ports.Operation) error {
	if target == "" || c.breakers == nil {
		return op(ctx, attempt)
	}
	return c.breakers.For(target).Call(ctx, func(ctx context.Context) error {
		return op(ctx, attempt)
	})
}

// Backoff returns base * multiplier^(attempt-1) plus jitter in [0, policy.Jitter).
func (c *Controller) Backoff(policy domain.RetryPolicy, attempt int) time.Duration {
	base := float64(policy.BaseDelay) * math.Pow(policy.Multiplier, float64(attempt-1))
	if policy.MaxDelay > 0 && base > float64(policy.MaxDelay) {
		base = float64(policy.MaxDelay)
	}
	delay := time.Duration(base)
	if policy.Jitter > 0 {
		delay += c.jitter(policy.Jitter)
	}
	return delay
}

func randomJitter(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(bound)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
