package ports

import (
	"context"
	"time"

	"github.com/eleven-am/dagflow/internal/domain"
)

// Operation is one attempt of a retried unit of work; attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

type RetryObserver func(attempt int, err error, delay time.Duration)

type RetryOutcome struct {
	Attempts int
	Elapsed  time.Duration
}

type RetryController interface {
	RunWithPolicy(ctx context.Context, policy domain.RetryPolicy, target string, op Operation, observers ...RetryObserver) (RetryOutcome, error)
	Breakers() CircuitBreakerProvider
}
