package circuit_breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

const (
	defaultFailureThreshold = 5
	defaultCoolDown         = 10 * time.Second
)

type counts struct {
	requests             int64
	rejected             int64
	successes            int64
	failures             int64
	consecutiveSuccesses int64
	consecutiveFailures  int64
}

// Breaker guards calls to a single integration target. Every state change
// starts a new generation; outcomes of calls admitted under an older
// generation are dropped so a slow call cannot reopen a circuit that has
// since recovered.
type Breaker struct {
	target string
	config ports.CircuitBreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      ports.CircuitState
	generation uint64
	counts     counts
	trials     int
	since      time.Time
	openUntil  time.Time
}

func NewBreaker(target string, config ports.CircuitBreakerConfig, logger *slog.Logger) *Breaker {
	return newBreaker(target, config, logger, time.Now)
}

func newBreaker(target string, config ports.CircuitBreakerConfig, logger *slog.Logger, now func() time.Time) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 1
	}
	if config.CoolDown <= 0 {
		config.CoolDown = defaultCoolDown
	}

	return &Breaker{
		target: target,
		config: config,
		logger: logger.With("component", "circuit-breaker", "target", target),
		now:    now,
		state:  ports.CircuitClosed,
		since:  now(),
	}
}

// Call runs fn unless the circuit is open or its half-open trial slots are
// taken. A configured Timeout bounds the call; a call that outlives it counts
// as a failure and its eventual result is discarded. A call abandoned because
// ctx ended is not counted either way.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	generation, err := b.admit()
	if err != nil {
		return err
	}

	if b.config.Timeout <= 0 {
		err := fn(ctx)
		b.settle(generation, err)
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		b.settle(generation, err)
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			b.abandon(generation)
			return ctx.Err()
		}
		err := &domain.TimeoutError{Op: "call " + b.target, Err: context.DeadlineExceeded}
		b.settle(generation, err)
		return err
	}
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == ports.CircuitOpen && !now.Before(b.openUntil) {
		b.transition(ports.CircuitHalfOpen, now)
	}

	b.counts.requests++
	switch b.state {
	case ports.CircuitClosed:
		return b.generation, nil
	case ports.CircuitHalfOpen:
		if b.trials < b.config.MaxRequests {
			b.trials++
			return b.generation, nil
		}
	}

	b.counts.rejected++
	b.logger.Debug("call rejected", "state", b.state.String())
	return 0, fmt.Errorf("circuit for %s is %s: %w", b.target, b.state, domain.ErrCircuitOpen)
}

func (b *Breaker) settle(generation uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}
	now := b.now()

	if err == nil || !b.countsAsFailure(err) {
		b.counts.successes++
		b.counts.consecutiveSuccesses++
		b.counts.consecutiveFailures = 0
		if b.state == ports.CircuitHalfOpen {
			b.trials--
			if b.counts.consecutiveSuccesses >= int64(b.config.SuccessThreshold) {
				b.transition(ports.CircuitClosed, now)
			}
		}
		return
	}

	b.counts.failures++
	b.counts.consecutiveFailures++
	b.counts.consecutiveSuccesses = 0
	switch b.state {
	case ports.CircuitClosed:
		if b.counts.consecutiveFailures >= int64(b.config.FailureThreshold) {
			b.transition(ports.CircuitOpen, now)
		}
	case ports.CircuitHalfOpen:
		b.transition(ports.CircuitOpen, now)
	}
}

func (b *Breaker) abandon(generation uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation == b.generation && b.state == ports.CircuitHalfOpen && b.trials > 0 {
		b.trials--
	}
}

func (b *Breaker) countsAsFailure(err error) bool {
	if b.config.IsFailure == nil {
		return true
	}
	return b.config.IsFailure(err)
}

// transition must be called with mu held.
func (b *Breaker) transition(to ports.CircuitState, now time.Time) {
	from := b.state

	b.state = to
	b.generation++
	b.trials = 0
	b.since = now
	b.counts.consecutiveFailures = 0
	b.counts.consecutiveSuccesses = 0
	b.openUntil = time.Time{}
	if to == ports.CircuitOpen {
		b.openUntil = now.Add(b.config.CoolDown)
	}

	if from == to {
		return
	}
	b.logger.Info("circuit state changed", "from", from.String(), "to", to.String(), "open_until", b.openUntil)
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.target, from, to)
	}
}

func (b *Breaker) State() ports.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() ports.CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return ports.CircuitSnapshot{
		Target:               b.target,
		State:                b.state,
		Requests:             b.counts.requests,
		Rejected:             b.counts.rejected,
		Successes:            b.counts.successes,
		Failures:             b.counts.failures,
		ConsecutiveSuccesses: b.counts.consecutiveSuccesses,
		ConsecutiveFailures:  b.counts.consecutiveFailures,
		FailureThreshold:     b.config.FailureThreshold,
		Since:                b.since,
		OpenUntil:            b.openUntil,
	}
}

// Reset closes the circuit and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts = counts{}
	b.transition(ports.CircuitClosed, b.now())
}

var _ ports.CircuitBreaker = (*Breaker)(nil)
