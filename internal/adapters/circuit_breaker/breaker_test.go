package circuit_breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() ports.CircuitBreakerConfig {
	return ports.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		MaxRequests:      1,
		CoolDown:         50 * time.Millisecond,
	}
}

var errDown = errors.New("target down")

func succeed(context.Context) error { return nil }

func fail(context.Context) error { return errDown }

// openBreaker drives a fresh breaker past its failure threshold.
func openBreaker(t *testing.T, clock *fakeClock) *Breaker {
	t.Helper()
	b := newBreaker("billing", testConfig(), nil, clock.Now)
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Call(context.Background(), fail), errDown)
	}
	require.Equal(t, ports.CircuitOpen, b.State())
	return b
}

func TestBreaker_StaysClosedOnSuccess(t *testing.T) {
	b := NewBreaker("billing", testConfig(), nil)

	require.NoError(t, b.Call(context.Background(), succeed))
	assert.Equal(t, ports.CircuitClosed, b.State())

	s := b.Snapshot()
	assert.Equal(t, "billing", s.Target)
	assert.Equal(t, int64(1), s.Requests)
	assert.Equal(t, int64(1), s.Successes)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := openBreaker(t, clock)

	var reached int32
	err := b.Call(context.Background(), func(context.Context) error {
		atomic.AddInt32(&reached, 1)
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Contains(t, err.Error(), "circuit for billing is open")
	assert.Zero(t, atomic.LoadInt32(&reached), "open circuit must skip the call")

	s := b.Snapshot()
	assert.Equal(t, int64(3), s.Failures)
	assert.Equal(t, int64(1), s.Rejected)
	assert.Equal(t, clock.Now().Add(50*time.Millisecond), s.OpenUntil)
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := NewBreaker("billing", testConfig(), nil)
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, succeed)
	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)

	assert.Equal(t, ports.CircuitClosed, b.State())
	assert.Equal(t, int64(2), b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_HalfOpenAllowsOneTrial(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := openBreaker(t, clock)
	clock.Advance(60 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Call(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.Equal(t, ports.CircuitHalfOpen, b.State())
	assert.ErrorIs(t, b.Call(context.Background(), succeed), domain.ErrCircuitOpen)

	close(release)
	wg.Wait()

	assert.Equal(t, ports.CircuitClosed, b.State())
	assert.Zero(t, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_HalfOpenFailureRestartsCoolDown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := openBreaker(t, clock)

	clock.Advance(60 * time.Millisecond)
	assert.ErrorIs(t, b.Call(context.Background(), fail), errDown)
	assert.Equal(t, ports.CircuitOpen, b.State())
	assert.Equal(t, clock.Now().Add(50*time.Millisecond), b.Snapshot().OpenUntil)

	clock.Advance(10 * time.Millisecond)
	assert.ErrorIs(t, b.Call(context.Background(), succeed), domain.ErrCircuitOpen)
}

func TestBreaker_StaleOutcomeIgnored(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newBreaker("billing", testConfig(), nil, clock.Now)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return errDown
		})
	}()
	<-started

	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), fail)
	}
	require.Equal(t, ports.CircuitOpen, b.State())
	clock.Advance(60 * time.Millisecond)
	require.NoError(t, b.Call(context.Background(), succeed))
	require.Equal(t, ports.CircuitClosed, b.State())

	close(release)
	assert.ErrorIs(t, <-done, errDown)
	assert.Equal(t, ports.CircuitClosed, b.State(), "a call admitted before the circuit opened must not count after recovery")
	assert.Zero(t, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_IgnoresNonFailures(t *testing.T) {
	cfg := testConfig()
	cfg.IsFailure = domain.IsTransient
	b := NewBreaker("billing", cfg, nil)

	permanent := domain.NewPermanentError("billing", "BAD_REQUEST", "malformed", nil)
	for i := 0; i < 5; i++ {
		_ = b.Call(context.Background(), func(context.Context) error { return permanent })
	}
	assert.Equal(t, ports.CircuitClosed, b.State())
}

func TestBreaker_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	b := NewBreaker("slow", cfg, nil)

	err := b.Call(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	assert.True(t, domain.IsTimeout(err))
	assert.Equal(t, int64(1), b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = time.Second
	b := NewBreaker("slow", cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := b.Call(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	changes := make(chan ports.CircuitState, 4)
	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.OnStateChange = func(target string, from, to ports.CircuitState) {
		changes <- to
	}
	b := NewBreaker("billing", cfg, nil)

	_ = b.Call(context.Background(), fail)

	select {
	case to := <-changes:
		assert.Equal(t, ports.CircuitOpen, to)
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
}

func TestBreaker_Reset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := openBreaker(t, clock)

	b.Reset()
	assert.Equal(t, ports.CircuitClosed, b.State())
	assert.Zero(t, b.Snapshot().Failures)
	assert.NoError(t, b.Call(context.Background(), succeed))
}

func TestProvider_OneBreakerPerTarget(t *testing.T) {
	p := NewProvider(func(target string) ports.CircuitBreakerConfig {
		cfg := testConfig()
		if target == "strict" {
			cfg.FailureThreshold = 1
		}
		return cfg
	}, nil)

	assert.Same(t, p.For("api"), p.For("api"))

	strict := p.For("strict")
	_ = strict.Call(context.Background(), fail)
	assert.Equal(t, ports.CircuitOpen, strict.State())

	snapshots := p.Snapshots()
	require.Len(t, snapshots, 2)
	assert.Equal(t, ports.CircuitOpen, snapshots["strict"].State)
	assert.Equal(t, 1, snapshots["strict"].FailureThreshold)

	assert.True(t, p.Reset("strict"))
	assert.Equal(t, ports.CircuitClosed, strict.State())
	assert.False(t, p.Reset("never-called"))
}
