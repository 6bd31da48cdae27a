package rate_limiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

const (
	defaultRequestsPerSecond = 100
	defaultWaitTimeout       = 5 * time.Second
	defaultCleanupInterval   = 5 * time.Minute
	defaultKeyExpiry         = 10 * time.Minute
)

type target struct {
	limiter   *rate.Limiter
	lastUsed  atomic.Int64
	admitted  atomic.Int64
	delayed   atomic.Int64
	throttled atomic.Int64
	waiting   atomic.Int32
}

func (t *target) touch(now time.Time) {
	t.lastUsed.Store(now.UnixNano())
}

// Limiter keeps one token bucket per integration target. Targets without an
// explicit limit share the default settings; idle buckets for those targets
// are dropped after KeyExpiry.
type Limiter struct {
	defaults domain.RateLimitSettings
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	targets   map[string]*target
	overrides map[string]domain.RateLimitSettings

	done chan struct{}
	once sync.Once
}

func normalize(s domain.RateLimitSettings) domain.RateLimitSettings {
	if s.RequestsPerSecond <= 0 {
		s.RequestsPerSecond = defaultRequestsPerSecond
	}
	if s.BurstSize <= 0 {
		s.BurstSize = max(int(s.RequestsPerSecond), 1)
	}
	if s.WaitTimeout <= 0 {
		s.WaitTimeout = defaultWaitTimeout
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = defaultCleanupInterval
	}
	if s.KeyExpiry <= 0 {
		s.KeyExpiry = defaultKeyExpiry
	}
	return s
}

func NewLimiter(defaults domain.RateLimitSettings, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		defaults:  normalize(defaults),
		logger:    logger.With("component", "rate-limiter"),
		now:       time.Now,
		targets:   make(map[string]*target),
		overrides: make(map[string]domain.RateLimitSettings),
		done:      make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *Limiter) settingsFor(name string) domain.RateLimitSettings {
	if s, ok := l.overrides[name]; ok {
		return s
	}
	return l.defaults
}

func (l *Limiter) get(name string) *target {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.targets[name]
	if !ok {
		s := l.settingsFor(name)
		t = &target{limiter: rate.NewLimiter(rate.Limit(s.RequestsPerSecond), s.BurstSize)}
		l.targets[name] = t
	}
	t.touch(l.now())
	return t
}

func (l *Limiter) Allow(name string) bool {
	t := l.get(name)
	if t.limiter.AllowN(l.now(), 1) {
		t.admitted.Add(1)
		return true
	}
	t.throttled.Add(1)
	return false
}

func (l *Limiter) Wait(ctx context.Context, name string) error {
	t := l.get(name)
	l.mu.Lock()
	timeout := l.settingsFor(name).WaitTimeout
	l.mu.Unlock()

	r := t.limiter.ReserveN(l.now(), 1)
	if !r.OK() {
		t.throttled.Add(1)
		return fmt.Errorf("target %s: %w", name, domain.ErrRateLimited)
	}

	delay := r.DelayFrom(l.now())
	if delay == 0 {
		t.admitted.Add(1)
		return nil
	}
	if delay > timeout {
		r.CancelAt(l.now())
		t.throttled.Add(1)
		return fmt.Errorf("target %s: next slot in %s exceeds wait of %s: %w", name, delay, timeout, domain.ErrRateLimited)
	}

	t.waiting.Add(1)
	defer t.waiting.Add(-1)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		t.admitted.Add(1)
		t.delayed.Add(1)
		return nil
	}
}

// SetLimit pins target to limit. The override outlives idle cleanup.
func (l *Limiter) SetLimit(name string, limit domain.RateLimitSettings) {
	limit = normalize(limit)

	l.mu.Lock()
	l.overrides[name] = limit
	t, ok := l.targets[name]
	l.mu.Unlock()

	if ok {
		now := l.now()
		t.limiter.SetLimitAt(now, rate.Limit(limit.RequestsPerSecond))
		t.limiter.SetBurstAt(now, limit.BurstSize)
	}
	l.logger.Debug("rate limit set", "target", name, "rps", limit.RequestsPerSecond, "burst", limit.BurstSize)
}

func (l *Limiter) Limits() map[string]ports.TargetLimit {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make(map[string]ports.TargetLimit, len(l.targets))
	for name, t := range l.targets {
		out[name] = ports.TargetLimit{
			Target:            name,
			RequestsPerSecond: float64(t.limiter.Limit()),
			BurstSize:         t.limiter.Burst(),
			TokensAvailable:   t.limiter.TokensAt(now),
			Admitted:          t.admitted.Load(),
			Delayed:           t.delayed.Load(),
			Throttled:         t.throttled.Load(),
		}
	}
	return out
}

func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.defaults.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.dropIdle()
		}
	}
}

func (l *Limiter) dropIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.defaults.KeyExpiry).UnixNano()
	dropped := 0
	for name, t := range l.targets {
		if _, pinned := l.overrides[name]; pinned {
			continue
		}
		if t.waiting.Load() == 0 && t.lastUsed.Load() < cutoff {
			delete(l.targets, name)
			dropped++
		}
	}
	if dropped > 0 {
		l.logger.Debug("dropped idle targets", "count", dropped)
	}
	return dropped
}

var _ ports.RateLimiter = (*Limiter)(nil)
