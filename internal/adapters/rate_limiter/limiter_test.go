package rate_limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dagflow/internal/domain"
)

func newTestLimiter(t *testing.T, rps float64, burst int, wait time.Duration) *Limiter {
	t.Helper()
	l := NewLimiter(domain.RateLimitSettings{
		RequestsPerSecond: rps,
		BurstSize:         burst,
		WaitTimeout:       wait,
		CleanupInterval:   time.Minute,
		KeyExpiry:         time.Minute,
	}, nil)
	t.Cleanup(l.Close)
	return l
}

func TestLimiter_AllowPerTarget(t *testing.T) {
	l := newTestLimiter(t, 2, 2, 100*time.Millisecond)

	assert.True(t, l.Allow("crm"))
	assert.True(t, l.Allow("crm"))
	assert.False(t, l.Allow("crm"), "burst exhausted")
	assert.True(t, l.Allow("billing"), "targets are limited independently")

	crm := l.Limits()["crm"]
	assert.Equal(t, int64(2), crm.Admitted)
	assert.Equal(t, int64(1), crm.Throttled)
}

func TestLimiter_WaitDelaysUntilRefill(t *testing.T) {
	l := newTestLimiter(t, 20, 1, time.Second)
	require.True(t, l.Allow("crm"))

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "crm"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, int64(1), l.Limits()["crm"].Delayed)
}

func TestLimiter_WaitRejectsBeyondTimeout(t *testing.T) {
	l := newTestLimiter(t, 0.5, 1, 50*time.Millisecond)
	require.True(t, l.Allow("crm"))

	start := time.Now()
	err := l.Wait(context.Background(), "crm")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Contains(t, err.Error(), "target crm")
	assert.Less(t, time.Since(start), 50*time.Millisecond, "a wait that cannot succeed fails at once")
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	l := newTestLimiter(t, 5, 1, time.Second)
	require.True(t, l.Allow("crm"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, l.Wait(ctx, "crm"), context.DeadlineExceeded)
}

func TestLimiter_SetLimit(t *testing.T) {
	l := newTestLimiter(t, 100, 100, 50*time.Millisecond)

	require.True(t, l.Allow("slow-api"))
	l.SetLimit("slow-api", domain.RateLimitSettings{RequestsPerSecond: 1, BurstSize: 1})

	limits := l.Limits()["slow-api"]
	assert.Equal(t, 1.0, limits.RequestsPerSecond)
	assert.Equal(t, 1, limits.BurstSize)

	l.SetLimit("new-api", domain.RateLimitSettings{RequestsPerSecond: 1, BurstSize: 1})
	assert.True(t, l.Allow("new-api"))
	assert.False(t, l.Allow("new-api"), "override applies to buckets created later")
	assert.True(t, l.Allow("fast-api"))
}

func TestLimiter_DropIdleKeepsPinnedTargets(t *testing.T) {
	l := newTestLimiter(t, 10, 10, time.Second)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("transient")
	l.SetLimit("pinned", domain.RateLimitSettings{RequestsPerSecond: 1, BurstSize: 1})
	l.Allow("pinned")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, l.dropIdle())

	limits := l.Limits()
	assert.NotContains(t, limits, "transient")
	assert.Contains(t, limits, "pinned")
}

func TestLimiter_ConcurrentAllowNeverExceedsBurst(t *testing.T) {
	l := newTestLimiter(t, 0.001, 10, time.Millisecond)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
	shared := l.Limits()["shared"]
	assert.Equal(t, int64(10), shared.Admitted)
	assert.Equal(t, int64(90), shared.Throttled)
}
