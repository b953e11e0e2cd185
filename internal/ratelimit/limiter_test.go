package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestCheck_FixedWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := New(WithClock(clock.Now))
	window := time.Second

	first, err := l.Check(ctx, "ip:203.0.113.0", 3, window)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 2, first.Remaining)
	resetAt := first.ResetAt
	assert.Equal(t, clock.Now().Add(window), resetAt)

	clock.Advance(100 * time.Millisecond)
	second, _ := l.Check(ctx, "ip:203.0.113.0", 3, window)
	assert.True(t, second.Allowed)
	assert.Equal(t, 1, second.Remaining)

	third, _ := l.Check(ctx, "ip:203.0.113.0", 3, window)
	assert.True(t, third.Allowed)
	assert.Equal(t, 0, third.Remaining)

	fourth, _ := l.Check(ctx, "ip:203.0.113.0", 3, window)
	assert.False(t, fourth.Allowed)
	assert.Equal(t, 0, fourth.Remaining)
	assert.Equal(t, resetAt, fourth.ResetAt, "denial reports the existing window reset")

	// Exactly at the reset instant the old window still applies.
	clock.Set(resetAt)
	atReset, _ := l.Check(ctx, "ip:203.0.113.0", 3, window)
	assert.False(t, atReset.Allowed)

	clock.Set(resetAt.Add(time.Millisecond))
	after, _ := l.Check(ctx, "ip:203.0.113.0", 3, window)
	assert.True(t, after.Allowed)
	assert.Equal(t, 2, after.Remaining, "new window starts at count 1")
	assert.Equal(t, clock.Now().Add(window), after.ResetAt)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := New()

	for i := 0; i < 2; i++ {
		res, _ := l.Check(ctx, "project:a", 2, time.Minute)
		require.True(t, res.Allowed)
	}
	denied, _ := l.Check(ctx, "project:a", 2, time.Minute)
	assert.False(t, denied.Allowed)

	other, _ := l.Check(ctx, "project:b", 2, time.Minute)
	assert.True(t, other.Allowed)
}

func TestCheck_BoundaryBurstAdmitsTwiceTheLimit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	admitted := 0
	first, _ := l.Check(ctx, "k", 5, time.Second)
	admitted++
	clock.Set(first.ResetAt.Add(-time.Millisecond))
	for i := 0; i < 4; i++ {
		if res, _ := l.Check(ctx, "k", 5, time.Second); res.Allowed {
			admitted++
		}
	}
	clock.Set(first.ResetAt.Add(time.Millisecond))
	for i := 0; i < 10; i++ {
		if res, _ := l.Check(ctx, "k", 5, time.Second); res.Allowed {
			admitted++
		}
	}

	assert.Equal(t, 10, admitted)
}

func TestCheck_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	l := New()

	const limit = 50
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, "project:hot", limit, time.Minute)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	_, _ = l.Check(ctx, "short", 10, time.Second)
	_, _ = l.Check(ctx, "long", 10, time.Hour)
	require.Equal(t, 2, l.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestServe_SweepsUntilCancelled(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now), WithSweepInterval(5*time.Millisecond))

	for i := 0; i < 10; i++ {
		_, _ = l.Check(context.Background(), fmt.Sprintf("ip:%d", i), 1, time.Second)
	}
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop after cancellation")
	}
}

func TestResult_RetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 42*time.Second, Result{ResetAt: now.Add(42 * time.Second)}.RetryAfter(now))
	assert.Equal(t, time.Second, Result{ResetAt: now.Add(10 * time.Millisecond)}.RetryAfter(now))
	assert.Equal(t, time.Second, Result{ResetAt: now.Add(-time.Second)}.RetryAfter(now))
}
