package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"aegis/internal/provider"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestWindow(cfg provider.RateLimitConfig) (*slidingWindow, *fakeClock) {
	w := newSlidingWindow(cfg, zap.NewNop())
	clock := newFakeClock()
	w.now = clock.now
	return w, clock
}

func TestWindowPerSecondCap(t *testing.T) {
	w, _ := newTestWindow(provider.RateLimitConfig{
		Strategy:          provider.StrategySlidingWindow,
		RequestsPerSecond: 10,
		BurstSize:         100,
	})
	defer w.Close()

	ctx := context.Background()
	allowed := 0
	for i := 0; i < 25; i++ {
		d := w.Allow(ctx, "eth_blockNumber")
		if d.Allowed {
			allowed++
			w.Record("eth_blockNumber")
			continue
		}
		if d.Reason != ReasonPerSecond {
			t.Errorf("denial reason = %s, want %s", d.Reason, ReasonPerSecond)
		}
		if d.RetryAfter <= 0 {
			t.Error("denied decision must carry a positive RetryAfter")
		}
	}
	if allowed != 10 {
		t.Errorf("allowed %d requests in one second, want exactly 10", allowed)
	}
}

func TestWindowSlotFreesAfterOneSecond(t *testing.T) {
	w, clock := newTestWindow(provider.RateLimitConfig{
		Strategy:          provider.StrategySlidingWindow,
		RequestsPerSecond: 2,
		BurstSize:         100,
	})
	defer w.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if d := w.Allow(ctx, "eth_chainId"); !d.Allowed {
			t.Fatalf("call %d denied", i)
		}
	}
	if d := w.Allow(ctx, "eth_chainId"); d.Allowed {
		t.Fatal("third call within the second should be denied")
	}

	clock.advance(1100 * time.Millisecond)
	if d := w.Allow(ctx, "eth_chainId"); !d.Allowed {
		t.Fatal("slot should free up after the window slides")
	}
}

func TestWindowBurstCap(t *testing.T) {
	w, clock := newTestWindow(provider.RateLimitConfig{
		Strategy:          provider.StrategySlidingWindow,
		RequestsPerSecond: 5,
		BurstSize:         8,
	})
	defer w.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if d := w.Allow(ctx, "eth_call"); !d.Allowed {
			t.Fatalf("first batch call %d denied", i)
		}
	}

	clock.advance(1500 * time.Millisecond)
	granted := 0
	var last Decision
	for i := 0; i < 5; i++ {
		last = w.Allow(ctx, "eth_call")
		if last.Allowed {
			granted++
		}
	}
	if granted != 3 {
		t.Errorf("second batch granted %d, want 3 (burst cap 8)", granted)
	}
	if last.Reason != ReasonBurst {
		t.Errorf("denial reason = %s, want %s", last.Reason, ReasonBurst)
	}
}

func TestWindowDailyQuota(t *testing.T) {
	w, _ := newTestWindow(provider.RateLimitConfig{
		Strategy:          provider.StrategySlidingWindow,
		RequestsPerSecond: 100,
		BurstSize:         1000,
		DailyQuota:        3,
	})
	defer w.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if d := w.Allow(ctx, "eth_call"); !d.Allowed {
			t.Fatalf("call %d denied before quota", i)
		}
	}
	d := w.Allow(ctx, "eth_call")
	if d.Allowed {
		t.Fatal("call beyond daily quota allowed")
	}
	if d.Reason != ReasonDailyQuota {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonDailyQuota)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 24*time.Hour {
		t.Errorf("RetryAfter = %v, want within the next day", d.RetryAfter)
	}
}

func TestWindowDailyReset(t *testing.T) {
	w, _ := newTestWindow(provider.RateLimitConfig{
		Strategy:          provider.StrategySlidingWindow,
		RequestsPerSecond: 100,
		BurstSize:         1000,
		DailyQuota:        2,
	})
	defer w.Close()

	ctx := context.Background()
	w.Allow(ctx, "eth_call")
	w.Allow(ctx, "eth_call")
	if w.Allow(ctx, "eth_call").Allowed {
		t.Fatal("quota should be exhausted")
	}

	// Same path the midnight timer takes, under the same lock.
	w.mu.Lock()
	w.daily = 0
	w.mu.Unlock()

	if !w.Allow(ctx, "eth_call").Allowed {
		t.Fatal("quota should be available after the daily reset")
	}
}

func TestWindowUtilization(t *testing.T) {
	w, _ := newTestWindow(provider.RateLimitConfig{
		Strategy:          provider.StrategySlidingWindow,
		RequestsPerSecond: 10,
		BurstSize:         100,
	})
	defer w.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		w.Allow(ctx, "eth_call")
	}
	if u := w.Utilization(); u < 0.49 || u > 0.51 {
		t.Errorf("utilization = %f, want 0.5", u)
	}
}

func TestWindowConcurrentAllow(t *testing.T) {
	w, _ := newTestWindow(provider.RateLimitConfig{
		Strategy:          provider.StrategySlidingWindow,
		RequestsPerSecond: 10,
		BurstSize:         100,
	})
	defer w.Close()

	ctx := context.Background()
	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Allow(ctx, "eth_call").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Errorf("concurrent grants = %d, want exactly 10", allowed)
	}
}
