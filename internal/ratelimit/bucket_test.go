package ratelimit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"aegis/internal/provider"
)

func newTestBucket(cfg provider.RateLimitConfig) (*tokenBucket, *fakeClock) {
	b := newTokenBucket(cfg, zap.NewNop())
	clock := newFakeClock()
	b.now = clock.now
	return b, clock
}

// The scenario from the provider SLAs: requestsPerSecond=10, burstSize=20,
// 25 calls inside 100ms must yield exactly 20 grants and 5 denials, each
// denial carrying a nonzero RetryAfter.
func TestBucketBurstThenThrottle(t *testing.T) {
	b, clock := newTestBucket(provider.RateLimitConfig{
		Strategy:          provider.StrategyTokenBucket,
		RequestsPerMinute: 600,
		RequestsPerSecond: 10,
		BurstSize:         20,
	})
	defer b.Close()

	ctx := context.Background()
	allowed, denied := 0, 0
	for i := 0; i < 25; i++ {
		d := b.Allow(ctx, "eth_call")
		if d.Allowed {
			allowed++
			b.Record("eth_call")
		} else {
			denied++
			if d.RetryAfter <= 0 {
				t.Error("denied decision must carry a positive RetryAfter")
			}
			if d.Reason != ReasonBucketEmpty {
				t.Errorf("reason = %s, want %s", d.Reason, ReasonBucketEmpty)
			}
		}
		clock.advance(4 * time.Millisecond)
	}
	if allowed != 20 || denied != 5 {
		t.Errorf("allowed=%d denied=%d, want 20/5", allowed, denied)
	}
}

func TestBucketRefill(t *testing.T) {
	b, clock := newTestBucket(provider.RateLimitConfig{
		Strategy:          provider.StrategyTokenBucket,
		RequestsPerMinute: 60, // one token per second
		RequestsPerSecond: 1,
		BurstSize:         2,
	})
	defer b.Close()

	ctx := context.Background()
	if !b.Allow(ctx, "eth_call").Allowed || !b.Allow(ctx, "eth_call").Allowed {
		t.Fatal("burst of 2 should be granted")
	}
	// Bucket empty and fixed window over cap.
	if b.Allow(ctx, "eth_call").Allowed {
		t.Fatal("third immediate call should be denied")
	}

	clock.advance(2 * time.Second)
	if !b.Allow(ctx, "eth_call").Allowed {
		t.Fatal("bucket should refill over time")
	}
}

func TestBucketSecondaryWindowFallback(t *testing.T) {
	// Tiny bucket with a generous per-second window: the window keeps
	// serving after the bucket drains.
	b, _ := newTestBucket(provider.RateLimitConfig{
		Strategy:          provider.StrategyTokenBucket,
		RequestsPerMinute: 60,
		RequestsPerSecond: 5,
		BurstSize:         1,
	})
	defer b.Close()

	ctx := context.Background()
	allowed := 0
	for i := 0; i < 10; i++ {
		if b.Allow(ctx, "eth_call").Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed = %d, want 5 (window cap after bucket drained)", allowed)
	}
}

func TestBucketUtilization(t *testing.T) {
	b, _ := newTestBucket(provider.RateLimitConfig{
		Strategy:          provider.StrategyTokenBucket,
		RequestsPerMinute: 600,
		RequestsPerSecond: 10,
		BurstSize:         10,
	})
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.Allow(ctx, "eth_call")
	}
	u := b.Utilization()
	if u < 0.4 || u > 0.6 {
		t.Errorf("utilization = %f, want about 0.5", u)
	}
}
