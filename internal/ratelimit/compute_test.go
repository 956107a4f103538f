package ratelimit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"aegis/internal/provider"
)

func newTestCompute(budget int, costs map[string]int) (*computeBudget, *fakeClock) {
	p := provider.Profile{
		Name:  "alchemy",
		Chain: "ethereum",
		RateLimit: provider.RateLimitConfig{
			Strategy:              provider.StrategyComputeUnits,
			ComputeUnitsPerSecond: budget,
			MethodCosts:           costs,
		},
	}
	c := newComputeBudget(p, zap.NewNop())
	clock := newFakeClock()
	c.now = clock.now
	return c, clock
}

func TestComputeBudgetDenial(t *testing.T) {
	c, _ := newTestCompute(100, map[string]int{"eth_call": 26})
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if d := c.Allow(ctx, "eth_call"); !d.Allowed {
			t.Fatalf("call %d denied at %d units spent", i, i*26)
		}
	}
	// 78 spent; one more eth_call would hit 104 > 100.
	d := c.Allow(ctx, "eth_call")
	if d.Allowed {
		t.Fatal("call over the unit budget allowed")
	}
	if d.Reason != ReasonComputeBudget {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonComputeBudget)
	}
	if d.RetryAfter <= 0 {
		t.Error("denied decision must carry a positive RetryAfter")
	}
}

func TestComputeBudgetIndependentOfRequestCount(t *testing.T) {
	// Zero-cost methods never exhaust the budget, no matter how many.
	c, _ := newTestCompute(50, map[string]int{"eth_chainId": 0})
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 500; i++ {
		if !c.Allow(ctx, "eth_chainId").Allowed {
			t.Fatalf("zero-cost call %d denied", i)
		}
	}
}

func TestComputeBucketResets(t *testing.T) {
	c, clock := newTestCompute(30, map[string]int{"eth_call": 26})
	defer c.Close()

	ctx := context.Background()
	if !c.Allow(ctx, "eth_call").Allowed {
		t.Fatal("first call denied")
	}
	if c.Allow(ctx, "eth_call").Allowed {
		t.Fatal("second call should exceed the per-second budget")
	}

	clock.advance(1100 * time.Millisecond)
	if !c.Allow(ctx, "eth_call").Allowed {
		t.Fatal("budget should reset in the next second")
	}
}

func TestComputeDefaultCost(t *testing.T) {
	c, _ := newTestCompute(provider.DefaultCost, nil)
	defer c.Close()

	ctx := context.Background()
	if !c.Allow(ctx, "eth_someExoticMethod").Allowed {
		t.Fatal("first default-cost call denied")
	}
	if c.Allow(ctx, "eth_someExoticMethod").Allowed {
		t.Fatal("second default-cost call should exceed the budget")
	}
}

func TestComputeTelemetry(t *testing.T) {
	c, _ := newTestCompute(100, nil)
	defer c.Close()

	c.SetTelemetry(provider.RateTelemetry{HasComputeInfo: true, ComputeRemaining: 12})
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasRemote || c.remoteRemaining != 12 {
		t.Error("compute telemetry not stored")
	}
}

func TestNewSelectsStrategy(t *testing.T) {
	base := provider.Profile{Name: "p", Chain: "ethereum"}

	base.RateLimit = provider.RateLimitConfig{Strategy: provider.StrategySlidingWindow, RequestsPerSecond: 1}
	l, err := New(base, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*slidingWindow); !ok {
		t.Error("expected sliding window limiter")
	}
	l.Close()

	base.RateLimit = provider.RateLimitConfig{Strategy: provider.StrategyTokenBucket, RequestsPerMinute: 60, BurstSize: 2}
	l, err = New(base, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*tokenBucket); !ok {
		t.Error("expected token bucket limiter")
	}
	l.Close()

	base.RateLimit = provider.RateLimitConfig{Strategy: provider.StrategyComputeUnits, ComputeUnitsPerSecond: 10}
	l, err = New(base, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*computeBudget); !ok {
		t.Error("expected compute budget limiter")
	}
	l.Close()

	base.RateLimit = provider.RateLimitConfig{Strategy: "bogus"}
	if _, err := New(base, zap.NewNop()); err == nil {
		t.Error("unknown strategy must fail")
	}
}
