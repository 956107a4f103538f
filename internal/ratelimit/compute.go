package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"aegis/internal/provider"
)

// computeBudget meters providers that bill per compute unit rather than per
// request. Each method has a fixed unit cost; a request is denied when the
// units reserved in the current one-second bucket plus the incoming cost
// would exceed the per-second budget, regardless of raw request count.
type computeBudget struct {
	mu      sync.Mutex
	profile provider.Profile
	budget  int
	logger  *zap.Logger

	bucketStart time.Time
	spent       int
	total       int64

	remoteRemaining int64
	hasRemote       bool

	now func() time.Time
}

func newComputeBudget(p provider.Profile, logger *zap.Logger) *computeBudget {
	return &computeBudget{
		profile: p,
		budget:  p.RateLimit.ComputeUnitsPerSecond,
		logger:  logger,
		now:     time.Now,
	}
}

func (c *computeBudget) Allow(ctx context.Context, method string) Decision {
	if err := ctx.Err(); err != nil {
		return Decision{Allowed: false}
	}

	cost := c.profile.CostOf(method)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.bucketStart) >= time.Second {
		c.bucketStart = now
		c.spent = 0
	}

	if c.spent+cost > c.budget {
		retry := c.bucketStart.Add(time.Second).Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return Decision{Allowed: false, Reason: ReasonComputeBudget, RetryAfter: retry}
	}

	c.spent += cost
	return Decision{Allowed: true}
}

func (c *computeBudget) Record(string) {
	c.mu.Lock()
	c.total++
	c.mu.Unlock()
}

func (c *computeBudget) SetTelemetry(t provider.RateTelemetry) {
	if !t.HasComputeInfo {
		return
	}
	c.mu.Lock()
	c.remoteRemaining = t.ComputeRemaining
	c.hasRemote = true
	c.mu.Unlock()
}

func (c *computeBudget) Utilization() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.budget <= 0 {
		return 0
	}
	if c.now().Sub(c.bucketStart) >= time.Second {
		return 0
	}
	return float64(c.spent) / float64(c.budget)
}

func (c *computeBudget) Close() {}
