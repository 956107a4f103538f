package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"aegis/internal/provider"
)

// tokenBucket serves high-throughput providers: a bucket of BurstSize tokens
// refilled continuously at RequestsPerMinute/60 tokens per second. When the
// bucket is empty, a secondary fixed one-second window (fed by every grant)
// decides; only when both are exhausted is the request denied.
type tokenBucket struct {
	mu     sync.Mutex
	cfg    provider.RateLimitConfig
	lim    *rate.Limiter
	logger *zap.Logger

	windowStart time.Time
	windowCount int
	windowCap   int
	total       int64

	now func() time.Time
}

func newTokenBucket(cfg provider.RateLimitConfig, logger *zap.Logger) *tokenBucket {
	perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	cap := cfg.RequestsPerSecond
	if cap <= 0 {
		cap = cfg.RequestsPerMinute / 60
		if cap <= 0 {
			cap = 1
		}
	}
	return &tokenBucket{
		cfg:       cfg,
		lim:       rate.NewLimiter(perSecond, cfg.BurstSize),
		windowCap: cap,
		logger:    logger,
		now:       time.Now,
	}
}

func (b *tokenBucket) Allow(ctx context.Context, method string) Decision {
	if err := ctx.Err(); err != nil {
		return Decision{Allowed: false}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.windowStart) >= time.Second {
		b.windowStart = now
		b.windowCount = 0
	}

	if b.lim.AllowN(now, 1) {
		b.windowCount++
		return Decision{Allowed: true}
	}

	// Bucket drained: the fixed window may still have headroom.
	if b.windowCount < b.windowCap {
		b.windowCount++
		return Decision{Allowed: true}
	}

	r := b.lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)

	remaining := b.windowStart.Add(time.Second).Sub(now)
	if remaining > delay {
		delay = remaining
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	return Decision{Allowed: false, Reason: ReasonBucketEmpty, RetryAfter: delay}
}

func (b *tokenBucket) Record(string) {
	b.mu.Lock()
	b.total++
	b.mu.Unlock()
}

func (b *tokenBucket) SetTelemetry(provider.RateTelemetry) {}

func (b *tokenBucket) Utilization() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.BurstSize <= 0 {
		return 0
	}
	free := b.lim.TokensAt(b.now())
	if free < 0 {
		free = 0
	}
	u := 1 - free/float64(b.cfg.BurstSize)
	if u < 0 {
		return 0
	}
	return u
}

func (b *tokenBucket) Close() {}
