// Package ratelimit implements the per-provider request budgets. Three
// interchangeable strategies exist: a sliding window over request
// timestamps, a token bucket for high-throughput providers, and a
// compute-unit budget for metered providers.
//
// Allow reserves capacity; a granted slot counts against the budget
// immediately so that concurrent in-flight calls cannot oversubscribe a
// window. Record marks the request complete and only updates accounting
// derived from completions (totals, telemetry).
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"aegis/internal/provider"
	"aegis/internal/rpcerr"
)

// Reason explains why a request was denied.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonPerSecond     Reason = "per_second_cap"
	ReasonBurst         Reason = "burst_cap"
	ReasonDailyQuota    Reason = "daily_quota"
	ReasonBucketEmpty   Reason = "bucket_empty"
	ReasonComputeBudget Reason = "compute_budget"
)

// Decision is the outcome of one Allow call. RetryAfter is the earliest time
// a denied request could succeed.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

// Limiter is the contract every strategy satisfies. Implementations are safe
// for concurrent use.
type Limiter interface {
	// Allow reserves one slot for method, or explains the denial.
	Allow(ctx context.Context, method string) Decision
	// Record marks a previously allowed request as completed.
	Record(method string)
	// SetTelemetry feeds the provider's own remaining-budget headers back
	// into the limiter. Implementations may ignore it.
	SetTelemetry(t provider.RateTelemetry)
	// Utilization reports the fraction of the binding budget currently
	// consumed, in [0, 1].
	Utilization() float64
	// Close stops background timers. The limiter must not be used after.
	Close()
}

// New builds the limiter selected by the profile's strategy.
func New(p provider.Profile, logger *zap.Logger) (Limiter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := p.RateLimit
	switch cfg.Strategy {
	case provider.StrategySlidingWindow:
		return newSlidingWindow(cfg, logger), nil
	case provider.StrategyTokenBucket:
		return newTokenBucket(cfg, logger), nil
	case provider.StrategyComputeUnits:
		return newComputeBudget(p, logger), nil
	default:
		return nil, rpcerr.New(rpcerr.KindInvalidConfig, p.Name, "unknown rate limit strategy %q", cfg.Strategy)
	}
}

// nextUTCMidnight returns the duration until the next daily reset boundary.
func nextUTCMidnight(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(now)
}
