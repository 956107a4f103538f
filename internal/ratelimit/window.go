package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"aegis/internal/provider"
)

const burstWindow = 10 * time.Second

// slidingWindow keeps a pruned log of grant timestamps and enforces a
// per-second cap, a 10-second burst cap, and a daily quota reset at UTC
// midnight. All state is guarded by one mutex, including the daily reset.
type slidingWindow struct {
	mu     sync.Mutex
	cfg    provider.RateLimitConfig
	log    []time.Time
	daily  int64
	total  int64
	logger *zap.Logger

	now        func() time.Time
	resetTimer *time.Timer
	closed     bool
}

func newSlidingWindow(cfg provider.RateLimitConfig, logger *zap.Logger) *slidingWindow {
	w := &slidingWindow{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	w.scheduleDailyReset()
	return w
}

func (w *slidingWindow) scheduleDailyReset() {
	if w.cfg.DailyQuota <= 0 {
		return
	}
	w.resetTimer = time.AfterFunc(nextUTCMidnight(w.now()), func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			return
		}
		w.daily = 0
		w.logger.Debug("daily quota reset")
		w.resetTimer.Reset(nextUTCMidnight(w.now()))
	})
}

// prune drops log entries older than the burst window. Caller holds the lock.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-burstWindow)
	i := 0
	for i < len(w.log) && w.log[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.log = append(w.log[:0], w.log[i:]...)
	}
}

func (w *slidingWindow) Allow(ctx context.Context, method string) Decision {
	if err := ctx.Err(); err != nil {
		return Decision{Allowed: false, Reason: ReasonNone}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	if w.cfg.DailyQuota > 0 && w.daily >= w.cfg.DailyQuota {
		return Decision{Allowed: false, Reason: ReasonDailyQuota, RetryAfter: nextUTCMidnight(now)}
	}

	secondCutoff := now.Add(-time.Second)
	inSecond := 0
	var oldestInSecond time.Time
	for i := len(w.log) - 1; i >= 0; i-- {
		if w.log[i].Before(secondCutoff) {
			break
		}
		inSecond++
		oldestInSecond = w.log[i]
	}
	if inSecond >= w.cfg.RequestsPerSecond {
		return Decision{
			Allowed:    false,
			Reason:     ReasonPerSecond,
			RetryAfter: oldestInSecond.Add(time.Second).Sub(now),
		}
	}

	if w.cfg.BurstSize > 0 && len(w.log) >= w.cfg.BurstSize {
		return Decision{
			Allowed:    false,
			Reason:     ReasonBurst,
			RetryAfter: w.log[0].Add(burstWindow).Sub(now),
		}
	}

	w.log = append(w.log, now)
	w.daily++
	return Decision{Allowed: true}
}

func (w *slidingWindow) Record(string) {
	w.mu.Lock()
	w.total++
	w.mu.Unlock()
}

func (w *slidingWindow) SetTelemetry(provider.RateTelemetry) {}

func (w *slidingWindow) Utilization() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	secondCutoff := now.Add(-time.Second)
	inSecond := 0
	for i := len(w.log) - 1; i >= 0; i-- {
		if w.log[i].Before(secondCutoff) {
			break
		}
		inSecond++
	}
	if w.cfg.RequestsPerSecond <= 0 {
		return 0
	}
	return float64(inSecond) / float64(w.cfg.RequestsPerSecond)
}

func (w *slidingWindow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.resetTimer != nil {
		w.resetTimer.Stop()
	}
}
