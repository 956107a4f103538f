// Package breaker implements a per-provider circuit breaker. The breaker
// trips after a configured number of consecutive failures inside a
// monitoring window, fails fast while open, and lets exactly one probe
// through after the recovery time elapses.
package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"aegis/internal/rpcerr"
)

// State is the breaker position.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config holds the trip thresholds. Zero fields take the defaults.
type Config struct {
	FailureThreshold int
	MonitoringPeriod time.Duration
	RecoveryTime     time.Duration
}

const (
	defaultFailureThreshold = 5
	defaultMonitoringPeriod = 10 * time.Second
	defaultRecoveryTime     = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = defaultMonitoringPeriod
	}
	if c.RecoveryTime <= 0 {
		c.RecoveryTime = defaultRecoveryTime
	}
	return c
}

// Status is a point-in-time snapshot for metrics and dashboards.
type Status struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	NextProbe   time.Time `json:"next_probe"`
}

// Breaker is safe for concurrent use. All transitions happen under one mutex;
// the wrapped function runs outside it.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	provider    string
	state       State
	failures    int
	windowStart time.Time
	lastFailure time.Time
	nextProbe   time.Time
	probing     bool
	logger      *zap.Logger

	now func() time.Time
}

func New(provider string, cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		cfg:      cfg.withDefaults(),
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// IsOpen reports whether a call made now would fail fast.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		return b.now().Before(b.nextProbe)
	case StateHalfOpen:
		return b.probing
	}
	return false
}

// Execute runs fn under the breaker. While open it fails fast with a
// ServiceUnavailable error without invoking fn. In half-open, only a single
// probe is in flight; concurrent callers fail fast until it settles.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	b.settle(err)
	return err
}

// admit decides whether the caller may proceed, transitioning OPEN →
// HALF_OPEN when the recovery time has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(b.nextProbe) {
			e := rpcerr.New(rpcerr.KindServiceUnavailable, b.provider, "circuit open")
			e.RetryAfter = b.nextProbe.Sub(now)
			return e
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger.Info("circuit half-open, probing", zap.String("provider", b.provider))
		return nil
	case StateHalfOpen:
		if b.probing {
			return rpcerr.New(rpcerr.KindServiceUnavailable, b.provider, "circuit half-open, probe in flight")
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateHalfOpen {
		b.probing = false
		if err == nil {
			b.state = StateClosed
			b.failures = 0
			b.logger.Info("circuit closed", zap.String("provider", b.provider))
		} else {
			b.state = StateOpen
			b.failures++
			b.lastFailure = now
			b.nextProbe = now.Add(b.cfg.RecoveryTime)
			b.logger.Warn("probe failed, circuit re-opened",
				zap.String("provider", b.provider), zap.Time("next_probe", b.nextProbe))
		}
		return
	}

	if err == nil {
		b.failures = 0
		return
	}

	if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.MonitoringPeriod {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now

	if b.failures >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.nextProbe = now.Add(b.cfg.RecoveryTime)
		b.logger.Warn("circuit opened",
			zap.String("provider", b.provider),
			zap.Int("failures", b.failures),
			zap.Time("next_probe", b.nextProbe))
	}
}

// RecordSuccess feeds an out-of-band success (e.g. a health probe) into the
// breaker without running a function.
func (b *Breaker) RecordSuccess() {
	b.settle(nil)
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		NextProbe:   b.nextProbe,
	}
}
