// Package health runs periodic probes against one upstream provider and
// publishes status transitions to subscribers.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Target is the probe surface the monitor drives. The executor implements
// it with rate limiting and caching bypassed so a throttled provider still
// gets health checked.
type Target interface {
	Name() string
	ProbeChainID(ctx context.Context) (string, time.Duration, error)
	ProbeBlockNumber(ctx context.Context) (uint64, time.Duration, error)
}

// Config tunes the probe loop.
type Config struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	LatencyThreshold time.Duration
	FailureThreshold int

	// ExpectedChainID guards against a provider URL pointing at the wrong
	// network. Empty disables the check.
	ExpectedChainID string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = 2 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	return c
}

// Snapshot is the monitor's view of a provider at one instant.
type Snapshot struct {
	Provider            string
	Healthy             bool
	Degraded            bool
	LastCheck           time.Time
	AvgLatency          time.Duration
	ConsecutiveFailures int
	LatestBlock         uint64
	LastError           string
}

// Monitor probes a single target on a ticker. Status changes fan out to
// subscriber channels; slow subscribers drop updates rather than stall the
// loop.
type Monitor struct {
	target Target
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	snap     Snapshot
	subs     []chan Snapshot
	stopped  bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

func NewMonitor(target Target, cfg Config, logger *zap.Logger) *Monitor {
	return &Monitor{
		target: target,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("provider", target.Name())),
		snap:   Snapshot{Provider: target.Name(), Healthy: true},
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the probe loop. An immediate first probe runs before the
// ticker settles into the configured interval.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.tick()
		t := time.NewTicker(m.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-t.C:
				m.tick()
			}
		}
	}()
}

// Stop ends the loop and closes subscriber channels.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.mu.Lock()
		m.stopped = true
		for _, ch := range m.subs {
			close(ch)
		}
		m.subs = nil
		m.mu.Unlock()
	})
}

// Subscribe returns a channel that receives a snapshot whenever the
// healthy/degraded verdict changes. The channel is closed on Stop.
func (m *Monitor) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 8)
	m.mu.Lock()
	if m.stopped {
		close(ch)
	} else {
		m.subs = append(m.subs, ch)
	}
	m.mu.Unlock()
	return ch
}

// Status returns the latest snapshot.
func (m *Monitor) Status() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// ProbeOnce runs the full probe set synchronously and returns the verdict
// without publishing it. Credential rotation uses this to vet a candidate.
func (m *Monitor) ProbeOnce(ctx context.Context) Snapshot {
	m.mu.RLock()
	prev := m.snap
	m.mu.RUnlock()
	return m.probe(ctx, prev)
}

func (m *Monitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()

	m.mu.Lock()
	prev := m.snap
	next := m.probe(ctx, prev)
	m.snap = next
	changed := next.Healthy != prev.Healthy || next.Degraded != prev.Degraded
	subs := m.subs
	m.mu.Unlock()

	if !changed {
		return
	}
	if !next.Healthy {
		m.logger.Warn("provider unhealthy",
			zap.Int("consecutive_failures", next.ConsecutiveFailures),
			zap.String("error", next.LastError))
	} else if next.Degraded {
		m.logger.Warn("provider degraded", zap.Duration("latency", next.AvgLatency))
	} else {
		m.logger.Info("provider healthy")
	}
	for _, ch := range subs {
		select {
		case ch <- next:
		default:
		}
	}
}

// probe runs the chain-id and block-number checks and folds the result into
// prev. A probe fails when either call errors, the chain id is wrong, or
// the reported block regresses implausibly.
func (m *Monitor) probe(ctx context.Context, prev Snapshot) Snapshot {
	next := prev
	next.LastCheck = m.now()
	next.LastError = ""

	chainID, d1, err := m.target.ProbeChainID(ctx)
	if err != nil {
		return m.fail(next, err.Error())
	}
	if m.cfg.ExpectedChainID != "" && chainID != m.cfg.ExpectedChainID {
		return m.fail(next, "chain id mismatch: got "+chainID)
	}

	block, d2, err := m.target.ProbeBlockNumber(ctx)
	if err != nil {
		return m.fail(next, err.Error())
	}
	if block == 0 {
		return m.fail(next, "provider reported block 0")
	}
	if prev.LatestBlock > 0 && block < prev.LatestBlock {
		// A small regression can be a load-balanced lagging node; a large
		// one means the provider is serving stale or wrong data.
		if prev.LatestBlock-block > 10 {
			return m.fail(next, "block number regressed")
		}
	} else {
		next.LatestBlock = block
	}

	next.Healthy = true
	next.ConsecutiveFailures = 0
	latency := (d1 + d2) / 2
	if next.AvgLatency == 0 {
		next.AvgLatency = latency
	} else {
		next.AvgLatency = (next.AvgLatency*7 + latency*3) / 10
	}
	next.Degraded = next.AvgLatency > m.cfg.LatencyThreshold
	return next
}

func (m *Monitor) fail(next Snapshot, reason string) Snapshot {
	next.ConsecutiveFailures++
	next.LastError = reason
	if next.ConsecutiveFailures >= m.cfg.FailureThreshold {
		next.Healthy = false
	}
	return next
}
