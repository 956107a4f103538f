package client

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"aegis/internal/health"
	"aegis/internal/metrics"
	"aegis/internal/rpcerr"
)

// FailoverConfig tunes when a chain switches providers.
type FailoverConfig struct {
	// FailureThreshold switches after this many consecutive failures on the
	// active provider, regardless of error kind.
	FailureThreshold int

	// RevertInterval is how often the controller checks whether a
	// higher-priority provider can take traffic back.
	RevertInterval time.Duration
}

func (c FailoverConfig) withDefaults() FailoverConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RevertInterval <= 0 {
		c.RevertInterval = time.Second
	}
	return c
}

// Controller owns the ordered provider list for one chain and decides which
// executor serves each call. Certain error kinds escalate to the next
// provider immediately; anything else escalates only after the failure
// threshold. When every provider has been tried the caller gets a single
// aggregate error.
type Controller struct {
	chain   string
	execs   []*Executor
	cfg     FailoverConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu         sync.Mutex
	active     int
	streak     int
	switchedAt time.Time

	watchDone chan struct{}
	watchWG   sync.WaitGroup
	watchOnce sync.Once
}

// NewController takes ownership of execs, ordering them by profile priority
// (lower value serves first).
func NewController(chain string, execs []*Executor, cfg FailoverConfig, m *metrics.Metrics, logger *zap.Logger) *Controller {
	sort.SliceStable(execs, func(i, j int) bool {
		return execs[i].Profile().Priority < execs[j].Profile().Priority
	})
	c := &Controller{
		chain:     chain,
		execs:     execs,
		cfg:       cfg.withDefaults(),
		metrics:   m,
		logger:    logger.With(zap.String("chain", chain)),
		watchDone: make(chan struct{}),
	}
	m.SetActiveProvider(chain, 0)
	return c
}

// escalates reports whether err should push traffic to the next provider
// without waiting for the failure threshold.
func escalates(err error) bool {
	switch rpcerr.KindOf(err) {
	case rpcerr.KindRateLimited, rpcerr.KindQuotaExceeded, rpcerr.KindServiceUnavailable:
		return true
	}
	return false
}

// Call tries the active provider first, then walks the remaining providers
// in priority order. Non-escalating errors below the threshold are returned
// to the caller unchanged.
func (c *Controller) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	start := c.active
	c.mu.Unlock()

	var tried []error
	for i := 0; i < len(c.execs); i++ {
		idx := (start + i) % len(c.execs)
		result, err := c.execs[idx].Call(ctx, method, params)
		if err == nil {
			c.noteSuccess(idx)
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		tried = append(tried, err)

		if !c.noteFailure(idx, err) {
			return nil, err
		}
	}

	agg := rpcerr.Wrap(rpcerr.KindFailoverExhausted, "", errors.Join(tried...))
	agg.Message = "all providers failed"
	c.logger.Error("failover exhausted",
		zap.String("method", method), zap.Int("providers", len(c.execs)), zap.Error(agg))
	return nil, agg
}

func (c *Controller) noteSuccess(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx == c.active {
		c.streak = 0
	}
}

// noteFailure records a failure on idx and reports whether the caller should
// move on to the next provider.
func (c *Controller) noteFailure(idx int, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx != c.active {
		// Already past the active provider; keep walking the list.
		return true
	}

	c.streak++
	if !escalates(err) && c.streak < c.cfg.FailureThreshold {
		return false
	}

	next := (c.active + 1) % len(c.execs)
	c.switchTo(next, string(rpcerr.KindOf(err)))
	return true
}

// switchTo moves the active index. Caller holds the lock.
func (c *Controller) switchTo(idx int, reason string) {
	if idx == c.active {
		return
	}
	from := c.execs[c.active].Name()
	c.active = idx
	c.streak = 0
	c.switchedAt = time.Now()
	c.metrics.RecordFailover(c.chain, idx)
	c.logger.Warn("switching provider",
		zap.String("from", from),
		zap.String("to", c.execs[idx].Name()),
		zap.String("reason", reason))
}

// Active returns the index and executor currently serving.
func (c *Controller) Active() (int, *Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.execs[c.active]
}

// Executors returns the priority-ordered executor list.
func (c *Controller) Executors() []*Executor { return c.execs }

// executorByName finds an executor by provider name.
func (c *Controller) executorByName(name string) (*Executor, bool) {
	for _, e := range c.execs {
		if e.Name() == name {
			return e, true
		}
	}
	return nil, false
}

// WatchHealth consumes monitor subscriptions and runs the revert check. The
// active provider turning unhealthy pushes traffic to the best healthy
// alternative; a healthy probe on a higher-priority provider after a switch
// pulls traffic back, whether or not the provider ever changed state.
func (c *Controller) WatchHealth(monitors map[string]*health.Monitor) {
	healthy := make(map[string]bool, len(c.execs))
	var hmu sync.Mutex
	for _, e := range c.execs {
		healthy[e.Name()] = true
	}

	for name, mon := range monitors {
		ch := mon.Subscribe()
		c.watchWG.Add(1)
		go func(name string, ch <-chan health.Snapshot) {
			defer c.watchWG.Done()
			for {
				select {
				case <-c.watchDone:
					return
				case snap, ok := <-ch:
					if !ok {
						return
					}
					hmu.Lock()
					healthy[name] = snap.Healthy
					best := c.bestHealthy(healthy)
					hmu.Unlock()
					if best >= 0 {
						c.mu.Lock()
						c.switchTo(best, "health change on "+name)
						c.mu.Unlock()
					}
				}
			}
		}(name, ch)
	}

	c.watchWG.Add(1)
	go func() {
		defer c.watchWG.Done()
		t := time.NewTicker(c.cfg.RevertInterval)
		defer t.Stop()
		for {
			select {
			case <-c.watchDone:
				return
			case <-t.C:
				c.maybeRevert(monitors)
			}
		}
	}()
}

// maybeRevert moves traffic back to a higher-priority provider once its
// monitor has recorded a healthy probe after the last switch. This covers
// switches where the abandoned provider never turned unhealthy, such as a
// rate-limit escalation.
func (c *Controller) maybeRevert(monitors map[string]*health.Monitor) {
	c.mu.Lock()
	active := c.active
	since := c.switchedAt
	c.mu.Unlock()
	if active == 0 {
		return
	}

	for i := 0; i < active; i++ {
		mon, ok := monitors[c.execs[i].Name()]
		if !ok {
			continue
		}
		snap := mon.Status()
		if !snap.Healthy || !snap.LastCheck.After(since) {
			continue
		}
		c.mu.Lock()
		if c.active == active {
			c.switchTo(i, "higher-priority provider healthy")
		}
		c.mu.Unlock()
		return
	}
}

// bestHealthy returns the lowest-priority-value healthy executor, or -1 when
// none is healthy. Caller holds hmu.
func (c *Controller) bestHealthy(healthy map[string]bool) int {
	for i, e := range c.execs {
		if healthy[e.Name()] {
			return i
		}
	}
	return -1
}

// Stop ends health watching.
func (c *Controller) Stop() {
	c.watchOnce.Do(func() { close(c.watchDone) })
	c.watchWG.Wait()
}
