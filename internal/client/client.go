// Package client assembles provider executors, failover controllers and
// health monitors into the multi-chain RPC client.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"aegis/internal/cache"
	"aegis/internal/health"
	"aegis/internal/metrics"
	"aegis/internal/provider"
	"aegis/internal/rpcerr"
)

// Config is the assembled runtime configuration.
type Config struct {
	// Chains maps a chain name to its providers, any order; the controller
	// sorts by priority.
	Chains map[string][]provider.Profile

	Cache    cache.Config
	Failover FailoverConfig
	Health   health.Config
}

// Client is the top-level entry point. One controller per chain, one shared
// cache, one monitor per executor.
type Client struct {
	controllers map[string]*Controller
	monitors    map[string]map[string]*health.Monitor
	store       *cache.Store
	metrics     *metrics.Metrics
	logger      *zap.Logger

	inflight atomic.Int64
}

// New validates every profile before anything starts; a single bad profile
// fails construction.
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	if len(cfg.Chains) == 0 {
		return nil, rpcerr.New(rpcerr.KindInvalidConfig, "", "no chains configured")
	}
	for chain, profiles := range cfg.Chains {
		if len(profiles) == 0 {
			return nil, rpcerr.New(rpcerr.KindInvalidConfig, "", "chain %q has no providers", chain)
		}
		for _, p := range profiles {
			if err := p.Validate(); err != nil {
				return nil, err
			}
		}
	}

	store, err := cache.Open(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		controllers: make(map[string]*Controller, len(cfg.Chains)),
		monitors:    make(map[string]map[string]*health.Monitor, len(cfg.Chains)),
		store:       store,
		metrics:     m,
		logger:      logger,
	}

	for chain, profiles := range cfg.Chains {
		execs := make([]*Executor, 0, len(profiles))
		for _, p := range profiles {
			e, err := NewExecutor(p, store, m, logger)
			if err != nil {
				c.Close()
				return nil, err
			}
			execs = append(execs, e)
		}
		ctrl := NewController(chain, execs, cfg.Failover, m, logger)
		c.controllers[chain] = ctrl

		mons := make(map[string]*health.Monitor, len(execs))
		for _, e := range execs {
			p := e.Profile()
			hc := cfg.Health
			if p.LatencyThreshold > 0 {
				hc.LatencyThreshold = p.LatencyThreshold
			}
			if p.ChainID > 0 {
				hc.ExpectedChainID = fmt.Sprintf("0x%x", p.ChainID)
			}
			mons[p.Name] = health.NewMonitor(e, hc, logger)
		}
		c.monitors[chain] = mons
		ctrl.WatchHealth(mons)
	}

	store.StartCleanup()
	return c, nil
}

// Start launches the health probe loops.
func (c *Client) Start() {
	for _, mons := range c.monitors {
		for _, m := range mons {
			m.Start()
		}
	}
}

// Call routes one JSON-RPC call to the named chain.
func (c *Client) Call(ctx context.Context, chain, method string, params json.RawMessage) (json.RawMessage, error) {
	ctrl, ok := c.controllers[chain]
	if !ok {
		return nil, rpcerr.New(rpcerr.KindInvalidConfig, "", "unknown chain %q", chain)
	}
	c.inflight.Add(1)
	defer c.inflight.Add(-1)
	return ctrl.Call(ctx, method, params)
}

// CallRaw forwards a pre-encoded JSON-RPC request and returns a full
// response envelope echoing the caller's id.
func (c *Client) CallRaw(ctx context.Context, chain string, raw []byte) ([]byte, error) {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindInvalidConfig, "", err)
	}
	if req.Method == "" {
		return nil, rpcerr.New(rpcerr.KindInvalidConfig, "", "request has no method")
	}
	result, err := c.Call(ctx, chain, req.Method, req.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// Controller returns the failover controller for a chain.
func (c *Client) Controller(chain string) (*Controller, bool) {
	ctrl, ok := c.controllers[chain]
	return ctrl, ok
}

// Chains lists configured chain names.
func (c *Client) Chains() []string {
	names := make([]string, 0, len(c.controllers))
	for name := range c.controllers {
		names = append(names, name)
	}
	return names
}

// Health returns the latest snapshot per provider per chain.
func (c *Client) Health() map[string][]health.Snapshot {
	out := make(map[string][]health.Snapshot, len(c.monitors))
	for chain, mons := range c.monitors {
		for _, m := range mons {
			out[chain] = append(out[chain], m.Status())
		}
	}
	return out
}

// Cache exposes the shared store so block watchers can feed chain tips
// into reorg detection.
func (c *Client) Cache() *cache.Store { return c.store }

// CacheStats reports cache hits and misses.
func (c *Client) CacheStats() (hits, misses int64) {
	return c.store.Stats()
}

// Shutdown stops monitors and controllers, waits for in-flight calls until
// ctx expires, then closes executors and the cache. Safe to call on a
// partially built client.
func (c *Client) Shutdown(ctx context.Context) error {
	for _, mons := range c.monitors {
		for _, m := range mons {
			m.Stop()
		}
	}
	for _, ctrl := range c.controllers {
		ctrl.Stop()
	}

	c.drain(ctx)

	for _, ctrl := range c.controllers {
		for _, e := range ctrl.Executors() {
			e.Close()
		}
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// Close shuts down with a five second drain grace.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Shutdown(ctx)
}

func (c *Client) drain(ctx context.Context) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for c.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			c.logger.Warn("shutdown grace expired with calls in flight",
				zap.Int64("inflight", c.inflight.Load()))
			return
		case <-t.C:
		}
	}
}
