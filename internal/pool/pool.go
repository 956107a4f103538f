// Package pool bounds concurrent outbound requests per provider. Slots are
// handed out by a weighted semaphore over a shared keep-alive transport;
// waiters beyond the acquire timeout fail with ConcurrentLimitExceeded
// instead of queueing forever.
package pool

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"aegis/internal/rpcerr"
)

// Config tunes the pool and its transport.
type Config struct {
	MaxConnections int
	AcquireTimeout time.Duration
	RequestTimeout time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DisableKeepAlives   bool
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 64
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = c.MaxConnections
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	return c
}

// Pool owns the HTTP client used for one provider's traffic.
type Pool struct {
	provider  string
	sem       *semaphore.Weighted
	cfg       Config
	client    *http.Client
	transport *http.Transport
	inflight  atomic.Int64
}

// New builds a pool with a keep-alive transport sized to the config.
func New(provider string, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 4 * time.Second,
		DisableKeepAlives:   cfg.DisableKeepAlives,
	}
	return &Pool{
		provider:  provider,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConnections)),
		cfg:       cfg,
		transport: tr,
		client: &http.Client{
			Transport: tr,
			Timeout:   cfg.RequestTimeout,
		},
	}
}

// Execute runs fn holding one pool slot. The slot is released even when fn
// panics. Waiting is bounded by the acquire timeout and the caller's
// context, whichever ends first.
func (p *Pool) Execute(ctx context.Context, fn func(client *http.Client) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e := rpcerr.New(rpcerr.KindConcurrentLimit, p.provider,
			"no connection slot within %s (max %d in flight)", p.cfg.AcquireTimeout, p.cfg.MaxConnections)
		e.RetryAfter = 100 * time.Millisecond
		return e
	}
	defer p.sem.Release(1)

	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	return fn(p.client)
}

// InFlight reports how many requests currently hold a slot.
func (p *Pool) InFlight() int64 { return p.inflight.Load() }

// Close drops idle keep-alive connections. In-flight requests finish on
// their own.
func (p *Pool) Close() {
	p.transport.CloseIdleConnections()
}
