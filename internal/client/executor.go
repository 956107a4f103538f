package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"aegis/internal/breaker"
	"aegis/internal/cache"
	"aegis/internal/metrics"
	"aegis/internal/pool"
	"aegis/internal/provider"
	"aegis/internal/ratelimit"
	"aegis/internal/rpcerr"
)

// Executor drives one provider endpoint through the full pipeline: cache
// lookup, local rate limiting, circuit breaking, a bounded connection pool,
// error classification and retry with exponential backoff. The profile is
// held behind an atomic pointer so credential rotation swaps it without a
// lock on the hot path.
type Executor struct {
	profile atomic.Pointer[provider.Profile]
	limiter ratelimit.Limiter
	breaker *breaker.Breaker
	pool    *pool.Pool
	store   *cache.Store
	metrics *metrics.Metrics
	logger  *zap.Logger

	reqID      atomic.Int64
	avgLatency atomic.Int64 // EWMA, nanoseconds
}

// NewExecutor validates the profile and assembles the pipeline around it.
func NewExecutor(p provider.Profile, store *cache.Store, m *metrics.Metrics, logger *zap.Logger) (*Executor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	lim, err := ratelimit.New(p, logger)
	if err != nil {
		return nil, err
	}
	e := &Executor{
		limiter: lim,
		breaker: breaker.New(p.Name, breaker.Config(p.Breaker), logger),
		pool: pool.New(p.Name, pool.Config{
			MaxConnections: p.PoolSize,
			AcquireTimeout: p.AcquireTimeout,
			RequestTimeout: p.RequestTimeout,
		}),
		store:   store,
		metrics: m,
		logger:  logger.With(zap.String("provider", p.Name), zap.String("chain", p.Chain)),
	}
	e.profile.Store(&p)
	return e, nil
}

// Profile returns the profile currently serving traffic.
func (e *Executor) Profile() provider.Profile { return *e.profile.Load() }

// SwapProfile atomically replaces the serving profile. In-flight requests
// finish against the old one.
func (e *Executor) SwapProfile(p provider.Profile) { e.profile.Store(&p) }

// Name implements health.Target.
func (e *Executor) Name() string { return e.profile.Load().Name }

// BreakerStatus exposes the circuit position for metrics and failover.
func (e *Executor) BreakerStatus() breaker.Status { return e.breaker.Status() }

// Utilization reports the local rate budget consumed, 0..1.
func (e *Executor) Utilization() float64 { return e.limiter.Utilization() }

// AvgLatency is the smoothed request latency.
func (e *Executor) AvgLatency() time.Duration {
	return time.Duration(e.avgLatency.Load())
}

// Close releases the limiter's timers and the pool's idle connections.
func (e *Executor) Close() {
	e.limiter.Close()
	e.pool.Close()
}

// Call runs one JSON-RPC method through the pipeline. Stage order is fixed:
// cache, rate limiter, circuit breaker, pool, classification, retry. A local
// rate-limit denial returns immediately with a retry hint rather than
// consuming an upstream attempt.
func (e *Executor) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	p := e.profile.Load()

	if e.cacheable(p, method) {
		key, err := cache.CanonicalKey(e.chainKey(p), method, params)
		if err != nil {
			return nil, err
		}
		if body, ok := e.store.Get(key); ok {
			e.metrics.RecordCacheHit(p.Chain)
			return body, nil
		}
		e.metrics.RecordCacheMiss(p.Chain)
		return e.store.Do(key, func() ([]byte, error) {
			result, err := e.dispatch(ctx, p, method, params)
			if err != nil {
				return nil, err
			}
			e.store.Put(key, result, p.CacheTTL, e.chainKey(p))
			return result, nil
		})
	}
	return e.dispatch(ctx, p, method, params)
}

func (e *Executor) cacheable(p *provider.Profile, method string) bool {
	return e.store != nil && p.CacheTTL > 0 && p.IsCacheable(method)
}

func (e *Executor) chainKey(p *provider.Profile) string {
	return strconv.FormatUint(p.ChainID, 10)
}

// dispatch runs the breaker-wrapped send with retries. Every attempt clears
// the local rate limiter first; a retry that finds the budget spent waits for
// it like any other retryable failure instead of bypassing the limiter.
func (e *Executor) dispatch(ctx context.Context, p *provider.Profile, method string, params json.RawMessage) (json.RawMessage, error) {
	trace := newTraceID()
	bo := newRetryBackoff(p.Retry)

	var result json.RawMessage
	var lastErr error
	attempts := p.Retry.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		var err error
		if d := e.limiter.Allow(ctx, method); !d.Allowed {
			e.metrics.RecordRateLimited(p.Chain, p.Name)
			denied := rpcerr.New(rpcerr.KindRateLimited, p.Name, "local rate limit: %s", d.Reason)
			denied.RetryAfter = d.RetryAfter
			if attempt == 0 {
				return nil, denied
			}
			err = denied
		} else {
			start := time.Now()
			err = e.breaker.Execute(ctx, func() error {
				return e.pool.Execute(ctx, func(hc *http.Client) error {
					res, sendErr := e.send(ctx, hc, p, method, params)
					if sendErr != nil {
						return sendErr
					}
					result = res
					return nil
				})
			})
			e.publishBreakerState(p)

			if err == nil {
				e.settleSuccess(p, method, time.Since(start), result)
				return result, nil
			}
			e.metrics.RecordRequest(p.Chain, p.Name, false, time.Since(start))
		}
		lastErr = err

		if !rpcerr.IsRetryable(err) || attempt == attempts-1 {
			break
		}
		delay := bo.NextBackOff()
		if hint := rpcerr.SuggestedDelay(err); hint > delay {
			delay = hint
		}
		e.logger.Debug("retrying request",
			zap.String("trace_id", trace),
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// newRetryBackoff builds the retry delay schedule: base doubled on every
// attempt up to the cap, no jitter.
func newRetryBackoff(rc provider.RetryConfig) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rc.BackoffBase
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 100 * time.Millisecond
	}
	bo.MaxInterval = rc.BackoffCap
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 5 * time.Second
	}
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (e *Executor) settleSuccess(p *provider.Profile, method string, latency time.Duration, result json.RawMessage) {
	e.limiter.Record(method)
	e.metrics.RecordRequest(p.Chain, p.Name, true, latency)
	e.metrics.SetUtilization(p.Chain, p.Name, e.limiter.Utilization())

	old := e.avgLatency.Load()
	if old == 0 {
		e.avgLatency.Store(int64(latency))
	} else {
		e.avgLatency.Store((old*7 + int64(latency)*3) / 10)
	}

	if e.store != nil && isBlockMethod(method) {
		envelope := fmt.Appendf(nil, `{"result":%s}`, result)
		if num, hash := cache.ExtractBlockInfo(envelope); num > 0 {
			e.store.UpdateLatestBlock(e.chainKey(p), num, hash, envelope)
		}
	}
}

func isBlockMethod(method string) bool {
	return method == "eth_getBlockByNumber" || method == "eth_getBlockByHash"
}

func (e *Executor) publishBreakerState(p *provider.Profile) {
	st := e.breaker.Status()
	e.metrics.SetBreakerState(p.Chain, p.Name, st.State.String(), float64(st.State))
}

// send performs one HTTP round trip and classifies every failure mode into
// the error taxonomy.
func (e *Executor) send(ctx context.Context, hc *http.Client, p *provider.Profile, method string, params json.RawMessage) (json.RawMessage, error) {
	id := wireID(e.reqID.Add(1))
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindInvalidConfig, p.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindInvalidConfig, p.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, rpcerr.FromTransport(p.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, rpcerr.FromTransport(p.Name, err)
	}

	if tel := provider.ParseRateHeaders(resp.Header); tel.HasRequestInfo || tel.HasComputeInfo {
		e.limiter.SetTelemetry(tel)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, rpcerr.FromHTTP(p.Name, resp.StatusCode, resp.Header, body)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindNetwork, p.Name, err)
	}
	if envelope.Error != nil {
		return nil, rpcerr.FromRPC(p.Name, envelope.Error.Code, envelope.Error.Message)
	}
	// A response carrying a different id than the request means the
	// provider (or a middlebox) crossed wires; the result is untrustworthy.
	if len(envelope.ID) > 0 && !bytes.Equal(bytes.TrimSpace(envelope.ID), id) {
		return nil, rpcerr.New(rpcerr.KindNetwork, p.Name,
			"response id %s does not match request id %s", envelope.ID, id)
	}
	return envelope.Result, nil
}

// ProbeChainID implements health.Target. Probes bypass the cache and the
// rate limiter so a throttled provider is still observable; the pool bound
// still applies.
func (e *Executor) ProbeChainID(ctx context.Context) (string, time.Duration, error) {
	p := e.profile.Load()
	var id string
	start := time.Now()
	err := e.pool.Execute(ctx, func(hc *http.Client) error {
		res, err := e.send(ctx, hc, p, "eth_chainId", nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(res, &id)
	})
	return id, time.Since(start), err
}

// ProbeBlockNumber implements health.Target.
func (e *Executor) ProbeBlockNumber(ctx context.Context) (uint64, time.Duration, error) {
	p := e.profile.Load()
	var n uint64
	start := time.Now()
	err := e.pool.Execute(ctx, func(hc *http.Client) error {
		res, err := e.send(ctx, hc, p, "eth_blockNumber", nil)
		if err != nil {
			return err
		}
		var hex string
		if err := json.Unmarshal(res, &hex); err != nil {
			return rpcerr.Wrap(rpcerr.KindNetwork, p.Name, err)
		}
		parsed, err := strconv.ParseUint(strings.TrimPrefix(hex, "0x"), 16, 64)
		if err != nil {
			return rpcerr.Wrap(rpcerr.KindNetwork, p.Name, err)
		}
		n = parsed
		return nil
	})
	return n, time.Since(start), err
}
