// Package metrics exports client health in two shapes: a Prometheus
// registry for scraping and a plain JSON snapshot for dashboards.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe for concurrent use. Every observation lands both in the
// Prometheus registry and in the snapshot counters.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	rateUtilization *prometheus.GaugeVec
	failovers       *prometheus.CounterVec
	activeProvider  *prometheus.GaugeVec

	mu     sync.RWMutex
	chains map[string]*chainCounters
}

type chainCounters struct {
	total        int64
	failed       int64
	cacheHits    int64
	cacheMisses  int64
	failovers    int64
	activeIndex  int
	providers    map[string]*providerCounters
}

type providerCounters struct {
	total       int64
	failed      int64
	rateLimited int64
	breaker     string
	utilization float64
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		chains:   make(map[string]*chainCounters),
	}

	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis", Name: "requests_total",
		Help: "RPC requests by chain, provider and outcome.",
	}, []string{"chain", "provider", "outcome"})
	m.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aegis", Name: "request_duration_seconds",
		Help:    "RPC request latency.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"chain", "provider"})
	m.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis", Name: "rate_limited_total",
		Help: "Requests denied by the local rate limiter.",
	}, []string{"chain", "provider"})
	m.cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis", Name: "cache_hits_total", Help: "Cache hits.",
	}, []string{"chain"})
	m.cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis", Name: "cache_misses_total", Help: "Cache misses.",
	}, []string{"chain"})
	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aegis", Name: "circuit_state",
		Help: "Circuit state: 0 closed, 1 open, 2 half-open.",
	}, []string{"chain", "provider"})
	m.rateUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aegis", Name: "rate_limit_utilization",
		Help: "Fraction of the rate budget consumed.",
	}, []string{"chain", "provider"})
	m.failovers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis", Name: "failover_activations_total",
		Help: "Times traffic switched away from the active provider.",
	}, []string{"chain"})
	m.activeProvider = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aegis", Name: "active_provider_index",
		Help: "Index into the ordered provider list currently serving.",
	}, []string{"chain"})

	m.registry.MustRegister(
		m.requests, m.latency, m.rateLimited,
		m.cacheHits, m.cacheMisses,
		m.breakerState, m.rateUtilization,
		m.failovers, m.activeProvider,
	)
	return m
}

// Handler serves the Prometheus text exposition.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) chain(chain string) *chainCounters {
	c, ok := m.chains[chain]
	if !ok {
		c = &chainCounters{providers: make(map[string]*providerCounters)}
		m.chains[chain] = c
	}
	return c
}

func (c *chainCounters) provider(name string) *providerCounters {
	p, ok := c.providers[name]
	if !ok {
		p = &providerCounters{breaker: "closed"}
		c.providers[name] = p
	}
	return p
}

func (m *Metrics) RecordRequest(chain, provider string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.requests.WithLabelValues(chain, provider, outcome).Inc()
	m.latency.WithLabelValues(chain, provider).Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.chain(chain)
	p := c.provider(provider)
	c.total++
	p.total++
	if !success {
		c.failed++
		p.failed++
	}
}

func (m *Metrics) RecordRateLimited(chain, provider string) {
	m.rateLimited.WithLabelValues(chain, provider).Inc()
	m.mu.Lock()
	m.chain(chain).provider(provider).rateLimited++
	m.mu.Unlock()
}

func (m *Metrics) RecordCacheHit(chain string) {
	m.cacheHits.WithLabelValues(chain).Inc()
	m.mu.Lock()
	m.chain(chain).cacheHits++
	m.mu.Unlock()
}

func (m *Metrics) RecordCacheMiss(chain string) {
	m.cacheMisses.WithLabelValues(chain).Inc()
	m.mu.Lock()
	m.chain(chain).cacheMisses++
	m.mu.Unlock()
}

func (m *Metrics) RecordFailover(chain string, newIndex int) {
	m.failovers.WithLabelValues(chain).Inc()
	m.activeProvider.WithLabelValues(chain).Set(float64(newIndex))
	m.mu.Lock()
	c := m.chain(chain)
	c.failovers++
	c.activeIndex = newIndex
	m.mu.Unlock()
}

func (m *Metrics) SetActiveProvider(chain string, index int) {
	m.activeProvider.WithLabelValues(chain).Set(float64(index))
	m.mu.Lock()
	m.chain(chain).activeIndex = index
	m.mu.Unlock()
}

func (m *Metrics) SetBreakerState(chain, provider, state string, value float64) {
	m.breakerState.WithLabelValues(chain, provider).Set(value)
	m.mu.Lock()
	m.chain(chain).provider(provider).breaker = state
	m.mu.Unlock()
}

func (m *Metrics) SetUtilization(chain, provider string, u float64) {
	m.rateUtilization.WithLabelValues(chain, provider).Set(u)
	m.mu.Lock()
	m.chain(chain).provider(provider).utilization = u
	m.mu.Unlock()
}

// ProviderReport is the per-provider slice of a snapshot.
type ProviderReport struct {
	TotalRequests       int64   `json:"total_requests"`
	FailedRequests      int64   `json:"failed_requests"`
	SuccessfulRequests  int64   `json:"successful_requests"`
	SuccessRate         float64 `json:"success_rate"`
	RateLimited         int64   `json:"rate_limited"`
	CircuitState        string  `json:"circuit_state"`
	RateLimitUtilization float64 `json:"rate_limit_utilization"`
}

// ChainReport aggregates one chain.
type ChainReport struct {
	TotalRequests       int64                     `json:"total_requests"`
	FailedRequests      int64                     `json:"failed_requests"`
	SuccessfulRequests  int64                     `json:"successful_requests"`
	SuccessRate         float64                   `json:"success_rate"`
	CacheHitRate        float64                   `json:"cache_hit_rate"`
	FailoverActivations int64                     `json:"failover_activations"`
	ActiveProviderIndex int                       `json:"active_provider_index"`
	Providers           map[string]ProviderReport `json:"providers"`
}

// Report is the JSON snapshot of the whole client.
type Report struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Chains      map[string]ChainReport `json:"chains"`
}

// Snapshot renders the current counters.
func (m *Metrics) Snapshot() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := Report{GeneratedAt: time.Now().UTC(), Chains: make(map[string]ChainReport, len(m.chains))}
	for chain, c := range m.chains {
		cr := ChainReport{
			TotalRequests:       c.total,
			FailedRequests:      c.failed,
			SuccessfulRequests:  c.total - c.failed,
			FailoverActivations: c.failovers,
			ActiveProviderIndex: c.activeIndex,
			Providers:           make(map[string]ProviderReport, len(c.providers)),
		}
		if c.total > 0 {
			cr.SuccessRate = float64(c.total-c.failed) / float64(c.total)
		}
		if c.cacheHits+c.cacheMisses > 0 {
			cr.CacheHitRate = float64(c.cacheHits) / float64(c.cacheHits+c.cacheMisses)
		}
		for name, p := range c.providers {
			pr := ProviderReport{
				TotalRequests:        p.total,
				FailedRequests:       p.failed,
				SuccessfulRequests:   p.total - p.failed,
				RateLimited:          p.rateLimited,
				CircuitState:         p.breaker,
				RateLimitUtilization: p.utilization,
			}
			if p.total > 0 {
				pr.SuccessRate = float64(p.total-p.failed) / float64(p.total)
			}
			cr.Providers[name] = pr
		}
		r.Chains[chain] = cr
	}
	return r
}
