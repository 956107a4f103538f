package provider

import (
	"net/url"
	"strings"
	"time"

	"aegis/internal/rpcerr"
)

// Strategy selects the rate-limiting algorithm for a provider.
type Strategy string

const (
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategyComputeUnits  Strategy = "compute_units"
)

// RateLimitConfig is the per-provider rate-limit shape.
type RateLimitConfig struct {
	Strategy              Strategy
	RequestsPerSecond     int
	RequestsPerMinute     int
	BurstSize             int
	DailyQuota            int64
	ComputeUnitsPerSecond int
	MethodCosts           map[string]int
	DefaultCost           int
}

// BreakerConfig holds circuit-breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int
	MonitoringPeriod time.Duration
	RecoveryTime     time.Duration
}

// RetryConfig holds the local retry policy.
type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Profile is the immutable description of one provider endpoint. Rotation
// never mutates a Profile; it builds a new one with WithCredential.
type Profile struct {
	Name          string
	Chain         string
	ChainID       uint64
	URLTemplate   string // https://host/path/{credential}
	WSURLTemplate string
	Credential    string
	Archive       bool
	ArchiveSuffix string
	Priority      int

	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Retry     RetryConfig

	CacheTTL         time.Duration
	CacheableMethods []string

	PoolSize         int
	AcquireTimeout   time.Duration
	RequestTimeout   time.Duration
	LatencyThreshold time.Duration
}

// DefaultCacheableMethods are the read-only deterministic methods cached when
// a profile does not name its own list.
var DefaultCacheableMethods = []string{
	"eth_blockNumber",
	"eth_chainId",
	"eth_gasPrice",
	"eth_getBlockByHash",
	"eth_getTransactionByHash",
	"eth_getTransactionReceipt",
}

// DefaultMethodCosts is a compute-unit table in the style of metered
// gateways. Unknown methods fall back to DefaultCost.
var DefaultMethodCosts = map[string]int{
	"eth_chainId":               0,
	"eth_blockNumber":           10,
	"eth_gasPrice":              10,
	"eth_getBalance":            19,
	"eth_getTransactionReceipt": 15,
	"eth_getBlockByNumber":      16,
	"eth_getBlockByHash":        16,
	"eth_call":                  26,
	"eth_getLogs":               75,
	"eth_sendRawTransaction":    250,
}

// DefaultCost applies to methods absent from a cost table.
const DefaultCost = 20

const credentialSlot = "{credential}"

// Validate rejects profiles that cannot produce a working executor. A failed
// validation is fatal at construction time.
func (p Profile) Validate() error {
	if p.Name == "" {
		return rpcerr.New(rpcerr.KindInvalidConfig, "", "provider name is required")
	}
	if p.Chain == "" {
		return rpcerr.New(rpcerr.KindInvalidConfig, p.Name, "chain is required")
	}
	if p.URLTemplate == "" {
		return rpcerr.New(rpcerr.KindInvalidConfig, p.Name, "url template is required")
	}
	if strings.Contains(p.URLTemplate, credentialSlot) && p.Credential == "" {
		return rpcerr.New(rpcerr.KindInvalidCredentials, p.Name, "url template requires a credential")
	}
	if _, err := url.Parse(p.expand(p.URLTemplate)); err != nil {
		return rpcerr.New(rpcerr.KindInvalidConfig, p.Name, "invalid url template: %v", err)
	}
	switch p.RateLimit.Strategy {
	case StrategySlidingWindow:
		if p.RateLimit.RequestsPerSecond <= 0 {
			return rpcerr.New(rpcerr.KindInvalidConfig, p.Name, "sliding window requires requests_per_second > 0")
		}
	case StrategyTokenBucket:
		if p.RateLimit.RequestsPerMinute <= 0 || p.RateLimit.BurstSize <= 0 {
			return rpcerr.New(rpcerr.KindInvalidConfig, p.Name, "token bucket requires requests_per_minute and burst_size > 0")
		}
	case StrategyComputeUnits:
		if p.RateLimit.ComputeUnitsPerSecond <= 0 {
			return rpcerr.New(rpcerr.KindInvalidConfig, p.Name, "compute units strategy requires compute_units_per_second > 0")
		}
	case "":
		return rpcerr.New(rpcerr.KindInvalidConfig, p.Name, "rate limit strategy is required")
	default:
		return rpcerr.New(rpcerr.KindInvalidConfig, p.Name, "unknown rate limit strategy %q", p.RateLimit.Strategy)
	}
	if p.PoolSize <= 0 {
		return rpcerr.New(rpcerr.KindInvalidConfig, p.Name, "pool size must be > 0")
	}
	return nil
}

func (p Profile) expand(tmpl string) string {
	return strings.ReplaceAll(tmpl, credentialSlot, p.Credential)
}

// Endpoint resolves the HTTP URL for this profile, applying the credential
// slot and the archive suffix.
func (p Profile) Endpoint() string {
	u := p.expand(p.URLTemplate)
	if p.Archive && p.ArchiveSuffix != "" {
		u = strings.TrimRight(u, "/") + p.ArchiveSuffix
	}
	return u
}

// WSEndpoint resolves the WebSocket URL, or "" when the profile has none.
func (p Profile) WSEndpoint() string {
	if p.WSURLTemplate == "" {
		return ""
	}
	return p.expand(p.WSURLTemplate)
}

// WithCredential returns a copy of the profile carrying a new credential.
func (p Profile) WithCredential(credential string) Profile {
	p.Credential = credential
	return p
}

// IsCacheable reports whether responses for method may be cached.
func (p Profile) IsCacheable(method string) bool {
	methods := p.CacheableMethods
	if len(methods) == 0 {
		methods = DefaultCacheableMethods
	}
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

// CostOf returns the compute-unit cost of method under this profile.
func (p Profile) CostOf(method string) int {
	costs := p.RateLimit.MethodCosts
	if len(costs) == 0 {
		costs = DefaultMethodCosts
	}
	if c, ok := costs[method]; ok {
		return c
	}
	if p.RateLimit.DefaultCost > 0 {
		return p.RateLimit.DefaultCost
	}
	return DefaultCost
}
