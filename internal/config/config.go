// Package config loads the TOML configuration. Reserved sections configure
// the runtime; every other top-level table is a provider, with one
// sub-table per chain. Environment references like ${ALCHEMY_API_KEY} are
// expanded before parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"aegis/internal/cache"
	"aegis/internal/health"
	"aegis/internal/provider"
	"aegis/internal/rpcerr"
)

var reservedKeys = map[string]bool{
	"aegis":  true,
	"health": true,
	"cache":  true,
	"stream": true,
	"listen": true,
}

// AegisConfig is the [aegis] section.
type AegisConfig struct {
	Listen            string `toml:"listen"`
	FailoverThreshold int    `toml:"failover_threshold"`
}

type healthSection struct {
	Interval         int64  `toml:"interval_ms"`
	ProbeTimeout     int64  `toml:"probe_timeout_ms"`
	LatencyThreshold int64  `toml:"latency_threshold_ms"`
	FailsToDown      int    `toml:"fails_to_down"`
}

type cacheSection struct {
	Enabled         bool   `toml:"enabled"`
	Path            string `toml:"path"`
	MemEntries      int    `toml:"mem_entries"`
	MaxReorgDepth   int    `toml:"max_reorg_depth"`
	CleanupInterval int64  `toml:"cleanup_interval_ms"`
	Clean           bool   `toml:"clean"`
}

// StreamConfig is the [stream] section controlling newHeads watchers.
type StreamConfig struct {
	Enabled        bool          `toml:"enabled"`
	PingInterval   time.Duration `toml:"-"`
	PongWait       time.Duration `toml:"-"`
	ReconnectBase  time.Duration `toml:"-"`
	MaxMessageSize int64         `toml:"max_message_size"`
}

type streamSection struct {
	Enabled        bool  `toml:"enabled"`
	PingInterval   int64 `toml:"ping_interval_ms"`
	PongWait       int64 `toml:"pong_wait_ms"`
	ReconnectBase  int64 `toml:"reconnect_base_ms"`
	MaxMessageSize int64 `toml:"max_message_size"`
}

// providerTable carries provider-level defaults inherited by each chain
// sub-table.
type providerTable struct {
	Credential            string         `toml:"credential"`
	Priority              int            `toml:"priority"`
	Strategy              string         `toml:"strategy"`
	RequestsPerSecond     int            `toml:"requests_per_second"`
	RequestsPerMinute     int            `toml:"requests_per_minute"`
	BurstSize             int            `toml:"burst_size"`
	DailyQuota            int64          `toml:"daily_quota"`
	ComputeUnitsPerSecond int            `toml:"compute_units_per_second"`
	MethodCosts           map[string]int `toml:"method_costs"`
	DefaultCost           int            `toml:"default_cost"`
	PoolSize              int            `toml:"pool_size"`
	MaxRetries            int            `toml:"max_retries"`
	BackoffBase           int64          `toml:"backoff_base_ms"`
	BackoffCap            int64          `toml:"backoff_cap_ms"`
	FailureThreshold      int            `toml:"failure_threshold"`
	MonitoringPeriod      int64          `toml:"monitoring_period_ms"`
	RecoveryTime          int64          `toml:"recovery_time_ms"`
}

// chainTable is one chain sub-table. Unset fields fall back to the provider
// table.
type chainTable struct {
	providerTable

	URL              string   `toml:"url"`
	WSURL            string   `toml:"ws_url"`
	ChainID          uint64   `toml:"chain_id"`
	Archive          bool     `toml:"archive"`
	ArchiveSuffix    string   `toml:"archive_suffix"`
	CacheTTL         int64    `toml:"cache_ttl_ms"`
	CacheableMethods []string `toml:"cacheable_methods"`
	AcquireTimeout   int64    `toml:"acquire_timeout_ms"`
	RequestTimeout   int64    `toml:"request_timeout_ms"`
	LatencyThreshold int64    `toml:"latency_threshold_ms"`
}

// File is the fully resolved configuration.
type File struct {
	Aegis  AegisConfig
	Health health.Config
	Cache  cache.Config
	Stream StreamConfig
	Chains map[string][]provider.Profile
}

// Load reads, expands and parses path. Unlike a panic-on-error loader, every
// failure comes back as a typed error so callers decide how to die.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindInvalidConfig, "", err)
	}
	return Parse(os.ExpandEnv(string(b)))
}

// Parse consumes already-expanded TOML text.
func Parse(text string) (*File, error) {
	var raw map[string]any
	if err := toml.Unmarshal([]byte(text), &raw); err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindInvalidConfig, "", err)
	}

	f := &File{Chains: make(map[string][]provider.Profile)}

	if err := section(raw, "aegis", &f.Aegis); err != nil {
		return nil, err
	}
	if listen, ok := raw["listen"].(string); ok {
		f.Aegis.Listen = listen
	}
	if f.Aegis.Listen == "" {
		f.Aegis.Listen = ":3000"
	}

	var hs healthSection
	if err := section(raw, "health", &hs); err != nil {
		return nil, err
	}
	f.Health = health.Config{
		Interval:         ms(hs.Interval),
		ProbeTimeout:     ms(hs.ProbeTimeout),
		LatencyThreshold: ms(hs.LatencyThreshold),
		FailureThreshold: hs.FailsToDown,
	}

	var cs cacheSection
	if err := section(raw, "cache", &cs); err != nil {
		return nil, err
	}
	if cs.Enabled && cs.Path == "" {
		cs.Path = "./.data/aegis"
	}
	if cs.Enabled {
		p := filepath.Clean(cs.Path)
		if p == "" || p == "." || p == "/" {
			return nil, rpcerr.New(rpcerr.KindInvalidConfig, "", "refusing to use unsafe cache path %q", p)
		}
		if cs.Clean {
			if err := os.RemoveAll(p); err != nil {
				return nil, rpcerr.Wrap(rpcerr.KindCache, "", err)
			}
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindCache, "", err)
		}
		cs.Path = p
	}
	f.Cache = cache.Config{
		Enabled:         cs.Enabled,
		Path:            cs.Path,
		MemEntries:      cs.MemEntries,
		MaxReorgDepth:   cs.MaxReorgDepth,
		CleanupInterval: ms(cs.CleanupInterval),
	}

	var ss streamSection
	if err := section(raw, "stream", &ss); err != nil {
		return nil, err
	}
	f.Stream = StreamConfig{
		Enabled:        ss.Enabled,
		PingInterval:   ms(ss.PingInterval),
		PongWait:       ms(ss.PongWait),
		ReconnectBase:  ms(ss.ReconnectBase),
		MaxMessageSize: ss.MaxMessageSize,
	}

	for name, v := range raw {
		if reservedKeys[name] {
			continue
		}
		vm, ok := v.(map[string]any)
		if !ok {
			continue
		}

		var defaults providerTable
		if err := remarshal(v, &defaults); err != nil {
			return nil, rpcerr.New(rpcerr.KindInvalidConfig, name, "parsing provider table: %v", err)
		}

		chains := 0
		for chainName, vv := range vm {
			sub, ok := vv.(map[string]any)
			if !ok {
				continue
			}
			chains++

			ct := chainTable{providerTable: defaults}
			if err := remarshal(sub, &ct); err != nil {
				return nil, rpcerr.New(rpcerr.KindInvalidConfig, name, "parsing chain %s: %v", chainName, err)
			}

			p, err := buildProfile(name, chainName, ct)
			if err != nil {
				return nil, err
			}
			f.Chains[chainName] = append(f.Chains[chainName], p)
		}
		if chains == 0 {
			return nil, rpcerr.New(rpcerr.KindInvalidConfig, name, "provider has no chain tables")
		}
	}

	if len(f.Chains) == 0 {
		return nil, rpcerr.New(rpcerr.KindInvalidConfig, "", "no providers configured")
	}
	return f, nil
}

func buildProfile(providerName, chainName string, ct chainTable) (provider.Profile, error) {
	p := provider.Profile{
		Name:          providerName,
		Chain:         chainName,
		ChainID:       ct.ChainID,
		URLTemplate:   ct.URL,
		WSURLTemplate: ct.WSURL,
		Credential:    ct.Credential,
		Archive:       ct.Archive,
		ArchiveSuffix: ct.ArchiveSuffix,
		Priority:      ct.Priority,
		RateLimit: provider.RateLimitConfig{
			Strategy:              provider.Strategy(ct.Strategy),
			RequestsPerSecond:     ct.RequestsPerSecond,
			RequestsPerMinute:     ct.RequestsPerMinute,
			BurstSize:             ct.BurstSize,
			DailyQuota:            ct.DailyQuota,
			ComputeUnitsPerSecond: ct.ComputeUnitsPerSecond,
			MethodCosts:           ct.MethodCosts,
			DefaultCost:           ct.DefaultCost,
		},
		Breaker: provider.BreakerConfig{
			FailureThreshold: ct.FailureThreshold,
			MonitoringPeriod: ms(ct.MonitoringPeriod),
			RecoveryTime:     ms(ct.RecoveryTime),
		},
		Retry: provider.RetryConfig{
			MaxRetries:  ct.MaxRetries,
			BackoffBase: ms(ct.BackoffBase),
			BackoffCap:  ms(ct.BackoffCap),
		},
		CacheTTL:         ms(ct.CacheTTL),
		CacheableMethods: ct.CacheableMethods,
		PoolSize:         ct.PoolSize,
		AcquireTimeout:   ms(ct.AcquireTimeout),
		RequestTimeout:   ms(ct.RequestTimeout),
		LatencyThreshold: ms(ct.LatencyThreshold),
	}
	if p.PoolSize <= 0 {
		p.PoolSize = 10
	}
	if err := p.Validate(); err != nil {
		return provider.Profile{}, err
	}
	return p, nil
}

// section decodes raw[key] into dst via re-marshal; a missing section
// leaves dst zero.
func section(raw map[string]any, key string, dst any) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	if err := remarshal(v, dst); err != nil {
		return rpcerr.New(rpcerr.KindInvalidConfig, "", "parsing [%s]: %v", key, err)
	}
	return nil
}

func remarshal(v any, dst any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	return toml.Unmarshal(b, dst)
}

func ms(v int64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}

// String renders the listen address for startup logs.
func (f *File) String() string {
	providers := 0
	for _, ps := range f.Chains {
		providers += len(ps)
	}
	return fmt.Sprintf("listen=%s chains=%d providers=%d cache=%v",
		f.Aegis.Listen, len(f.Chains), providers, f.Cache.Enabled)
}
