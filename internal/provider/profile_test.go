package provider

import (
	"net/http"
	"testing"
	"time"

	"aegis/internal/rpcerr"
)

func validProfile() Profile {
	return Profile{
		Name:        "ankr",
		Chain:       "ethereum",
		ChainID:     1,
		URLTemplate: "https://rpc.ankr.com/eth/{credential}",
		Credential:  "key-123",
		RateLimit: RateLimitConfig{
			Strategy:          StrategySlidingWindow,
			RequestsPerSecond: 10,
			BurstSize:         20,
		},
		PoolSize: 4,
	}
}

func TestValidate(t *testing.T) {
	if err := validProfile().Validate(); err != nil {
		t.Fatalf("valid profile rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Profile)
		kind   rpcerr.Kind
	}{
		{"missing name", func(p *Profile) { p.Name = "" }, rpcerr.KindInvalidConfig},
		{"missing chain", func(p *Profile) { p.Chain = "" }, rpcerr.KindInvalidConfig},
		{"missing url", func(p *Profile) { p.URLTemplate = "" }, rpcerr.KindInvalidConfig},
		{"missing credential", func(p *Profile) { p.Credential = "" }, rpcerr.KindInvalidCredentials},
		{"zero rps", func(p *Profile) { p.RateLimit.RequestsPerSecond = 0 }, rpcerr.KindInvalidConfig},
		{"unknown strategy", func(p *Profile) { p.RateLimit.Strategy = "dice_roll" }, rpcerr.KindInvalidConfig},
		{"no strategy", func(p *Profile) { p.RateLimit.Strategy = "" }, rpcerr.KindInvalidConfig},
		{"zero pool", func(p *Profile) { p.PoolSize = 0 }, rpcerr.KindInvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validProfile()
			tc.mutate(&p)
			err := p.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if rpcerr.KindOf(err) != tc.kind {
				t.Errorf("kind = %s, want %s", rpcerr.KindOf(err), tc.kind)
			}
		})
	}
}

func TestEndpoint(t *testing.T) {
	p := validProfile()
	if got := p.Endpoint(); got != "https://rpc.ankr.com/eth/key-123" {
		t.Errorf("Endpoint = %q", got)
	}

	p.Archive = true
	p.ArchiveSuffix = "/archive"
	if got := p.Endpoint(); got != "https://rpc.ankr.com/eth/key-123/archive" {
		t.Errorf("archive Endpoint = %q", got)
	}
}

func TestWithCredential(t *testing.T) {
	p := validProfile()
	q := p.WithCredential("key-456")
	if p.Credential != "key-123" {
		t.Error("WithCredential mutated the original profile")
	}
	if q.Endpoint() != "https://rpc.ankr.com/eth/key-456" {
		t.Errorf("rotated Endpoint = %q", q.Endpoint())
	}
}

func TestIsCacheable(t *testing.T) {
	p := validProfile()
	if !p.IsCacheable("eth_blockNumber") {
		t.Error("default allow-list should include eth_blockNumber")
	}
	if p.IsCacheable("eth_sendRawTransaction") {
		t.Error("mutating methods must never be cacheable")
	}

	p.CacheableMethods = []string{"eth_chainId"}
	if p.IsCacheable("eth_blockNumber") {
		t.Error("explicit allow-list should replace the default")
	}
	if !p.IsCacheable("eth_chainId") {
		t.Error("explicit allow-list entry rejected")
	}
}

func TestCostOf(t *testing.T) {
	p := validProfile()
	if p.CostOf("eth_call") != 26 {
		t.Errorf("eth_call cost = %d, want 26", p.CostOf("eth_call"))
	}
	if p.CostOf("eth_unknownMethod") != DefaultCost {
		t.Errorf("unknown method cost = %d, want %d", p.CostOf("eth_unknownMethod"), DefaultCost)
	}

	p.RateLimit.MethodCosts = map[string]int{"eth_call": 5}
	p.RateLimit.DefaultCost = 7
	if p.CostOf("eth_call") != 5 {
		t.Error("explicit cost table ignored")
	}
	if p.CostOf("eth_getLogs") != 7 {
		t.Error("explicit default cost ignored")
	}
}

func TestParseRateHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-limit", "100")
	h.Set("x-ratelimit-remaining", "42")
	h.Set("x-ratelimit-reset", "30")

	tl := ParseRateHeaders(h)
	if !tl.HasRequestInfo {
		t.Fatal("request telemetry not detected")
	}
	if tl.Limit != 100 || tl.Remaining != 42 || tl.Reset != 30*time.Second {
		t.Errorf("telemetry = %+v", tl)
	}
	if tl.HasComputeInfo {
		t.Error("compute telemetry falsely detected")
	}

	h = http.Header{}
	h.Set("x-alchemy-compute-units-used", "330")
	h.Set("x-alchemy-compute-units-remaining", "170")
	tl = ParseRateHeaders(h)
	if !tl.HasComputeInfo || tl.ComputeUsed != 330 || tl.ComputeRemaining != 170 {
		t.Errorf("compute telemetry = %+v", tl)
	}

	tl = ParseRateHeaders(http.Header{})
	if tl.HasRequestInfo || tl.HasComputeInfo {
		t.Error("absent headers must parse to the zero value")
	}
}
