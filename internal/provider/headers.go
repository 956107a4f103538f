package provider

import (
	"net/http"
	"strconv"
	"time"
)

// RateTelemetry is the provider's own view of the caller's remaining budget,
// read from response headers. Missing headers leave the zero value; a zero
// value is never an error.
type RateTelemetry struct {
	Limit            int64
	Remaining        int64
	Reset            time.Duration
	ComputeUsed      int64
	ComputeRemaining int64

	HasRequestInfo bool
	HasComputeInfo bool
}

// ParseRateHeaders reads the Infura-style x-ratelimit-* headers and the
// compute-metered x-alchemy-compute-units-* headers. Either family may be
// absent.
func ParseRateHeaders(h http.Header) RateTelemetry {
	var t RateTelemetry
	if h == nil {
		return t
	}

	if v, ok := headerInt(h, "x-ratelimit-limit"); ok {
		t.Limit = v
		t.HasRequestInfo = true
	}
	if v, ok := headerInt(h, "x-ratelimit-remaining"); ok {
		t.Remaining = v
		t.HasRequestInfo = true
	}
	if v, ok := headerInt(h, "x-ratelimit-reset"); ok {
		t.Reset = time.Duration(v) * time.Second
		t.HasRequestInfo = true
	}

	if v, ok := headerInt(h, "x-alchemy-compute-units-used"); ok {
		t.ComputeUsed = v
		t.HasComputeInfo = true
	}
	if v, ok := headerInt(h, "x-alchemy-compute-units-remaining"); ok {
		t.ComputeRemaining = v
		t.HasComputeInfo = true
	}

	return t
}

func headerInt(h http.Header, key string) (int64, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
