package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestRetryableTable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindRateLimited, true},
		{KindConcurrentLimit, true},
		{KindServiceUnavailable, true},
		{KindTimeout, true},
		{KindNetwork, true},
		{KindQuotaExceeded, false},
		{KindArchiveRequired, false},
		{KindUnauthorized, false},
		{KindInvalidCredentials, false},
		{KindInvalidConfig, false},
		{KindCache, false},
		{KindFailoverExhausted, false},
	}
	for _, tc := range cases {
		e := New(tc.kind, "ankr", "boom")
		if e.Retryable() != tc.want {
			t.Errorf("%s: retryable = %v, want %v", tc.kind, e.Retryable(), tc.want)
		}
	}
}

func TestFromHTTP(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Kind
	}{
		{401, "", KindUnauthorized},
		{403, "daily quota exceeded", KindQuotaExceeded},
		{403, "forbidden", KindUnauthorized},
		{429, "", KindRateLimited},
		{400, "this request requires an archive node", KindArchiveRequired},
		{400, "bad request", KindNetwork},
		{500, "", KindServiceUnavailable},
		{502, "", KindServiceUnavailable},
		{503, "", KindServiceUnavailable},
		{418, "", KindNetwork},
	}
	for _, tc := range cases {
		e := FromHTTP("infura", tc.status, nil, []byte(tc.body))
		if e.Kind != tc.want {
			t.Errorf("status %d body %q: got %s, want %s", tc.status, tc.body, e.Kind, tc.want)
		}
		if e.HTTPStatus != tc.status {
			t.Errorf("status %d: HTTPStatus not preserved", tc.status)
		}
	}
}

func TestFromHTTPRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	e := FromHTTP("alchemy", 429, h, nil)
	if e.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", e.RetryAfter)
	}
	if e.SuggestedDelay() != 7*time.Second {
		t.Errorf("SuggestedDelay = %v, want 7s", e.SuggestedDelay())
	}
}

func TestFromTransport(t *testing.T) {
	if err := FromTransport("ankr", nil); err != nil {
		t.Fatalf("nil error should stay nil, got %v", err)
	}

	err := FromTransport("ankr", context.DeadlineExceeded)
	if KindOf(err) != KindTimeout {
		t.Errorf("deadline: got %s, want %s", KindOf(err), KindTimeout)
	}

	err = FromTransport("ankr", context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Error("cancellation should pass through unchanged")
	}

	err = FromTransport("ankr", fmt.Errorf("dial tcp: connection refused"))
	if KindOf(err) != KindNetwork {
		t.Errorf("dial failure: got %s, want %s", KindOf(err), KindNetwork)
	}
}

func TestFromRPC(t *testing.T) {
	cases := []struct {
		code    int
		message string
		want    Kind
	}{
		{-32005, "limit reached", KindRateLimited},
		{-32000, "rate limit exceeded", KindRateLimited},
		{-32000, "exceeded its compute units per second", KindRateLimited},
		{-32000, "monthly limit reached for this quota", KindQuotaExceeded},
		{-32000, "missing trie node deadbeef", KindArchiveRequired},
		{-32601, "method not found", KindNetwork},
		{-32602, "invalid params", KindNetwork},
	}
	for _, tc := range cases {
		e := FromRPC("ankr", tc.code, tc.message)
		if e.Kind != tc.want {
			t.Errorf("code %d %q: got %s, want %s", tc.code, tc.message, e.Kind, tc.want)
		}
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	e := Wrap(KindNetwork, "ankr", cause)
	if !errors.Is(e, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}

	outer := fmt.Errorf("call failed: %w", e)
	if KindOf(outer) != KindNetwork {
		t.Errorf("KindOf through wrapping = %s, want %s", KindOf(outer), KindNetwork)
	}
	if !IsRetryable(outer) {
		t.Error("network error should be retryable through wrapping")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("mystery")) != KindNetwork {
		t.Error("unclassified errors should fall back to network_error")
	}
}
