package rpcerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies one failure class. The set is fixed; classification never
// invents new kinds at runtime.
type Kind string

const (
	KindInvalidConfig      Kind = "invalid_config"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindUnauthorized       Kind = "unauthorized"
	KindRateLimited        Kind = "rate_limited"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindConcurrentLimit    Kind = "concurrent_limit_exceeded"
	KindServiceUnavailable Kind = "service_unavailable"
	KindTimeout            Kind = "timeout"
	KindNetwork            Kind = "network_error"
	KindArchiveRequired    Kind = "archive_required"
	KindCache              Kind = "cache_error"
	KindFailoverExhausted  Kind = "failover_exhausted"
)

var retryable = map[Kind]bool{
	KindRateLimited:        true,
	KindConcurrentLimit:    true,
	KindServiceUnavailable: true,
	KindTimeout:            true,
	KindNetwork:            true,
}

var defaultDelay = map[Kind]time.Duration{
	KindRateLimited:        time.Second,
	KindConcurrentLimit:    100 * time.Millisecond,
	KindServiceUnavailable: 2 * time.Second,
	KindTimeout:            500 * time.Millisecond,
	KindNetwork:            500 * time.Millisecond,
}

// Error is the typed error every failure inside the client maps to.
type Error struct {
	Kind       Kind
	Provider   string
	Message    string
	HTTPStatus int
	RPCCode    int
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the request may be retried against the same
// provider.
func (e *Error) Retryable() bool { return retryable[e.Kind] }

// SuggestedDelay is how long to wait before the next attempt. A server-
// provided RetryAfter wins over the per-kind default.
func (e *Error) SuggestedDelay() time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	return defaultDelay[e.Kind]
}

// New builds an Error with a formatted message.
func New(kind Kind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause, keeping it reachable via errors.Is/As.
func Wrap(kind Kind, provider string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Provider: provider, Message: msg, cause: cause}
}

// KindOf extracts the Kind from any error in the chain. Unclassified errors
// report KindNetwork, the taxonomy's fallback.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNetwork
}

// IsRetryable reports whether err may be retried on the same provider.
// Unclassified errors count as retryable network errors.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return true
}

// SuggestedDelay returns the backoff hint carried by err, or zero.
func SuggestedDelay(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.SuggestedDelay()
	}
	return 0
}
