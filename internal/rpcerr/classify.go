package rpcerr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// The only free-text phrases classification is allowed to look at. Anything
// else must classify on structured fields alone.
var (
	quotaPhrases   = []string{"quota", "daily limit", "monthly limit", "capacity exceeded"}
	archivePhrases = []string{"archive", "pruned", "missing trie node", "state is not available"}
	ratePhrases    = []string{"rate limit", "too many requests", "exceeded its compute"}
)

func containsAny(s string, phrases []string) bool {
	s = strings.ToLower(s)
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// FromHTTP maps an HTTP status line to the taxonomy. body is only consulted
// for the fixed phrase tables above.
func FromHTTP(provider string, status int, header http.Header, body []byte) *Error {
	e := &Error{Provider: provider, HTTPStatus: status, Message: http.StatusText(status)}

	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
	case status == http.StatusForbidden:
		if containsAny(string(body), quotaPhrases) {
			e.Kind = KindQuotaExceeded
		} else {
			e.Kind = KindUnauthorized
		}
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = retryAfterHeader(header)
	case status == http.StatusBadRequest:
		if containsAny(string(body), archivePhrases) {
			e.Kind = KindArchiveRequired
		} else {
			e.Kind = KindNetwork
		}
	case status >= 500:
		e.Kind = KindServiceUnavailable
	default:
		e.Kind = KindNetwork
	}
	return e
}

// FromTransport maps a transport-level failure (dial, TLS, timeout) to the
// taxonomy. Context cancellation is not a provider failure and is returned
// unchanged.
func FromTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, provider, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Wrap(KindTimeout, provider, err)
	}
	return Wrap(KindNetwork, provider, err)
}

// FromRPC maps a JSON-RPC level error object to the taxonomy.
func FromRPC(provider string, code int, message string) *Error {
	e := &Error{Provider: provider, RPCCode: code, Message: message}

	switch {
	case code == -32005 || containsAny(message, ratePhrases):
		e.Kind = KindRateLimited
	case containsAny(message, quotaPhrases):
		e.Kind = KindQuotaExceeded
	case containsAny(message, archivePhrases):
		e.Kind = KindArchiveRequired
	default:
		e.Kind = KindNetwork
	}
	return e
}

func retryAfterHeader(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
