// Package router exposes the client over a local HTTP surface: one
// JSON-RPC endpoint per chain plus health, metrics and stats.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"aegis/internal/client"
	"aegis/internal/metrics"
	"aegis/internal/rpcerr"
)

const (
	readTimeout       = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 120 * time.Second

	maxBodyBytes = 8 << 20
	maxBatchSize = 100
)

// TotalReq tracks the total number of requests processed by the router.
var TotalReq atomic.Uint64

var bufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// ErrServerClosed is returned when the server is shutting down.
var ErrServerClosed = http.ErrServerClosed

type rpcReq struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrBody     `json:"error,omitempty"`
}

type rpcErrBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Router dispatches local JSON-RPC traffic into the client.
type Router struct {
	client  *client.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New builds the HTTP server around the client.
func New(addr string, c *client.Client, m *metrics.Metrics, logger *zap.Logger) *http.Server {
	rt := &Router{client: c, metrics: m, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", rt.handleHealth)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/stats", rt.handleStats)
	mux.HandleFunc("/", rt.handleRPC)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}

func (rt *Router) handleRPC(w http.ResponseWriter, r *http.Request) {
	TotalReq.Add(1)

	chain := strings.Trim(strings.TrimSpace(r.URL.Path), "/")
	if chain == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := rt.client.Controller(chain); !ok {
		http.NotFound(w, r)
		return
	}

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	_, _ = io.Copy(buf, io.LimitReader(r.Body, maxBodyBytes))
	_ = r.Body.Close()
	body := bytes.TrimSpace(buf.Bytes())

	if len(body) > 0 && body[0] == '[' {
		rt.handleBatch(w, r.Context(), chain, body)
		return
	}

	var req rpcReq
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, -32700, "Parse error")
		return
	}
	if req.Method == "" {
		writeRPCError(w, http.StatusBadRequest, req.ID, -32600, "Invalid Request")
		return
	}

	resp := rt.dispatch(r.Context(), chain, req)
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleBatch(w http.ResponseWriter, ctx context.Context, chain string, body []byte) {
	var reqs []rpcReq
	if err := json.Unmarshal(body, &reqs); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, -32700, "Parse error")
		return
	}
	if len(reqs) == 0 {
		writeRPCError(w, http.StatusBadRequest, nil, -32600, "Invalid Request")
		return
	}
	if len(reqs) > maxBatchSize {
		writeRPCError(w, http.StatusRequestEntityTooLarge, nil, -32600, "batch too large")
		return
	}

	// Calls fan out concurrently; the response array preserves request
	// order and each entry echoes its caller id.
	resps := make([]rpcResp, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req rpcReq) {
			defer wg.Done()
			if req.Method == "" {
				resps[i] = rpcResp{JSONRPC: "2.0", ID: req.ID, Error: &rpcErrBody{Code: -32600, Message: "Invalid Request"}}
				return
			}
			resps[i] = rt.dispatch(ctx, chain, req)
		}(i, req)
	}
	wg.Wait()

	writeJSON(w, http.StatusOK, resps)
}

func (rt *Router) dispatch(ctx context.Context, chain string, req rpcReq) rpcResp {
	result, err := rt.client.Call(ctx, chain, req.Method, req.Params)
	if err != nil {
		rt.logger.Debug("call failed",
			zap.String("chain", chain), zap.String("method", req.Method), zap.Error(err))
		return rpcResp{JSONRPC: "2.0", ID: req.ID, Error: toRPCError(err)}
	}
	return rpcResp{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// toRPCError maps the internal taxonomy onto JSON-RPC error codes the way
// public gateways do.
func toRPCError(err error) *rpcErrBody {
	code := -32603
	switch rpcerr.KindOf(err) {
	case rpcerr.KindRateLimited, rpcerr.KindQuotaExceeded, rpcerr.KindConcurrentLimit:
		code = -32005
	case rpcerr.KindInvalidConfig:
		code = -32600
	}
	return &rpcErrBody{Code: code, Message: err.Error()}
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	snaps := rt.client.Health()

	healthy := true
	for _, chain := range snaps {
		chainHealthy := len(chain) == 0
		for _, s := range chain {
			if s.Healthy {
				chainHealthy = true
				break
			}
		}
		if !chainHealthy {
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": healthy,
		"chains":  snaps,
	})
}

func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	report := rt.metrics.Snapshot()

	hits, misses := rt.client.CacheStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"report":       report,
		"cache_hits":   hits,
		"cache_misses": misses,
		"total_local":  TotalReq.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	writeJSON(w, status, rpcResp{JSONRPC: "2.0", ID: id, Error: &rpcErrBody{Code: code, Message: message}})
}
